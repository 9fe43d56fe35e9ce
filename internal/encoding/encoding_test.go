package encoding

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/amqpio/amqp/internal/buffer"
)

var generalTypes = []interface{}{
	nil,
	true,
	false,
	uint8(0),
	uint8(1),
	uint8(255),
	uint16(0),
	uint16(65535),
	uint32(0),
	uint32(255),
	uint32(4294967295),
	uint64(0),
	uint64(255),
	uint64(18446744073709551615),
	int8(127),
	int8(-128),
	int16(32767),
	int16(-32768),
	int32(127),
	int32(-128),
	int32(2147483647),
	int32(-2147483648),
	int64(127),
	int64(-128),
	int64(9223372036854775807),
	int64(-9223372036854775808),
	float32(3.14),
	float64(3.14),
	"",
	"hello",
	string(make([]byte, 500)), // str32
	[]byte("binary data"),
	time.Date(2018, 1, 27, 16, 16, 59, 0, time.UTC),
	Symbol("a symbol"),
	Char('€'),
	Decimal32(0x2208_0092),
	Decimal64(0x2230_0000_0000_01c8),
	Decimal128{0x22, 0x07, 0x80, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01, 0xc8},
	UUID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
	[]Symbol{"a", "b", "c"},
	[]string{"a", "b", "c"},
	[]int8{1, 2, -3},
	[]uint16{1, 2, 65535},
	[]int16{1, 2, -32768},
	[]uint32{1, 2, 4294967295},
	[]int32{1, 2, -2147483648},
	[]uint64{1, 2, 18446744073709551615},
	[]int64{1, 2, -9223372036854775808},
	[]float32{1.5, -2.25},
	[]float64{1.5, -2.25},
	[]bool{true, false, true},
	ArrayUByte{1, 2, 255},
	map[interface{}]interface{}{int64(10): "ten"},
	map[string]interface{}{"one": int64(1)},
	map[Symbol]interface{}{"one": int64(1)},
	DescribedType{Descriptor: uint64(0x468C00000004), Value: "descriptor value"},
	&Error{
		Condition:   "amqp:internal-error",
		Description: "an internal error occurred",
		Info:        map[string]interface{}{"hey": "ho"},
	},
	&StateReceived{SectionNumber: 1, SectionOffset: 2},
	&StateAccepted{},
	&StateRejected{Error: &Error{Condition: "amqp:decode-error"}},
	&StateReleased{},
	&StateModified{
		DeliveryFailed:     true,
		UndeliverableHere:  true,
		MessageAnnotations: Annotations{"key": "value"},
	},
	Milliseconds(10 * time.Second),
	Annotations{int64(42): "answer"},
	Unsettled{"tag": &StateReceived{}},
	Filter{"apache.org:selector-filter:string": &DescribedType{
		Descriptor: uint64(0x468C00000004),
		Value:      "amqp.annotation.x-opt-offset > '100'",
	}},
	ModeMixed,
	ModeSecond,
	DurabilityUnsettledState,
	ExpiryNever,
	Role(true),
	LifetimePolicy(TypeCodeDeleteOnClose),
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	for _, want := range generalTypes {
		t.Run(fmt.Sprintf("%T", want), func(t *testing.T) {
			buf := &buffer.Buffer{}
			require.NoError(t, Marshal(buf, want))

			if want == nil {
				got, err := ReadAny(buf)
				require.NoError(t, err)
				require.Nil(t, got)
				return
			}

			dest := reflect.New(reflect.TypeOf(want)).Interface()
			require.NoError(t, Unmarshal(buf, dest))
			require.Zero(t, buf.Len(), "value not fully consumed")

			got := reflect.ValueOf(dest).Elem().Interface()
			if !cmp.Equal(want, got) {
				t.Errorf("roundtrip produced different results:\n %s", cmp.Diff(want, got))
			}
		})
	}
}

func TestReadAnyRoundTrip(t *testing.T) {
	// ReadAny returns the closest matching Go type, which widens or
	// re-types some inputs.
	tests := []struct {
		input interface{}
		want  interface{}
	}{
		{input: nil, want: nil},
		{input: true, want: true},
		{input: uint8(8), want: uint8(8)},
		{input: uint32(300), want: uint32(300)},
		{input: uint64(300), want: uint64(300)},
		{input: int64(-300), want: int64(-300)},
		{input: "hello", want: "hello"},
		{input: Symbol("sym"), want: "sym"},
		{input: []byte{1, 2}, want: []byte{1, 2}},
		{input: float64(2.5), want: float64(2.5)},
		{input: map[string]interface{}{"a": int64(1)}, want: map[string]interface{}{"a": int64(1)}},
		{input: []int64{5, 6}, want: []int64{5, 6}},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%T", tt.input), func(t *testing.T) {
			buf := &buffer.Buffer{}
			require.NoError(t, Marshal(buf, tt.input))

			got, err := ReadAny(buf)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
			require.Zero(t, buf.Len(), "value not fully consumed")
		})
	}
}

func TestSmallestEncoding(t *testing.T) {
	tests := []struct {
		value interface{}
		want  []byte
	}{
		{value: uint32(0), want: []byte{byte(TypeCodeUint0)}},
		{value: uint32(8), want: []byte{byte(TypeCodeSmallUint), 8}},
		{value: uint32(256), want: []byte{byte(TypeCodeUint), 0, 0, 1, 0}},
		{value: uint64(0), want: []byte{byte(TypeCodeUlong0)}},
		{value: uint64(8), want: []byte{byte(TypeCodeSmallUlong), 8}},
		{value: int32(8), want: []byte{byte(TypeCodeSmallint), 8}},
		{value: int64(-1), want: []byte{byte(TypeCodeSmalllong), 0xff}},
		{value: true, want: []byte{byte(TypeCodeBoolTrue)}},
		{value: false, want: []byte{byte(TypeCodeBoolFalse)}},
	}

	for _, tt := range tests {
		buf := &buffer.Buffer{}
		require.NoError(t, Marshal(buf, tt.value))
		require.Equal(t, tt.want, buf.Bytes(), "value %v", tt.value)
	}
}

func TestCompositeTruncatesTrailingNulls(t *testing.T) {
	// only delivery-failed set: undeliverable-here and
	// message-annotations must be omitted entirely
	buf := &buffer.Buffer{}
	sm := &StateModified{DeliveryFailed: true}
	require.NoError(t, sm.Marshal(buf))

	// descriptor(3) + list8 type/size/count(3) + booltrue(1)
	require.Equal(t, []byte{
		0x0, byte(TypeCodeSmallUlong), byte(TypeCodeStateModified),
		byte(TypeCodeList8), 2, 1,
		byte(TypeCodeBoolTrue),
	}, buf.Bytes())

	got := &StateModified{}
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, sm, got)
}

func TestCompositeEmptyEncodesList0(t *testing.T) {
	buf := &buffer.Buffer{}
	require.NoError(t, (&StateAccepted{}).Marshal(buf))
	require.Equal(t, []byte{
		0x0, byte(TypeCodeSmallUlong), byte(TypeCodeStateAccepted),
		byte(TypeCodeList0),
	}, buf.Bytes())
}

func TestCompositeIgnoresExtraTrailingFields(t *testing.T) {
	// encode a rejected state with a bogus extra field appended;
	// decoders must skip fields beyond those they know
	buf := &buffer.Buffer{}
	require.NoError(t, MarshalComposite(buf, TypeCodeStateRejected, []MarshalField{
		{Value: (*Error)(nil), Omit: true},
		{Value: "future field", Omit: false},
	}))

	got := &StateRejected{}
	require.NoError(t, got.Unmarshal(buf))
	require.Nil(t, got.Error)
	require.Zero(t, buf.Len())
}

func TestSkipValue(t *testing.T) {
	for _, value := range generalTypes {
		buf := &buffer.Buffer{}
		require.NoError(t, Marshal(buf, value))
		require.NoError(t, SkipValue(buf), "value %v", value)
		require.Zero(t, buf.Len(), "SkipValue did not consume %v fully", value)
	}
}

func TestInvalidStringUTF8(t *testing.T) {
	buf := &buffer.Buffer{}
	err := Marshal(buf, string([]byte{0xc3, 0x28}))
	require.Error(t, err)
}

func TestDecodeLengthBeyondBuffer(t *testing.T) {
	// str8 declaring 10 bytes with only 3 present
	buf := buffer.New([]byte{byte(TypeCodeStr8), 10, 'a', 'b', 'c'})
	_, err := ReadString(buf)
	require.Error(t, err)

	// map8 declaring a size larger than the remaining bytes
	buf = buffer.New([]byte{byte(TypeCodeMap8), 50, 2})
	_, err = readMapHeader(buf)
	require.Error(t, err)
}

func TestMilliseconds(t *testing.T) {
	buf := &buffer.Buffer{}
	ms := Milliseconds(2500 * time.Millisecond)
	require.NoError(t, ms.Marshal(buf))

	var got Milliseconds
	require.NoError(t, got.Unmarshal(buf))
	require.Equal(t, ms, got)
}

func TestMultiSymbolSingleOrArray(t *testing.T) {
	// a single symbol decodes into a one element slice
	buf := &buffer.Buffer{}
	require.NoError(t, Symbol("solo").Marshal(buf))

	var ms MultiSymbol
	require.NoError(t, ms.Unmarshal(buf))
	require.Equal(t, MultiSymbol{"solo"}, ms)

	// and so does an array of symbols
	buf.Reset()
	require.NoError(t, MultiSymbol{"a", "b"}.Marshal(buf))

	ms = nil
	require.NoError(t, ms.Unmarshal(buf))
	require.Equal(t, MultiSymbol{"a", "b"}, ms)
}
