package encoding

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/amqpio/amqp/internal/buffer"
)

const intSize = 32 << (^uint(0) >> 63)

// bufPool reduces allocations when encoding nested values.
var bufPool = sync.Pool{
	New: func() interface{} {
		return new(buffer.Buffer)
	},
}

// Marshaler is implemented by types that know how to encode themselves.
type Marshaler interface {
	Marshal(*buffer.Buffer) error
}

// Marshal encodes i into wr using the smallest legal format code
// for the value.
func Marshal(wr *buffer.Buffer, i interface{}) error {
	switch t := i.(type) {
	case nil:
		wr.AppendByte(byte(TypeCodeNull))
	case bool:
		if t {
			wr.AppendByte(byte(TypeCodeBoolTrue))
		} else {
			wr.AppendByte(byte(TypeCodeBoolFalse))
		}
	case *bool:
		if *t {
			wr.AppendByte(byte(TypeCodeBoolTrue))
		} else {
			wr.AppendByte(byte(TypeCodeBoolFalse))
		}
	case uint:
		writeUint64(wr, uint64(t))
	case *uint:
		writeUint64(wr, uint64(*t))
	case uint64:
		writeUint64(wr, t)
	case *uint64:
		writeUint64(wr, *t)
	case uint32:
		writeUint32(wr, t)
	case *uint32:
		if t == nil {
			wr.AppendByte(byte(TypeCodeNull))
			break
		}
		writeUint32(wr, *t)
	case uint16:
		wr.AppendByte(byte(TypeCodeUshort))
		wr.AppendUint16(t)
	case *uint16:
		wr.AppendByte(byte(TypeCodeUshort))
		wr.AppendUint16(*t)
	case uint8:
		wr.Append([]byte{
			byte(TypeCodeUbyte),
			t,
		})
	case *uint8:
		wr.Append([]byte{
			byte(TypeCodeUbyte),
			*t,
		})
	case int:
		writeInt64(wr, int64(t))
	case *int:
		writeInt64(wr, int64(*t))
	case int8:
		wr.Append([]byte{
			byte(TypeCodeByte),
			uint8(t),
		})
	case *int8:
		wr.Append([]byte{
			byte(TypeCodeByte),
			uint8(*t),
		})
	case int16:
		wr.AppendByte(byte(TypeCodeShort))
		wr.AppendUint16(uint16(t))
	case *int16:
		wr.AppendByte(byte(TypeCodeShort))
		wr.AppendUint16(uint16(*t))
	case int32:
		writeInt32(wr, t)
	case *int32:
		writeInt32(wr, *t)
	case int64:
		writeInt64(wr, t)
	case *int64:
		writeInt64(wr, *t)
	case float32:
		writeFloat(wr, t)
	case *float32:
		writeFloat(wr, *t)
	case float64:
		writeDouble(wr, t)
	case *float64:
		writeDouble(wr, *t)
	case string:
		return writeString(wr, t)
	case *string:
		return writeString(wr, *t)
	case []byte:
		return WriteBinary(wr, t)
	case *[]byte:
		return WriteBinary(wr, *t)
	case map[interface{}]interface{}:
		return writeMap(wr, t)
	case *map[interface{}]interface{}:
		return writeMap(wr, *t)
	case map[string]interface{}:
		return writeMap(wr, t)
	case *map[string]interface{}:
		return writeMap(wr, *t)
	case map[Symbol]interface{}:
		return writeMap(wr, t)
	case *map[Symbol]interface{}:
		return writeMap(wr, *t)
	case Unsettled:
		return writeMap(wr, t)
	case *Unsettled:
		return writeMap(wr, *t)
	case time.Time:
		writeTimestamp(wr, t)
	case *time.Time:
		writeTimestamp(wr, *t)
	case []Symbol:
		return writeSymbolArray(wr, t)
	case *[]Symbol:
		return writeSymbolArray(wr, *t)
	case []string:
		return writeStringArray(wr, t)
	case *[]string:
		return writeStringArray(wr, *t)
	case []int8:
		return arrayInt8(t).Marshal(wr)
	case *[]int8:
		return arrayInt8(*t).Marshal(wr)
	case []uint16:
		return arrayUint16(t).Marshal(wr)
	case *[]uint16:
		return arrayUint16(*t).Marshal(wr)
	case []int16:
		return arrayInt16(t).Marshal(wr)
	case *[]int16:
		return arrayInt16(*t).Marshal(wr)
	case []uint32:
		return ArrayUint32(t).Marshal(wr)
	case *[]uint32:
		return ArrayUint32(*t).Marshal(wr)
	case []int32:
		return arrayInt32(t).Marshal(wr)
	case *[]int32:
		return arrayInt32(*t).Marshal(wr)
	case []uint64:
		return arrayUint64(t).Marshal(wr)
	case *[]uint64:
		return arrayUint64(*t).Marshal(wr)
	case []int64:
		return ArrayInt64(t).Marshal(wr)
	case *[]int64:
		return ArrayInt64(*t).Marshal(wr)
	case []float32:
		return arrayFloat(t).Marshal(wr)
	case *[]float32:
		return arrayFloat(*t).Marshal(wr)
	case []float64:
		return arrayDouble(t).Marshal(wr)
	case *[]float64:
		return arrayDouble(*t).Marshal(wr)
	case []bool:
		return arrayBool(t).Marshal(wr)
	case *[]bool:
		return arrayBool(*t).Marshal(wr)
	case []interface{}:
		return List(t).Marshal(wr)
	case *[]interface{}:
		return List(*t).Marshal(wr)
	case Marshaler:
		return t.Marshal(wr)
	default:
		return fmt.Errorf("marshal not implemented for %T", i)
	}
	return nil
}

func writeInt32(wr *buffer.Buffer, n int32) {
	if n < 128 && n >= -128 {
		wr.Append([]byte{
			byte(TypeCodeSmallint),
			byte(n),
		})
		return
	}

	wr.AppendByte(byte(TypeCodeInt))
	wr.AppendUint32(uint32(n))
}

func writeInt64(wr *buffer.Buffer, n int64) {
	if n < 128 && n >= -128 {
		wr.Append([]byte{
			byte(TypeCodeSmalllong),
			byte(n),
		})
		return
	}

	wr.AppendByte(byte(TypeCodeLong))
	wr.AppendUint64(uint64(n))
}

func writeUint32(wr *buffer.Buffer, n uint32) {
	if n == 0 {
		wr.AppendByte(byte(TypeCodeUint0))
		return
	}

	if n < 256 {
		wr.Append([]byte{
			byte(TypeCodeSmallUint),
			byte(n),
		})
		return
	}

	wr.AppendByte(byte(TypeCodeUint))
	wr.AppendUint32(n)
}

func writeUint64(wr *buffer.Buffer, n uint64) {
	if n == 0 {
		wr.AppendByte(byte(TypeCodeUlong0))
		return
	}

	if n < 256 {
		wr.Append([]byte{
			byte(TypeCodeSmallUlong),
			byte(n),
		})
		return
	}

	wr.AppendByte(byte(TypeCodeUlong))
	wr.AppendUint64(n)
}

func writeFloat(wr *buffer.Buffer, f float32) {
	wr.AppendByte(byte(TypeCodeFloat))
	wr.AppendUint32(math.Float32bits(f))
}

func writeDouble(wr *buffer.Buffer, f float64) {
	wr.AppendByte(byte(TypeCodeDouble))
	wr.AppendUint64(math.Float64bits(f))
}

func writeTimestamp(wr *buffer.Buffer, t time.Time) {
	wr.AppendByte(byte(TypeCodeTimestamp))
	ms := t.UnixNano() / int64(time.Millisecond)
	wr.AppendUint64(uint64(ms))
}

// WriteDescriptor writes the described-type constructor and the
// numeric descriptor for code.
func WriteDescriptor(wr *buffer.Buffer, code AMQPType) {
	wr.Append([]byte{
		0x0,
		byte(TypeCodeSmallUlong),
		byte(code),
	})
}

func writeString(wr *buffer.Buffer, str string) error {
	if !utf8.ValidString(str) {
		return errors.New("not a valid UTF-8 string")
	}
	l := len(str)

	switch {
	// Str8
	case l < 256:
		wr.Append([]byte{
			byte(TypeCodeStr8),
			byte(l),
		})
		wr.AppendString(str)

	// Str32
	case uint(l) < math.MaxUint32:
		wr.AppendByte(byte(TypeCodeStr32))
		wr.AppendUint32(uint32(l))
		wr.AppendString(str)

	default:
		return errors.New("too long")
	}
	return nil
}

// WriteBinary writes bin as an AMQP binary value.
func WriteBinary(wr *buffer.Buffer, bin []byte) error {
	l := len(bin)

	switch {
	// vbin8
	case l < 256:
		wr.Append([]byte{
			byte(TypeCodeVbin8),
			byte(l),
		})
		wr.Append(bin)

	// vbin32
	case uint(l) < math.MaxUint32:
		wr.AppendByte(byte(TypeCodeVbin32))
		wr.AppendUint32(uint32(l))
		wr.Append(bin)

	default:
		return errors.New("too long")
	}
	return nil
}

func writeMap(wr *buffer.Buffer, m interface{}) error {
	var length int
	buf := bufPool.Get().(*buffer.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	switch m := m.(type) {
	case map[interface{}]interface{}:
		length = len(m)
		for key, val := range m {
			if err := Marshal(buf, key); err != nil {
				return err
			}
			if err := Marshal(buf, val); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		length = len(m)
		for key, val := range m {
			if err := writeString(buf, key); err != nil {
				return err
			}
			if err := Marshal(buf, val); err != nil {
				return err
			}
		}
	case map[Symbol]interface{}:
		length = len(m)
		for key, val := range m {
			if err := key.Marshal(buf); err != nil {
				return err
			}
			if err := Marshal(buf, val); err != nil {
				return err
			}
		}
	case Unsettled:
		length = len(m)
		for key, val := range m {
			if err := writeString(buf, key); err != nil {
				return err
			}
			if err := Marshal(buf, val); err != nil {
				return err
			}
		}
	case Filter:
		length = len(m)
		for key, val := range m {
			if err := key.Marshal(buf); err != nil {
				return err
			}
			if err := val.Marshal(buf); err != nil {
				return err
			}
		}
	case Annotations:
		length = len(m)
		for key, val := range m {
			switch key := key.(type) {
			case string:
				if err := Symbol(key).Marshal(buf); err != nil {
					return err
				}
			case Symbol:
				if err := key.Marshal(buf); err != nil {
					return err
				}
			case int64:
				writeInt64(buf, key)
			case int:
				writeInt64(buf, int64(key))
			default:
				return fmt.Errorf("unsupported Annotations key type %T", key)
			}

			if err := Marshal(buf, val); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported map type %T", m)
	}

	if length > math.MaxUint8/2 {
		return errors.New("map contains too many elements")
	}

	pairs := uint32(length) * 2
	l := buf.Len()

	switch {
	case l+1 <= math.MaxUint8:
		wr.Append([]byte{
			byte(TypeCodeMap8),
			byte(l + 1),
			byte(pairs),
		})
	case uint(l+4) <= math.MaxUint32:
		wr.AppendByte(byte(TypeCodeMap32))
		wr.AppendUint32(uint32(l + 4))
		wr.AppendUint32(pairs)
	default:
		return errors.New("map too large")
	}

	wr.Append(buf.Bytes())

	return nil
}

// writeArrayHeader writes the array header to wr.
// typeSize is the size of the array's element type in bytes.
func writeArrayHeader(wr *buffer.Buffer, length, typeSize int, type_ AMQPType) {
	size := length * typeSize

	// array type
	if size+array8TLSize <= math.MaxUint8 {
		wr.Append([]byte{
			byte(TypeCodeArray8),      // type
			byte(size + array8TLSize), // size
			byte(length),              // length
			byte(type_),               // element type
		})
	} else {
		wr.AppendByte(byte(TypeCodeArray32))          // type
		wr.AppendUint32(uint32(size + array32TLSize)) // size
		wr.AppendUint32(uint32(length))               // length
		wr.AppendByte(byte(type_))                    // element type
	}
}

// Array type/length sizes; the size field includes the length field
// and the element constructor.
const (
	array8TLSize  = 2
	array32TLSize = 5
)

func writeVariableArrayHeader(wr *buffer.Buffer, length, elementsSizeTotal int, type_ AMQPType) {
	// 0xA_ == element type is variable length with a 1-byte size prefix,
	// 0xB_ == element type is variable length with a 4-byte size prefix
	// element type prefixes are included in the total size
	inlineTypeSize := 1
	if type_&0xf0 == 0xb0 {
		inlineTypeSize = 4
	}

	size := elementsSizeTotal + length*inlineTypeSize

	if size+array8TLSize <= math.MaxUint8 {
		wr.Append([]byte{
			byte(TypeCodeArray8),      // type
			byte(size + array8TLSize), // size
			byte(length),              // length
			byte(type_),               // element type
		})
	} else {
		wr.AppendByte(byte(TypeCodeArray32))          // type
		wr.AppendUint32(uint32(size + array32TLSize)) // size
		wr.AppendUint32(uint32(length))               // length
		wr.AppendByte(byte(type_))                    // element type
	}
}

func writeSymbolArray(wr *buffer.Buffer, symbols []Symbol) error {
	ofType := TypeCodeSym8
	for _, symbol := range symbols {
		if len(symbol) > math.MaxUint8 {
			ofType = TypeCodeSym32
			break
		}
	}

	var totalSize int
	for _, symbol := range symbols {
		totalSize += len(symbol)
	}

	writeVariableArrayHeader(wr, len(symbols), totalSize, ofType)

	for _, symbol := range symbols {
		if err := writeSymbolType(wr, symbol, ofType); err != nil {
			return err
		}
	}

	return nil
}

func writeSymbolType(wr *buffer.Buffer, sym Symbol, typ AMQPType) error {
	if !utf8.ValidString(string(sym)) {
		return errors.New("not a valid UTF-8 string")
	}

	l := len(sym)

	switch typ {
	case TypeCodeSym8:
		wr.AppendByte(byte(l))
	case TypeCodeSym32:
		wr.AppendUint32(uint32(l))
	default:
		return errors.New("invalid symbol type")
	}
	wr.AppendString(string(sym))
	return nil
}

func writeStringArray(wr *buffer.Buffer, strs []string) error {
	ofType := TypeCodeStr8
	for _, str := range strs {
		if len(str) > math.MaxUint8 {
			ofType = TypeCodeStr32
			break
		}
	}

	var totalSize int
	for _, str := range strs {
		totalSize += len(str)
	}

	writeVariableArrayHeader(wr, len(strs), totalSize, ofType)

	for _, str := range strs {
		if !utf8.ValidString(str) {
			return errors.New("not a valid UTF-8 string")
		}

		switch ofType {
		case TypeCodeStr8:
			wr.AppendByte(byte(len(str)))
		case TypeCodeStr32:
			wr.AppendUint32(uint32(len(str)))
		}
		wr.AppendString(str)
	}

	return nil
}

// MarshalField is a field to be marshaled into a composite.
type MarshalField struct {
	Value interface{} // value to be marshaled, use pointers to avoid interface conversion overhead
	Omit  bool        // indicates that this field should be omitted (set to null)
}

// MarshalComposite is a helper for a composite's Marshal() function.
//
// The returned bytes include the composite header and fields. Fields with
// Omit set to true will be encoded as null or omitted altogether if there are
// no non-null fields after them.
func MarshalComposite(wr *buffer.Buffer, code AMQPType, fields []MarshalField) error {
	// lastSetIdx is the last index to have a non-omitted field.
	// start at -1 as it's possible to have no fields in a composite
	lastSetIdx := -1

	// marshal each field into its index in rawFields,
	// null fields are skipped, leaving the index nil.
	for i, f := range fields {
		if f.Omit {
			continue
		}
		lastSetIdx = i
	}

	// write header only
	if lastSetIdx == -1 {
		wr.Append([]byte{
			0x0,
			byte(TypeCodeSmallUlong),
			byte(code),
			byte(TypeCodeList0),
		})
		return nil
	}

	// write fields
	buf := bufPool.Get().(*buffer.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	// write null to each index up to lastSetIdx
	for _, f := range fields[:lastSetIdx+1] {
		if f.Omit {
			buf.AppendByte(byte(TypeCodeNull))
			continue
		}
		err := Marshal(buf, f.Value)
		if err != nil {
			return err
		}
	}

	// write header
	WriteDescriptor(wr, code)

	// write fields
	err := writeList(wr, lastSetIdx+1, buf.Len())
	if err != nil {
		return err
	}

	wr.Append(buf.Bytes())
	return nil
}

func writeList(wr *buffer.Buffer, numFields, size int) error {
	switch {
	// list8
	case numFields <= math.MaxUint8 && size+1 <= math.MaxUint8:
		wr.Append([]byte{
			byte(TypeCodeList8),
			byte(size + 1),
			byte(numFields),
		})

	// list32
	case uint(numFields) <= math.MaxUint32 && uint(size+4) <= math.MaxUint32:
		wr.AppendByte(byte(TypeCodeList32))
		wr.AppendUint32(uint32(size + 4))
		wr.AppendUint32(uint32(numFields))

	default:
		return errors.New("too many fields")
	}

	return nil
}
