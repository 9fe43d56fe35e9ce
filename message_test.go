package amqp

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		label string
		msg   *Message
	}{
		{
			label: "data-only",
			msg: &Message{
				Data: [][]byte{[]byte("hello")},
			},
		},
		{
			label: "value-only",
			msg: &Message{
				Value: "an amqp-value body",
			},
		},
		{
			label: "sequence",
			msg: &Message{
				Sequence: [][]interface{}{
					{int64(1), "two", true},
					{int64(3)},
				},
			},
		},
		{
			label: "multiple-data-sections",
			msg: &Message{
				Data: [][]byte{[]byte("part one"), []byte("part two")},
			},
		},
		{
			label: "kitchen-sink",
			msg: &Message{
				Header: &MessageHeader{
					Durable:       true,
					Priority:      7,
					TTL:           5 * time.Minute,
					FirstAcquirer: true,
					DeliveryCount: 3,
				},
				DeliveryAnnotations: Annotations{"x-opt-delivery": "annotation"},
				Annotations:         Annotations{"x-opt-message": "annotation"},
				Properties: &MessageProperties{
					MessageID:          "id-1234",
					UserID:             []byte("user"),
					To:                 "queue-a",
					Subject:            "greetings",
					ReplyTo:            "queue-b",
					CorrelationID:      uint64(42),
					ContentType:        "text/plain",
					ContentEncoding:    "utf-8",
					AbsoluteExpiryTime: time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC),
					CreationTime:       time.Date(2021, 3, 4, 5, 6, 0, 0, time.UTC),
					GroupID:            "group-1",
					GroupSequence:      89,
					ReplyToGroupID:     "group-2",
				},
				ApplicationProperties: map[string]interface{}{
					"custom": int64(17),
				},
				Data:   [][]byte{[]byte("payload")},
				Footer: Annotations{"x-opt-hash": []byte{1, 2, 3}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			b, err := tt.msg.MarshalBinary()
			require.NoError(t, err)

			got := &Message{}
			require.NoError(t, got.UnmarshalBinary(b))

			opts := cmp.Options{
				// transient fields are not part of the encoding
				cmpopts.IgnoreUnexported(Message{}),
			}
			if !cmp.Equal(tt.msg, got, opts...) {
				t.Errorf("roundtrip produced different results:\n %s", cmp.Diff(tt.msg, got, opts...))
			}
		})
	}
}

func TestMessageHeaderDefaults(t *testing.T) {
	// an empty header encodes as a bare descriptor and decodes
	// with the protocol's priority default
	h := &MessageHeader{Priority: 4}
	b, err := (&Message{Header: h}).MarshalBinary()
	require.NoError(t, err)

	got := &Message{}
	require.NoError(t, got.UnmarshalBinary(b))
	require.NotNil(t, got.Header)
	require.EqualValues(t, 4, got.Header.Priority)
}

func TestNewMessage(t *testing.T) {
	msg := NewMessage([]byte("body"))
	require.Equal(t, []byte("body"), msg.GetData())

	empty := &Message{}
	require.Nil(t, empty.GetData())
}

func TestMessageCallDoneMultipleTimes(t *testing.T) {
	tests := []struct {
		name    string
		message *Message
	}{
		{
			name:    "channel not initialized",
			message: &Message{},
		},
		{
			name:    "channel initialized",
			message: NewMessage(nil),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotPanics(t, func() {
				for i := 0; i < 100; i++ {
					tt.message.done()
				}
			})
		})
	}
}

func TestMessageDispositionWithoutReceiver(t *testing.T) {
	msg := NewMessage([]byte("x"))

	require.Error(t, msg.Accept(nil))
	require.Error(t, msg.Reject(nil, nil))
	require.Error(t, msg.Release(nil))
	require.Error(t, msg.Modify(nil, false, false, nil))

	// settled messages don't require dispositions at all
	msg.settled = true
	require.NoError(t, msg.Accept(nil))
}
