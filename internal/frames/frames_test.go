package frames

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/amqpio/amqp/internal/buffer"
	"github.com/amqpio/amqp/internal/encoding"
)

func uint16Ptr(v uint16) *uint16 { return &v }
func uint32Ptr(v uint32) *uint32 { return &v }

func senderSettle(m encoding.SenderSettleMode) *encoding.SenderSettleMode       { return &m }
func receiverSettle(m encoding.ReceiverSettleMode) *encoding.ReceiverSettleMode { return &m }

var exampleFrames = []struct {
	label string
	frame Frame
}{
	{
		label: "open",
		frame: Frame{
			Type:    TypeAMQP,
			Channel: 0,
			Body: &PerformOpen{
				ContainerID:         "container",
				Hostname:            "amqp.example.com",
				MaxFrameSize:        4096,
				ChannelMax:          2,
				IdleTimeout:         time.Minute,
				OfferedCapabilities: encoding.MultiSymbol{"offered"},
				DesiredCapabilities: encoding.MultiSymbol{"desired"},
				Properties: map[encoding.Symbol]interface{}{
					"product": "amqpio",
				},
			},
		},
	},
	{
		label: "begin",
		frame: Frame{
			Type:    TypeAMQP,
			Channel: 3,
			Body: &PerformBegin{
				RemoteChannel:  uint16Ptr(2),
				NextOutgoingID: 5,
				IncomingWindow: 6000,
				OutgoingWindow: 7000,
				HandleMax:      20,
			},
		},
	},
	{
		label: "attach",
		frame: Frame{
			Type:    TypeAMQP,
			Channel: 1,
			Body: &PerformAttach{
				Name:               "my-link",
				Handle:             4,
				Role:               encoding.RoleSender,
				SenderSettleMode:   senderSettle(encoding.ModeSettled),
				ReceiverSettleMode: receiverSettle(encoding.ModeSecond),
				Source: &Source{
					Address:      "source-addr",
					Durable:      encoding.DurabilityUnsettledState,
					ExpiryPolicy: encoding.ExpiryLinkDetach,
					Timeout:      30,
					Filter: encoding.Filter{
						"apache.org:selector-filter:string": &encoding.DescribedType{
							Descriptor: uint64(0x0000468C00000004),
							Value:      "amqp.annotation.x-opt-offset > '100'",
						},
					},
					Outcomes:     encoding.MultiSymbol{"amqp:accepted:list"},
					Capabilities: encoding.MultiSymbol{"queue"},
				},
				Target: &Target{
					Address:      "target-addr",
					Durable:      encoding.DurabilityConfiguration,
					ExpiryPolicy: encoding.ExpiryNever,
					Capabilities: encoding.MultiSymbol{"topic"},
				},
				Unsettled: encoding.Unsettled{
					"tag-1": &encoding.StateReceived{SectionNumber: 1, SectionOffset: 2},
				},
				InitialDeliveryCount: 3,
				MaxMessageSize:       456789,
				Properties: map[encoding.Symbol]interface{}{
					"x-opt-test": "test",
				},
			},
		},
	},
	{
		label: "flow",
		frame: Frame{
			Type:    TypeAMQP,
			Channel: 1,
			Body: &PerformFlow{
				NextIncomingID: uint32Ptr(5),
				IncomingWindow: 100,
				NextOutgoingID: 3,
				OutgoingWindow: 200,
				Handle:         uint32Ptr(0),
				DeliveryCount:  uint32Ptr(2),
				LinkCredit:     uint32Ptr(50),
				Available:      uint32Ptr(0),
				Drain:          true,
				Echo:           true,
			},
		},
	},
	{
		label: "transfer",
		frame: Frame{
			Type:    TypeAMQP,
			Channel: 10,
			Body: &PerformTransfer{
				Handle:             34983,
				DeliveryID:         uint32Ptr(564),
				DeliveryTag:        []byte("foo tag"),
				MessageFormat:      uint32Ptr(34),
				Settled:            true,
				More:               true,
				ReceiverSettleMode: receiverSettle(encoding.ModeSecond),
				State:              &encoding.StateReceived{},
				Resume:             true,
				Aborted:            true,
				Batchable:          true,
				Payload:            []byte("very important payload"),
			},
		},
	},
	{
		label: "disposition",
		frame: Frame{
			Type:    TypeAMQP,
			Channel: 2,
			Body: &PerformDisposition{
				Role:    encoding.RoleReceiver,
				First:   3,
				Last:    uint32Ptr(7),
				Settled: true,
				State:   &encoding.StateAccepted{},
			},
		},
	},
	{
		label: "detach",
		frame: Frame{
			Type:    TypeAMQP,
			Channel: 1,
			Body: &PerformDetach{
				Handle: 4,
				Closed: true,
				Error: &encoding.Error{
					Condition:   "amqp:link:detach-forced",
					Description: "detached by administrator",
				},
			},
		},
	},
	{
		label: "end",
		frame: Frame{
			Type:    TypeAMQP,
			Channel: 1,
			Body: &PerformEnd{
				Error: &encoding.Error{Condition: "amqp:session:errant-link"},
			},
		},
	},
	{
		label: "close",
		frame: Frame{
			Type:    TypeAMQP,
			Channel: 0,
			Body: &PerformClose{
				Error: &encoding.Error{Condition: "amqp:connection:forced"},
			},
		},
	},
	{
		label: "sasl-init",
		frame: Frame{
			Type:    TypeSASL,
			Channel: 0,
			Body: &SASLInit{
				Mechanism:       "PLAIN",
				InitialResponse: []byte("\x00user\x00pass"),
				Hostname:        "localhost",
			},
		},
	},
	{
		label: "sasl-mechanisms",
		frame: Frame{
			Type:    TypeSASL,
			Channel: 0,
			Body: &SASLMechanisms{
				Mechanisms: encoding.MultiSymbol{"PLAIN", "ANONYMOUS"},
			},
		},
	},
	{
		label: "sasl-outcome",
		frame: Frame{
			Type:    TypeSASL,
			Channel: 0,
			Body: &SASLOutcome{
				Code:           CodeSASLAuth,
				AdditionalData: []byte("nope"),
			},
		},
	},
}

func TestFrameMarshalUnmarshal(t *testing.T) {
	for _, tt := range exampleFrames {
		t.Run(tt.label, func(t *testing.T) {
			buf := &buffer.Buffer{}
			require.NoError(t, Write(buf, tt.frame))

			header, err := ParseHeader(buf)
			require.NoError(t, err)
			require.Equal(t, uint8(tt.frame.Type), header.FrameType)
			require.Equal(t, tt.frame.Channel, header.Channel)
			require.EqualValues(t, buf.Size(), header.Size)

			payload, err := ParseBody(buf)
			require.NoError(t, err)

			if !cmp.Equal(tt.frame.Body, payload) {
				t.Errorf("roundtrip produced different results:\n %s", cmp.Diff(tt.frame.Body, payload))
			}
		})
	}
}

func TestParseHeaderValidation(t *testing.T) {
	// size below the 8 byte header is malformed
	buf := buffer.New([]byte{0x0, 0x0, 0x0, 0x7, 2, 0, 0, 0})
	_, err := ParseHeader(buf)
	require.Error(t, err)

	// data offset below 2 words is malformed
	buf = buffer.New([]byte{0x0, 0x0, 0x0, 0x8, 1, 0, 0, 0})
	_, err = ParseHeader(buf)
	require.Error(t, err)

	// short header
	buf = buffer.New([]byte{0x0, 0x0})
	_, err = ParseHeader(buf)
	require.Error(t, err)
}

func TestParseBodyUnknownPerformative(t *testing.T) {
	buf := buffer.New([]byte{
		0x0, byte(encoding.TypeCodeSmallUlong), 0x7f,
		byte(encoding.TypeCodeList0),
	})
	_, err := ParseBody(buf)
	require.Error(t, err)
}

func TestBeginRemoteChannelOmitted(t *testing.T) {
	buf := &buffer.Buffer{}
	begin := &PerformBegin{
		NextOutgoingID: 1,
		IncomingWindow: 100,
		OutgoingWindow: 100,
		HandleMax:      42,
	}
	require.NoError(t, begin.Marshal(buf))

	got := new(PerformBegin)
	require.NoError(t, got.Unmarshal(buf))
	require.Nil(t, got.RemoteChannel)
	require.EqualValues(t, 42, got.HandleMax)
}
