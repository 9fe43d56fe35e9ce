package amqp

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amqpio/amqp/internal/encoding"
	"github.com/amqpio/amqp/internal/frames"
	"github.com/amqpio/amqp/internal/mocks"
)

func TestClosedSenderReturnsErrClosed(t *testing.T) {
	// simulate a detach happening before the send
	l := &link{
		detached: make(chan struct{}),
		err:      ErrLinkClosed,
	}
	close(l.detached)

	sender := &Sender{link: l}

	err := sender.Send(context.TODO(), &Message{})
	require.EqualError(t, ErrLinkClosed, err.Error())
}

func TestSenderLinkName(t *testing.T) {
	l, err := newLink(nil, nil, []LinkOption{LinkName("my-sender")})
	require.NoError(t, err)

	sender := &Sender{link: l}
	require.Equal(t, "my-sender", sender.LinkName())
}

// senderFrameHandler returns a responder for the full sender lifecycle.
// issueCredit is the link credit granted to the client after attach; it
// rides in the same response payload so frame ordering is preserved.
func senderFrameHandler(mode encoding.SenderSettleMode, issueCredit uint32, onTransfer func(*frames.PerformTransfer) ([]byte, error)) func(frames.FrameBody) ([]byte, error) {
	return func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformAttach:
			resp, err := mocks.SenderAttach(tt.Name, 0, mode)
			if err != nil {
				return nil, err
			}
			if issueCredit > 0 {
				// grant credit with a follow-up flow in the same payload
				nextIncomingID := uint32(0)
				flow, err := mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformFlow{
					NextIncomingID: &nextIncomingID,
					IncomingWindow: 1000,
					NextOutgoingID: 1,
					OutgoingWindow: 1000,
					Handle:         &tt.Handle,
					LinkCredit:     &issueCredit,
				})
				if err != nil {
					return nil, err
				}
				resp = append(resp, flow...)
			}
			return resp, nil
		case *frames.PerformTransfer:
			return onTransfer(tt)
		case *frames.PerformDetach:
			return mocks.PerformDetach(tt.Handle, nil)
		case *frames.PerformEnd:
			return mocks.PerformEnd(nil)
		case *frames.PerformClose:
			return mocks.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
}

func TestSenderSendAccepted(t *testing.T) {
	accept := func(tt *frames.PerformTransfer) ([]byte, error) {
		if tt.DeliveryID == nil {
			return nil, fmt.Errorf("expected delivery-id on single-frame transfer")
		}
		return mocks.PerformDisposition(*tt.DeliveryID, &encoding.StateAccepted{})
	}
	netConn := mocks.NewNetConn(senderFrameHandler(ModeUnsettled, 10, accept))

	client, err := New(netConn)
	require.NoError(t, err)

	session, err := client.NewSession()
	require.NoError(t, err)

	sender, err := session.NewSender(LinkTargetAddress("q1"))
	require.NoError(t, err)
	require.Equal(t, "q1", sender.Address())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sender.Send(ctx, NewMessage([]byte("hello"))))

	require.NoError(t, sender.Close(ctx))
	require.NoError(t, client.Close())
}

func TestSenderSendRejected(t *testing.T) {
	reject := func(tt *frames.PerformTransfer) ([]byte, error) {
		return mocks.PerformDisposition(*tt.DeliveryID, &encoding.StateRejected{
			Error: &Error{Condition: ErrCondDecodeError, Description: "bad message"},
		})
	}
	netConn := mocks.NewNetConn(senderFrameHandler(ModeUnsettled, 10, reject))

	client, err := New(netConn)
	require.NoError(t, err)

	session, err := client.NewSession()
	require.NoError(t, err)

	sender, err := session.NewSender(LinkTargetAddress("q1"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = sender.Send(ctx, NewMessage([]byte("hello")))
	require.Error(t, err)

	var detachErr *DetachError
	require.ErrorAs(t, err, &detachErr)
	require.NotNil(t, detachErr.RemoteError)
	require.Equal(t, ErrCondDecodeError, detachErr.RemoteError.Condition)

	_ = client.Close()
}

func TestSenderSendSettledMode(t *testing.T) {
	// with sender-settle-mode settled the transfer settles on transmit,
	// no disposition is exchanged
	var gotTransfers int32
	onTransfer := func(tt *frames.PerformTransfer) ([]byte, error) {
		atomic.AddInt32(&gotTransfers, 1)
		if !tt.Settled {
			return nil, fmt.Errorf("expected transfer to be sender settled")
		}
		return nil, nil
	}
	netConn := mocks.NewNetConn(senderFrameHandler(ModeSettled, 10, onTransfer))

	client, err := New(netConn)
	require.NoError(t, err)

	session, err := client.NewSession()
	require.NoError(t, err)

	sender, err := session.NewSender(LinkTargetAddress("q1"), LinkSenderSettle(ModeSettled))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sender.Send(ctx, NewMessage([]byte("hello"))))
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&gotTransfers) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())
}

func TestSenderSendMultiFrame(t *testing.T) {
	// force a tiny max frame size so the message spans transfers
	var (
		payload  []byte
		lastMore = true
	)
	onTransfer := func(tt *frames.PerformTransfer) ([]byte, error) {
		payload = append(payload, tt.Payload...)
		lastMore = tt.More
		if tt.More {
			return nil, nil
		}
		return mocks.PerformDisposition(0, &encoding.StateAccepted{})
	}
	responder := func(req frames.FrameBody) ([]byte, error) {
		if _, ok := req.(*frames.PerformOpen); ok {
			// constrain the client to 512 byte frames
			return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformOpen{
				ContainerID:  "container",
				MaxFrameSize: 512,
			})
		}
		return senderFrameHandler(ModeUnsettled, 10, onTransfer)(req)
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn)
	require.NoError(t, err)

	session, err := client.NewSession()
	require.NoError(t, err)

	sender, err := session.NewSender(LinkTargetAddress("q1"))
	require.NoError(t, err)

	body := make([]byte, 2048)
	for i := range body {
		body[i] = byte(i % 251)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sender.Send(ctx, NewMessage(body)))
	require.False(t, lastMore)

	// the reassembled payload is the byte concatenation of the
	// transfer slices, i.e. the encoded message
	msg := &Message{}
	require.NoError(t, msg.UnmarshalBinary(payload))
	require.Equal(t, body, msg.GetData())

	require.NoError(t, client.Close())
}

func TestSenderExceedsMaxMessageSize(t *testing.T) {
	netConn := mocks.NewNetConn(senderFrameHandler(ModeUnsettled, 10, func(*frames.PerformTransfer) ([]byte, error) {
		return nil, fmt.Errorf("no transfer expected")
	}))

	client, err := New(netConn)
	require.NoError(t, err)

	session, err := client.NewSession()
	require.NoError(t, err)

	sender, err := session.NewSender(LinkTargetAddress("q1"), LinkMaxMessageSize(16))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = sender.Send(ctx, NewMessage(make([]byte, 64)))
	require.Error(t, err)

	_ = client.Close()
}

func TestSenderOversizeDeliveryTag(t *testing.T) {
	sender := &Sender{link: &link{detached: make(chan struct{})}}

	msg := NewMessage([]byte("x"))
	msg.DeliveryTag = make([]byte, 33)
	_, err := sender.send(context.TODO(), msg)
	require.Error(t, err)
}
