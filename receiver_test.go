package amqp

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amqpio/amqp/internal/buffer"
	"github.com/amqpio/amqp/internal/encoding"
	"github.com/amqpio/amqp/internal/frames"
	"github.com/amqpio/amqp/internal/mocks"
)

// receiverCounters tracks frames of interest observed by the mock peer.
type receiverCounters struct {
	flows        int32
	drains       int32
	dispositions int32
}

// receiverFrameHandler responds to the full receiver lifecycle and
// counts flows and dispositions.
func receiverFrameHandler(mode encoding.ReceiverSettleMode, counters *receiverCounters) func(frames.FrameBody) ([]byte, error) {
	return func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformAttach:
			return mocks.ReceiverAttach(tt.Name, 0, mode)
		case *frames.PerformFlow:
			if tt.Drain {
				atomic.AddInt32(&counters.drains, 1)
				// echo the drain: all credit is voided
				zero := uint32(0)
				nextIncomingID := uint32(0)
				deliveryCount := uint32(0)
				if tt.DeliveryCount != nil {
					deliveryCount = *tt.DeliveryCount
				}
				if tt.LinkCredit != nil {
					deliveryCount += *tt.LinkCredit
				}
				return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformFlow{
					NextIncomingID: &nextIncomingID,
					IncomingWindow: 1000,
					NextOutgoingID: 1,
					OutgoingWindow: 1000,
					Handle:         tt.Handle,
					DeliveryCount:  &deliveryCount,
					LinkCredit:     &zero,
					Drain:          true,
				})
			}
			atomic.AddInt32(&counters.flows, 1)
			return nil, nil
		case *frames.PerformDisposition:
			atomic.AddInt32(&counters.dispositions, 1)
			return nil, nil
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

// encodedData returns the AMQP encoding of a single data section.
func encodedData(t *testing.T, payload []byte) []byte {
	t.Helper()
	buf := &buffer.Buffer{}
	encoding.WriteDescriptor(buf, encoding.TypeCodeApplicationData)
	require.NoError(t, encoding.WriteBinary(buf, payload))
	return buf.Detach()
}

func newTestReceiver(t *testing.T, counters *receiverCounters, opts ...LinkOption) (*mocks.NetConn, *Client, *Receiver) {
	t.Helper()
	netConn := mocks.NewNetConn(receiverFrameHandler(ModeFirst, counters))

	client, err := New(netConn)
	require.NoError(t, err)

	session, err := client.NewSession()
	require.NoError(t, err)

	receiver, err := session.NewReceiver(append([]LinkOption{LinkSourceAddress("q1")}, opts...)...)
	require.NoError(t, err)
	require.Equal(t, "q1", receiver.Address())

	return netConn, client, receiver
}

func TestReceiverMultiFrameMessage(t *testing.T) {
	counters := &receiverCounters{}
	netConn, client, receiver := newTestReceiver(t, counters, LinkCredit(10))

	// the payload arrives split across three transfer frames;
	// delivery-id 1 matches the peer's begin next-outgoing-id
	body := encodedData(t, []byte("AAAAABBBBBCCCCC"))
	third := len(body) / 3

	b, err := mocks.MultiTransfer(0, 1, body[:third], true, true)
	require.NoError(t, err)
	netConn.SendFrame(b)

	b, err = mocks.MultiTransfer(0, 1, body[third:2*third], false, true)
	require.NoError(t, err)
	netConn.SendFrame(b)

	b, err = mocks.MultiTransfer(0, 1, body[2*third:], false, false)
	require.NoError(t, err)
	netConn.SendFrame(b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := receiver.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("AAAAABBBBBCCCCC"), msg.GetData())

	// the credit window was granted with a single flow; the window
	// policy doesn't replenish while credit is above half the window
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&counters.flows))

	require.NoError(t, client.Close())
}

func TestReceiverAbortedDelivery(t *testing.T) {
	counters := &receiverCounters{}
	netConn, client, receiver := newTestReceiver(t, counters, LinkCredit(10))

	// first frame of a delivery, then an abort
	b, err := mocks.MultiTransfer(0, 1, []byte("X"), true, true)
	require.NoError(t, err)
	netConn.SendFrame(b)

	b, err = mocks.AbortedTransfer(0)
	require.NoError(t, err)
	netConn.SendFrame(b)

	// no message is delivered
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	msg, err := receiver.Receive(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Nil(t, msg)

	// the link remains usable; the next delivery is id 3 as the abort
	// consumed two transfer frames
	b, err = mocks.MultiTransfer(0, 3, encodedData(t, []byte("ok")), true, false)
	require.NoError(t, err)
	netConn.SendFrame(b)

	ctx, cancel = context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err = receiver.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("ok"), msg.GetData())

	require.NoError(t, client.Close())
}

func TestReceiverDrain(t *testing.T) {
	counters := &receiverCounters{}
	netConn, client, receiver := newTestReceiver(t, counters, LinkWithManualCredits())
	_ = netConn

	require.NoError(t, receiver.AddCredit(5))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, receiver.DrainCredit(ctx))
	require.EqualValues(t, 1, atomic.LoadInt32(&counters.drains))

	// a second drain after completion is valid
	require.NoError(t, receiver.DrainCredit(ctx))

	require.NoError(t, client.Close())
}

func TestReceiverAddCreditModeErrors(t *testing.T) {
	counters := &receiverCounters{}
	_, client, receiver := newTestReceiver(t, counters, LinkCredit(10))

	// AddCredit requires manual credit management
	require.Error(t, receiver.AddCredit(1))

	require.NoError(t, client.Close())
}

func TestReceiverAutoAcceptAndIdempotentSettle(t *testing.T) {
	counters := &receiverCounters{}
	netConn, client, receiver := newTestReceiver(t, counters, LinkCredit(10), LinkAutoAccept())

	b, err := mocks.MultiTransfer(0, 1, encodedData(t, []byte("hello")), true, false)
	require.NoError(t, err)
	netConn.SendFrame(b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := receiver.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), msg.GetData())

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&counters.dispositions) == 1
	}, time.Second, 10*time.Millisecond)

	// settling an already-settled delivery is a no-op
	require.NoError(t, receiver.AcceptMessage(ctx, msg))
	require.NoError(t, msg.Accept(ctx))
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&counters.dispositions))

	require.NoError(t, client.Close())
}

func TestReceiverRejectMessage(t *testing.T) {
	counters := &receiverCounters{}
	netConn, client, receiver := newTestReceiver(t, counters, LinkCredit(10))

	b, err := mocks.MultiTransfer(0, 1, encodedData(t, []byte("bad")), true, false)
	require.NoError(t, err)
	netConn.SendFrame(b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := receiver.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, receiver.RejectMessage(ctx, msg, &Error{
		Condition:   ErrCondDecodeError,
		Description: "unparseable",
	}))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&counters.dispositions) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, client.Close())
}

func TestReceiverPrefetched(t *testing.T) {
	counters := &receiverCounters{}
	netConn, client, receiver := newTestReceiver(t, counters, LinkCredit(10))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// nothing prefetched yet
	msg, err := receiver.Prefetched(ctx)
	require.NoError(t, err)
	require.Nil(t, msg)

	b, err := mocks.MultiTransfer(0, 1, encodedData(t, []byte("cached")), true, false)
	require.NoError(t, err)
	netConn.SendFrame(b)

	require.Eventually(t, func() bool {
		msg, err = receiver.Prefetched(ctx)
		require.NoError(t, err)
		return msg != nil
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []byte("cached"), msg.GetData())

	require.NoError(t, client.Close())
}

func TestReceiverStream(t *testing.T) {
	counters := &receiverCounters{}
	netConn, client, receiver := newTestReceiver(t, counters, LinkCredit(10))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	stream, err := receiver.ReceiveStream(ctx)
	require.NoError(t, err)

	// a second stream cannot be opened while one is active
	_, err = receiver.ReceiveStream(ctx)
	require.Error(t, err)

	body := encodedData(t, []byte("streamed body"))
	half := len(body) / 2

	b, err := mocks.MultiTransfer(0, 1, body[:half], true, true)
	require.NoError(t, err)
	netConn.SendFrame(b)

	b, err = mocks.MultiTransfer(0, 1, body[half:], false, false)
	require.NoError(t, err)
	netConn.SendFrame(b)

	// the stream yields the raw transfer payload slices in order
	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, body, got)
	require.NoError(t, stream.Close())

	// the link remains usable for assembled receives
	b, err = mocks.MultiTransfer(0, 3, encodedData(t, []byte("assembled")), true, false)
	require.NoError(t, err)
	netConn.SendFrame(b)

	msg, err := receiver.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("assembled"), msg.GetData())

	require.NoError(t, client.Close())
}

func TestReceiverAttachRefused(t *testing.T) {
	responder := func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformAttach:
			// refusal: attach with no source followed by a closing
			// detach carrying the error
			attach, err := mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformAttach{
				Name:   tt.Name,
				Handle: 0,
				Role:   encoding.RoleSender,
			})
			if err != nil {
				return nil, err
			}
			detach, err := mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformDetach{
				Handle: 0,
				Closed: true,
				Error: &encoding.Error{
					Condition:   "amqp:not-found",
					Description: "no such queue",
				},
			})
			if err != nil {
				return nil, err
			}
			return append(attach, detach...), nil
		case *frames.PerformDetach:
			// the client's reply detach
			return nil, nil
		case *frames.PerformEnd:
			return mocks.PerformEnd(nil)
		case *frames.PerformClose:
			return mocks.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn)
	require.NoError(t, err)

	session, err := client.NewSession()
	require.NoError(t, err)

	receiver, err := session.NewReceiver(LinkSourceAddress("no-such-queue"))
	require.Error(t, err)
	require.Nil(t, receiver)

	var amqpErr *Error
	require.ErrorAs(t, err, &amqpErr)
	require.Equal(t, ErrCondNotFound, amqpErr.Condition)

	require.NoError(t, client.Close())
}
