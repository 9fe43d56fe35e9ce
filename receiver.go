package amqp

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/amqpio/amqp/internal/encoding"
	"github.com/amqpio/amqp/internal/frames"
	"github.com/amqpio/amqp/internal/queue"
)

// segmentSize is the size of each prefetched-message queue segment.
const segmentSize = 32

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	link *link

	maxCredit      uint32 // the credit window; 0 when manual credit management is in use
	autoAccept     bool   // accept messages as they're returned from Receive
	manualCreditor *manualCreditor

	// prefetched messages, owned jointly by the link mux (enqueue) and
	// the application (dequeue)
	msgMu    sync.Mutex
	messages *queue.Queue[Message]
	msgAvail chan struct{} // signaled (cap 1) when a message is enqueued

	// in-flight message dispositions awaiting settlement by the sender
	// (receiver settle mode second)
	inFlight inFlight

	// streaming receive state, see stream.go
	streamMu sync.Mutex
	stream   *MessageReader
}

// LinkName returns the name of the link used for this Receiver.
func (r *Receiver) LinkName() string {
	return r.link.key.name
}

// Address returns the link's source address.
func (r *Receiver) Address() string {
	if r.link.source == nil {
		return ""
	}
	return r.link.source.Address
}

// Close closes the Receiver and AMQP link.
//
// If ctx expires while waiting for servers response, ctx.Err() will be returned.
// The session will continue to wait for the response until the Session or Client
// is closed.
func (r *Receiver) Close(ctx context.Context) error {
	return r.link.closeLink(ctx)
}

// Receive returns the next message from the sender's queue.
//
// Blocks until a message is received, ctx completes, or an error occurs.
// If the Receiver was configured with LinkAutoAccept, an Accepted
// disposition is applied before the message is returned.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	for {
		if msg, ok := r.dequeue(); ok {
			// wake the link mux so it can re-evaluate the credit window
			r.link.signalReady()
			if r.autoAccept && !msg.settled {
				if err := r.AcceptMessage(ctx, &msg); err != nil {
					return nil, err
				}
			}
			return &msg, nil
		}

		select {
		case <-r.msgAvail:
			// try to dequeue again
		case <-r.link.detached:
			return nil, r.link.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Prefetched returns the next message that is stored in the Receiver's
// prefetch cache. It does NOT wait for the remote sender to send messages
// and returns immediately if the prefetch cache is empty.
func (r *Receiver) Prefetched(ctx context.Context) (*Message, error) {
	msg, ok := r.dequeue()
	if !ok {
		return nil, nil
	}

	r.link.signalReady()
	if r.autoAccept && !msg.settled {
		if err := r.AcceptMessage(ctx, &msg); err != nil {
			return nil, err
		}
	}
	return &msg, nil
}

// AddCredit issues the specified credits to the sender, permitting it
// to send n more deliveries.
//
// It is invalid to call AddCredit when the Receiver manages its own
// credit window (i.e. LinkWithManualCredits was not used) or while a
// drain is in progress.
func (r *Receiver) AddCredit(credits uint32) error {
	if r.manualCreditor == nil {
		return errors.New("AddCredit can only be used with manual credit management")
	}

	if err := r.manualCreditor.AddCredit(credits); err != nil {
		return err
	}

	// wake the mux so it transmits the flow
	r.link.signalReady()
	return nil
}

// DrainCredit sets the drain flag on the next flow frame and waits for
// the sender to exhaust or void the outstanding credit.
func (r *Receiver) DrainCredit(ctx context.Context) error {
	if r.manualCreditor == nil {
		return errors.New("drain can only be used with manual credit management")
	}

	// DrainCredit will wake the link mux to transmit the drain flow and
	// block until the responding flow arrives
	return r.manualCreditor.Drain(ctx, r.link)
}

// AcceptMessage notifies the server that the message has been
// accepted and does not require redelivery.
func (r *Receiver) AcceptMessage(ctx context.Context, msg *Message) error {
	return r.messageDisposition(ctx, msg, &encoding.StateAccepted{})
}

// RejectMessage notifies the server that the message is invalid.
//
// Rejection error is optional.
func (r *Receiver) RejectMessage(ctx context.Context, msg *Message, e *Error) error {
	return r.messageDisposition(ctx, msg, &encoding.StateRejected{Error: e})
}

// ReleaseMessage notifies the server that the message was not acted
// upon and should be released back into the queue for redelivery.
func (r *Receiver) ReleaseMessage(ctx context.Context, msg *Message) error {
	return r.messageDisposition(ctx, msg, &encoding.StateReleased{})
}

// ModifyMessage notifies the server that the message was not acted
// upon and should be modified.
//
//   - deliveryFailed indicates that the server must consider this an
//     unsuccessful delivery attempt and increment the delivery count
//   - undeliverableHere indicates that the server must not redeliver
//     the message to this link
//   - messageAnnotations is an optional annotation map to be merged
//     with the existing message annotations, overwriting existing keys
func (r *Receiver) ModifyMessage(ctx context.Context, msg *Message, deliveryFailed, undeliverableHere bool, messageAnnotations Annotations) error {
	return r.messageDisposition(ctx, msg, &encoding.StateModified{
		DeliveryFailed:     deliveryFailed,
		UndeliverableHere:  undeliverableHere,
		MessageAnnotations: messageAnnotations,
	})
}

func (r *Receiver) messageDisposition(ctx context.Context, msg *Message, state encoding.DeliveryState) error {
	// settling an already-settled delivery is a no-op
	if msg.settled {
		return nil
	}

	var wait chan error
	if r.link.receiverSettleMode.Value() == ModeSecond {
		wait = r.inFlight.add(msg.deliveryID)
	}

	fr := &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   msg.deliveryID,
		Settled: wait == nil,
		State:   state,
	}
	if err := r.sendDisposition(fr); err != nil {
		return err
	}

	if wait == nil {
		msg.settled = true
		msg.done()
		return nil
	}

	// mode second: the disposition is unsettled until the sender
	// confirms with its own settled disposition
	select {
	case err := <-wait:
		if err != nil {
			return err
		}
		msg.settled = true
		msg.done()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Receiver) sendDisposition(fr *frames.PerformDisposition) error {
	select {
	case r.link.session.tx <- fr:
		return nil
	case <-r.link.detached:
		return r.link.err
	case <-r.link.session.done:
		return r.link.session.err
	}
}

// enqueue is called by the link mux when a complete message has
// been reassembled.
func (r *Receiver) enqueue(msg Message) {
	r.msgMu.Lock()
	r.messages.Enqueue(msg)
	r.msgMu.Unlock()

	select {
	case r.msgAvail <- struct{}{}:
	default:
	}
}

func (r *Receiver) dequeue() (Message, bool) {
	r.msgMu.Lock()
	defer r.msgMu.Unlock()
	return r.messages.Dequeue()
}

// queued returns the count of prefetched, undelivered messages.
func (r *Receiver) queued() uint32 {
	r.msgMu.Lock()
	defer r.msgMu.Unlock()
	return uint32(r.messages.Len())
}

// inFlight tracks in-flight message dispositions allowing receivers
// to block waiting for the sender's settlement confirmation.
type inFlight struct {
	mu sync.Mutex
	m  map[uint32]chan error
}

func (f *inFlight) add(id uint32) chan error {
	wait := make(chan error, 1)

	f.mu.Lock()
	if f.m == nil {
		f.m = make(map[uint32]chan error)
	}
	f.m[id] = wait
	f.mu.Unlock()

	return wait
}

func (f *inFlight) remove(id uint32, err error) {
	f.mu.Lock()
	wait, ok := f.m[id]
	if ok {
		wait <- err
		delete(f.m, id)
	}
	f.mu.Unlock()
}

func (f *inFlight) clear(err error) {
	f.mu.Lock()
	for id, wait := range f.m {
		wait <- err
		delete(f.m, id)
	}
	f.mu.Unlock()
}

func (f *inFlight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.m)
}
