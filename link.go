package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/amqpio/amqp/internal/buffer"
	"github.com/amqpio/amqp/internal/debug"
	"github.com/amqpio/amqp/internal/encoding"
	"github.com/amqpio/amqp/internal/frames"
	"github.com/amqpio/amqp/internal/shared"
)

// DefaultLinkCredit is the default link credit window of a Receiver.
const DefaultLinkCredit = 1

// linkKey uniquely identifies a link on a connection by name and direction.
//
// A link can be identified uniquely by the ordered tuple
//
//	(source-container-id, target-container-id, name)
//
// On a single connection the container ID pairs are always the same
// so name plus direction is sufficient.
type linkKey struct {
	name string
	role encoding.Role // Role of the LOCAL endpoint
}

// link is a unidirectional route.
//
// May be used for sending or receiving.
type link struct {
	key          linkKey // Name and direction
	handle       uint32  // our handle
	remoteHandle uint32  // remote's handle
	dynamicAddr  bool    // request a dynamic link address from the server

	rx chan frames.FrameBody // sessions sends frames for this link on this channel

	allocated chan struct{} // closed by the session mux once the handle has been assigned
	allocErr  error         // set before allocated is closed when allocation failed

	closeOnce sync.Once
	close     chan struct{} // signals the mux to shutdown
	detached  chan struct{} // closed when the link has fully shut down; err is valid afterwards

	detachErrorMu  sync.Mutex
	detachError    *Error // error to send to remote on detach, set by closeWithError
	detachReceived bool
	err            error // err returned on Close()

	session  *Session  // parent session
	receiver *Receiver // allows link options to modify Receiver, nil if link is a Sender

	source     *frames.Source
	target     *frames.Target
	properties map[encoding.Symbol]interface{} // additional properties sent upon link attach

	// "The delivery-count is initialized by the sender when a link endpoint is
	// created, and is incremented whenever a message is sent."
	deliveryCount      uint32
	linkCredit         uint32 // maximum number of messages allowed between flow updates
	senderSettleMode   *SenderSettleMode
	receiverSettleMode *ReceiverSettleMode
	maxMessageSize     uint64

	// Indicates whether we should allow detaches on disposition errors or not.
	// Some AMQP servers (like Event Hubs) benefit from keeping the link open on
	// disposition errors (for instance, if you're doing many parallel sends over
	// the same link and you get back a throttling error, which is not fatal).
	detachOnDispositionError bool

	// receiving mode
	buf  buffer.Buffer // buffered bytes for the current message
	more bool          // if true, buf contains a partial message
	msg  Message       // current message being decoded

	// sending mode
	transfers chan frames.PerformTransfer // sender uses to send transfer frames

	receiverReady chan struct{} // receiver wake-ups for credit/drain evaluation
}

// newLink is used by Receiver and Sender to create new links.
func newLink(s *Session, r *Receiver, opts []LinkOption) (*link, error) {
	l := &link{
		key:                      linkKey{shared.RandString(40), encoding.RoleSender},
		session:                  s,
		receiver:                 r,
		close:                    make(chan struct{}),
		detached:                 make(chan struct{}),
		allocated:                make(chan struct{}),
		receiverReady:            make(chan struct{}, 1),
		detachOnDispositionError: true,
		source:                   new(frames.Source),
		target:                   new(frames.Target),
	}
	if r != nil {
		l.key.role = encoding.RoleReceiver
	}

	// configure options
	for _, o := range opts {
		err := o(l)
		if err != nil {
			return nil, err
		}
	}

	return l, nil
}

// attach creates a new link, negotiates the attach with the peer, and
// starts the link's mux.
func attach(s *Session, r *Receiver, opts []LinkOption) (*link, error) {
	l, err := newLink(s, r, opts)
	if err != nil {
		return nil, err
	}

	err = l.attach()
	if err != nil {
		return nil, err
	}

	return l, nil
}

func (l *link) attach() error {
	l.rx = make(chan frames.FrameBody, 1)

	// request a handle from the session mux
	select {
	case l.session.allocateHandle <- l:
	case <-l.session.done:
		return l.session.err
	}
	<-l.allocated
	if l.allocErr != nil {
		return l.allocErr
	}

	attach := &frames.PerformAttach{
		Name:               l.key.name,
		Handle:             l.handle,
		ReceiverSettleMode: l.receiverSettleMode,
		SenderSettleMode:   l.senderSettleMode,
		MaxMessageSize:     l.maxMessageSize,
		Source:             l.source,
		Target:             l.target,
		Properties:         l.properties,
		Role:               l.key.role,
	}

	if l.key.role == encoding.RoleSender {
		attach.InitialDeliveryCount = l.deliveryCount
		if l.dynamicAddr {
			attach.Target.Address = ""
			attach.Target.Dynamic = true
		}
	} else {
		if l.dynamicAddr {
			attach.Source.Address = ""
			attach.Source.Dynamic = true
		}
	}

	debug.Log(1, "TX (attach): %s", attach)
	if err := l.txFrameDuringAttach(attach); err != nil {
		l.deallocate()
		return err
	}

	// wait for response
	fr, err := l.rxFrameDuringAttach()
	if err != nil {
		l.deallocate()
		return err
	}
	resp, ok := fr.(*frames.PerformAttach)
	if !ok {
		l.deallocate()
		return errors.Errorf("unexpected attach response: %#v", fr)
	}
	debug.Log(1, "RX (attach): %s", resp)

	// If the remote encounters an error during the attach it returns an Attach
	// with no Source or Target. The remote then sends a Detach with an error.
	//
	//	Note that if the application chooses not to create a terminus, the session
	//	endpoint will still create a link endpoint and issue an attach indicating
	//	that the link endpoint has no associated local terminus. In this case, the
	//	session endpoint MUST immediately detach the newly created link endpoint.
	if (l.key.role == encoding.RoleSender && resp.Target == nil) ||
		(l.key.role == encoding.RoleReceiver && resp.Source == nil) {
		// wait for detach
		fr, err := l.rxFrameDuringAttach()
		if err != nil {
			l.deallocate()
			return err
		}
		detach, ok := fr.(*frames.PerformDetach)
		if !ok {
			l.deallocate()
			return errors.Errorf("unexpected frame while waiting for detach: %#v", fr)
		}

		// send return detach
		_ = l.txFrameDuringAttach(&frames.PerformDetach{
			Handle: l.handle,
			Closed: true,
		})
		l.deallocate()

		if detach.Error == nil {
			return errors.Errorf("received detach with no error specified")
		}
		return detach.Error
	}

	if l.maxMessageSize == 0 || (resp.MaxMessageSize != 0 && resp.MaxMessageSize < l.maxMessageSize) {
		l.maxMessageSize = resp.MaxMessageSize
	}

	if l.key.role == encoding.RoleSender {
		if resp.Target != nil {
			if l.dynamicAddr {
				// if dynamic address requested, copy assigned name to address
				l.target.Address = resp.Target.Address
			}
			l.target.Capabilities = resp.Target.Capabilities
		}
		// if the peer requested a settle mode, honor it
		if resp.SenderSettleMode != nil {
			l.senderSettleMode = resp.SenderSettleMode
		}
		l.transfers = make(chan frames.PerformTransfer)
	} else {
		if resp.Source != nil {
			if l.dynamicAddr {
				l.source.Address = resp.Source.Address
			}
			l.source.Filter = resp.Source.Filter
		}
		// "The delivery-count [...] the receiver's value is calculated based on
		// the last known value from the sender [...]"
		l.deliveryCount = resp.InitialDeliveryCount
		if resp.ReceiverSettleMode != nil {
			l.receiverSettleMode = resp.ReceiverSettleMode
		}
	}

	go l.mux()

	return nil
}

// txFrameDuringAttach sends fr to the session mux while the link mux
// isn't running yet.
func (l *link) txFrameDuringAttach(fr frames.FrameBody) error {
	select {
	case l.session.tx <- fr:
		return nil
	case <-l.session.done:
		return l.session.err
	}
}

// rxFrameDuringAttach receives the next frame for this link while the
// link mux isn't running yet.
func (l *link) rxFrameDuringAttach() (frames.FrameBody, error) {
	select {
	case fr := <-l.rx:
		return fr, nil
	case <-l.session.done:
		return nil, l.session.err
	}
}

// deallocate returns the link's handle to the session.
func (l *link) deallocate() {
	select {
	case l.session.deallocateHandle <- l:
	case <-l.session.done:
	}
}

func (l *link) mux() {
	defer l.muxDetach()

Loop:
	for {
		var outgoingTransfers chan frames.PerformTransfer

		switch {
		// enable outgoing transfers case if sender and credits are available
		case l.key.role == encoding.RoleSender && l.linkCredit > 0:
			debug.Log(2, "sender: credit: %d, deliveryCount: %d", l.linkCredit, l.deliveryCount)
			outgoingTransfers = l.transfers

		// receiver with manual credit management
		case l.key.role == encoding.RoleReceiver && l.receiver.manualCreditor != nil:
			drain, credits := l.receiver.manualCreditor.FlowBits(l.linkCredit)
			if drain && credits == 0 {
				// a drain voids the outstanding credit
				credits = l.linkCredit
			}

			if drain || credits > 0 {
				debug.Log(1, "receiver: flow: drain: %v, credits: %d", drain, credits)
				// send a flow frame.
				l.err = l.muxFlow(credits, drain)
				if l.err != nil {
					return
				}
			}

		// receiver with a credit window; replenish on the engine side of
		// the window policy: only grant when credit has dropped to half
		// the window and the prefetched backlog is modest
		case l.key.role == encoding.RoleReceiver && l.receiver.maxCredit > 0:
			window := l.receiver.maxCredit
			queued := l.receiver.queued()
			if l.linkCredit <= window/2 && l.linkCredit+queued <= (window*7)/10 {
				newCredit := window - queued
				if newCredit > l.linkCredit {
					debug.Log(1, "receiver: replenish credit: %d (window %d, queued %d)", newCredit, window, queued)
					l.err = l.muxFlow(newCredit, false)
					if l.err != nil {
						return
					}
				}
			}
		}

		select {
		// received frame
		case fr := <-l.rx:
			l.err = l.muxHandleFrame(fr)
			if l.err != nil {
				return
			}

		// send data
		case tr := <-outgoingTransfers:
			debug.Log(3, "TX (link mux): %s", tr)

			// Ensure the session mux is not blocked
			for {
				select {
				case l.session.txTransfer <- &tr:
					// decrement link-credit after entire message transferred
					if !tr.More {
						l.deliveryCount++
						l.linkCredit--
						debug.Log(3, "TX (link mux): key:%s, decremented linkCredit: %d", l.key.name, l.linkCredit)
					}
					continue Loop
				case fr := <-l.rx:
					l.err = l.muxHandleFrame(fr)
					if l.err != nil {
						return
					}
				case <-l.close:
					l.err = ErrLinkClosed
					return
				case <-l.session.done:
					l.err = l.session.err
					return
				}
			}

		case <-l.receiverReady:
			continue
		case <-l.close:
			l.err = ErrLinkClosed
			return
		case <-l.session.done:
			l.err = l.session.err
			return
		}
	}
}

// muxFlow sends a flow frame granting linkCredit to the session mux.
// Unless drain is set, l.linkCredit is also updated to `linkCredit`
func (l *link) muxFlow(linkCredit uint32, drain bool) error {
	var (
		deliveryCount = l.deliveryCount
	)

	fr := &frames.PerformFlow{
		Handle:        &l.handle,
		DeliveryCount: &deliveryCount,
		LinkCredit:    &linkCredit, // max number of messages,
		Drain:         drain,
	}
	debug.Log(3, "TX (muxFlow): %s", fr)

	// Update credit. This must happen before entering the loop below
	// because incoming messages handled while waiting to transmit
	// flow increment deliveryCount. This causes the credit to become
	// out of sync with the server.

	if !drain {
		// if we're draining we don't want to touch our internal credit - we're not changing it so any issued credits
		// are still valid until drain completes, at which point they will be naturally zeroed.
		l.linkCredit = linkCredit
	}

	// Ensure the session mux is not blocked
	for {
		select {
		case l.session.tx <- fr:
			return nil
		case fr := <-l.rx:
			err := l.muxHandleFrame(fr)
			if err != nil {
				return err
			}
		case <-l.close:
			return ErrLinkClosed
		case <-l.session.done:
			return l.session.err
		}
	}
}

// muxHandleFrame processes fr based on type.
func (l *link) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	// message frame
	case *frames.PerformTransfer:
		debug.Log(3, "RX (link mux): %s", fr)
		if l.key.role != encoding.RoleReceiver {
			return errors.Errorf("sender received transfer frame")
		}
		return l.muxReceive(fr)

	// flow control frame
	case *frames.PerformFlow:
		debug.Log(3, "RX (link mux): %s", fr)

		if l.key.role == encoding.RoleSender {
			// the receiver is issuing credit
			linkCredit := *fr.LinkCredit - l.deliveryCount
			if fr.DeliveryCount != nil {
				// DeliveryCount can be nil if the receiver hasn't processed
				// the attach. That shouldn't be the case here, but it's
				// what ActiveMQ does.
				linkCredit += *fr.DeliveryCount
			}
			l.linkCredit = linkCredit
		} else if fr.Drain {
			// the sender has consumed or voided all issued credit
			l.linkCredit = 0
			if fr.DeliveryCount != nil {
				l.deliveryCount = *fr.DeliveryCount
			}
			if l.receiver.manualCreditor != nil {
				l.receiver.manualCreditor.EndDrain()
			}
		}

		if !fr.Echo {
			return nil
		}

		var (
			// copy because sent by pointer below; prevent race
			deliveryCount = l.deliveryCount
			linkCredit    = l.linkCredit
		)

		// send flow; this goes directly to the conn writer so the
		// session mux is never blocked on this link
		// TODO: missing session flow state
		resp := &frames.PerformFlow{
			Handle:        &l.handle,
			DeliveryCount: &deliveryCount,
			LinkCredit:    &linkCredit, // max number of messages
		}
		debug.Log(1, "TX (muxHandleFrame): %s", resp)
		if err := l.session.txFrame(resp); err != nil {
			return err
		}

	// remote side is closing links
	case *frames.PerformDetach:
		debug.Log(1, "RX (link mux): %s", fr)
		// don't currently support link detach and reattach
		if !fr.Closed {
			return errors.Errorf("non-closing detach not supported: %+v", fr)
		}

		// set detach received and close link
		l.detachReceived = true

		return &DetachError{fr.Error}

	case *frames.PerformDisposition:
		debug.Log(3, "RX (link mux): %s", fr)

		if l.key.role == encoding.RoleReceiver {
			// disposition from the sender confirming settlement of
			// deliveries we've acknowledged (rcv-settle-mode second)
			start := fr.First
			end := start
			if fr.Last != nil {
				end = *fr.Last
			}
			for deliveryID := start; deliveryID <= end; deliveryID++ {
				l.receiver.inFlight.remove(deliveryID, nil)
			}
			return nil
		}

		// If sending async and a message is rejected, cause a link error.
		//
		// This isn't ideal, but there isn't a clear better way to handle it.
		if state, ok := fr.State.(*encoding.StateRejected); ok && l.detachOnRejectDisp() {
			return &DetachError{state.Error}
		}

		if fr.Settled {
			return nil
		}

		// the receiver expects a settlement confirmation; sent directly
		// to the conn writer so the session mux is never blocked on
		// this link
		resp := &frames.PerformDisposition{
			Role:    encoding.RoleSender,
			First:   fr.First,
			Last:    fr.Last,
			Settled: true,
		}
		debug.Log(1, "TX (muxHandleFrame): %s", resp)
		if err := l.session.txFrame(resp); err != nil {
			return err
		}

	default:
		debug.Log(1, "RX (link mux): unexpected frame: %s", fr)
	}

	return nil
}

func (l *link) muxReceive(fr *frames.PerformTransfer) error {
	if !l.more {
		// this is the first transfer of a message,
		// record the delivery ID, message format,
		// and delivery Tag
		if fr.DeliveryID != nil {
			l.msg.deliveryID = *fr.DeliveryID
		}
		if fr.MessageFormat != nil {
			l.msg.Format = *fr.MessageFormat
		}
		l.msg.DeliveryTag = fr.DeliveryTag

		// on the first frame of a message, override RSM with the
		// transfer's value if set
		if fr.ReceiverSettleMode != nil {
			l.receiverSettleMode = fr.ReceiverSettleMode
		}
	}

	if fr.Aborted {
		// "Aborted messages SHOULD be discarded by the recipient (any payload
		// within the frame carrying the performative MUST be ignored). An aborted
		// message is implicitly settled."
		l.buf.Reset()
		l.msg = Message{}
		l.more = false
		if l.receiver != nil {
			l.receiver.abortStream(errors.New("delivery aborted by sender"))
		}
		return nil
	}

	// streaming receive bypasses message assembly; each slice is handed
	// to the reader as it arrives
	if l.receiver != nil && l.receiver.streamToReader(fr) {
		l.more = fr.More
		if !fr.More {
			l.deliveryCount++
			l.linkCredit--
			l.msg = Message{}
		}
		return nil
	}

	// ensure maxMessageSize will not be exceeded
	if l.maxMessageSize != 0 && uint64(l.buf.Len())+uint64(len(fr.Payload)) > l.maxMessageSize {
		msg := fmt.Sprintf("received message larger than max size of %d", l.maxMessageSize)
		l.closeWithError(&Error{
			Condition:   ErrCondMessageSizeExceeded,
			Description: msg,
		})
		return errors.New(msg)
	}

	// add the payload to the buffer
	l.buf.Append(fr.Payload)

	// mark as settled if at least one frame is settled
	l.msg.settled = l.msg.settled || fr.Settled

	// save in-progress status
	l.more = fr.More

	if fr.More {
		return nil
	}

	// last frame in message
	err := l.msg.Unmarshal(&l.buf)
	if err != nil {
		return err
	}
	debug.Log(1, "RX (muxReceive): deliveryID %d", l.msg.deliveryID)

	// send to receiver
	l.msg.receiver = l.receiver
	l.receiver.enqueue(l.msg)

	// reset progress
	l.buf.Reset()
	l.msg = Message{}

	// decrement link-credit after entire message received
	l.deliveryCount++
	l.linkCredit--
	debug.Log(3, "RX (muxReceive): key:%s, decremented linkCredit: %d", l.key.name, l.linkCredit)

	return nil
}

// signalReady wakes the link mux so it can re-evaluate credit state.
func (l *link) signalReady() {
	select {
	case l.receiverReady <- struct{}{}:
	default:
	}
}

// closeLink is called by the Close methods of Sender and Receiver.
func (l *link) closeLink(ctx context.Context) error {
	l.closeOnce.Do(func() { close(l.close) })
	select {
	case <-l.detached:
	case <-ctx.Done():
		return ctx.Err()
	}
	if l.err == ErrLinkClosed {
		return nil
	}
	return l.err
}

// closeWithError initiates a local close conveying de to the peer.
func (l *link) closeWithError(de *Error) {
	l.detachErrorMu.Lock()
	l.detachError = de
	l.detachErrorMu.Unlock()
	l.closeOnce.Do(func() { close(l.close) })
}

func (l *link) muxDetach() {
	defer func() {
		// final cleanup and signaling

		// deallocate handle
		l.deallocate()

		// unblock any in flight message dispositions
		if l.receiver != nil {
			l.receiver.inFlight.clear(l.err)
		}

		// unblock any pending drain requests
		if l.receiver != nil && l.receiver.manualCreditor != nil {
			l.receiver.manualCreditor.EndDrain()
		}

		// signal other goroutines that link is detached
		close(l.detached)
	}()

	// "A peer closes a link by sending the detach frame with the handle for the
	// specified link, and the closed flag set to true. The partner will destroy
	// the corresponding link endpoint, and reply with its own detach frame with
	// the closed flag set to true.
	//
	// Note that one peer MAY send a closing detach while its partner is
	// sending a non-closing detach. In this case, the partner MUST
	// signal that it has closed the link by reattaching and then sending
	// a closing detach."

	l.detachErrorMu.Lock()
	detachError := l.detachError
	l.detachErrorMu.Unlock()

	fr := &frames.PerformDetach{
		Handle: l.handle,
		Closed: true,
		Error:  detachError,
	}

Loop:
	for {
		select {
		case l.session.tx <- fr:
			// after sending the detach frame, break the read loop
			break Loop
		case fr := <-l.rx:
			// discard incoming frames to avoid deadlock
			if d, ok := fr.(*frames.PerformDetach); ok && d.Closed {
				l.detachReceived = true
			}
		case <-l.session.done:
			if l.err == nil {
				l.err = l.session.err
			}
			return
		}
	}

	// don't wait for remote to detach when it already
	// has before we got here
	if l.detachReceived {
		return
	}

	// wait for remote to detach
	for {
		select {
		case fr := <-l.rx:
			if d, ok := fr.(*frames.PerformDetach); ok && d.Closed {
				return
			}
		case <-l.session.done:
			if l.err == nil {
				l.err = l.session.err
			}
			return
		}
	}
}

func (l *link) detachOnRejectDisp() bool {
	// only detach on rejection when no RSM was requested or in ModeFirst.
	// if the receiver is in ModeSecond, it will send an explicit rejection disposition
	// that we'll have to ack. so in that case, we don't treat it as a link error.
	if l.detachOnDispositionError && (l.key.role == encoding.RoleSender && (l.receiverSettleMode == nil || *l.receiverSettleMode == ModeFirst)) {
		return true
	}
	return false
}

// LinkOption is a function for configuring an AMQP link.
//
// A link may be a Sender or a Receiver.
type LinkOption func(*link) error

// LinkName sets the name of the link.
//
// The link names must be unique per-connection and direction.
//
// Default: randomly generated.
func LinkName(name string) LinkOption {
	return func(l *link) error {
		l.key.name = name
		return nil
	}
}

// LinkSourceAddress sets the source address.
func LinkSourceAddress(addr string) LinkOption {
	return func(l *link) error {
		l.source.Address = addr
		return nil
	}
}

// LinkTargetAddress sets the target address.
func LinkTargetAddress(addr string) LinkOption {
	return func(l *link) error {
		l.target.Address = addr
		return nil
	}
}

// LinkAddress sets the link address.
//
// For a Receiver this configures the source address.
// For a Sender this configures the target address.
//
// Deprecated: use LinkSourceAddress or LinkTargetAddress instead.
func LinkAddress(source string) LinkOption {
	return func(l *link) error {
		if l.receiver != nil {
			return LinkSourceAddress(source)(l)
		}
		return LinkTargetAddress(source)(l)
	}
}

// LinkDynamicAddress requests a dynamically created address from the server.
//
// The address of the dynamically created node can be retrieved via
// Sender.Address() or Receiver.Address() once the link has been attached.
func LinkDynamicAddress() LinkOption {
	return func(l *link) error {
		l.dynamicAddr = true
		return nil
	}
}

// LinkCredit specifies the maximum number of unacknowledged messages
// the sender can transmit.  This is the receiver's credit window.
func LinkCredit(credit uint32) LinkOption {
	return func(l *link) error {
		if l.receiver == nil {
			return errors.New("LinkCredit is not valid for Sender")
		}
		if credit < 1 {
			return errors.New("LinkCredit must be 1 or greater")
		}

		l.receiver.maxCredit = credit
		return nil
	}
}

// LinkWithManualCredits enables manual credit management for this link.
// Credits can be added with AddCredit, and drained with DrainCredit.
func LinkWithManualCredits() LinkOption {
	return func(l *link) error {
		if l.receiver == nil {
			return errors.New("LinkWithManualCredits is not valid for Sender")
		}

		l.receiver.manualCreditor = &manualCreditor{}
		l.receiver.maxCredit = 0
		return nil
	}
}

// LinkAutoAccept configures the Receiver to accept each message
// as it is returned from Receive.
func LinkAutoAccept() LinkOption {
	return func(l *link) error {
		if l.receiver == nil {
			return errors.New("LinkAutoAccept is not valid for Sender")
		}
		l.receiver.autoAccept = true
		return nil
	}
}

// LinkSenderSettle sets the requested sender settlement mode.
//
// If the server's attach response carries a sender settlement mode,
// that mode replaces the requested one; no error is returned when
// the two differ.
//
// Default: Accept the settlement mode set by the server, commonly ModeMixed.
func LinkSenderSettle(mode SenderSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeMixed {
			return errors.Errorf("invalid SenderSettlementMode %d", mode)
		}
		l.senderSettleMode = &mode
		return nil
	}
}

// LinkReceiverSettle sets the requested receiver settlement mode.
//
// If the server's attach response carries a receiver settlement mode,
// that mode replaces the requested one; no error is returned when
// the two differ.
//
// Default: Accept the settlement mode set by the server, commonly ModeFirst.
func LinkReceiverSettle(mode ReceiverSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeSecond {
			return errors.Errorf("invalid ReceiverSettlementMode %d", mode)
		}
		l.receiverSettleMode = &mode
		return nil
	}
}

// LinkIgnoreDispositionErrors configures the link to keep transmitting
// after a disposition carrying a rejection arrives; otherwise the link
// is detached.
func LinkIgnoreDispositionErrors() LinkOption {
	return func(l *link) error {
		l.detachOnDispositionError = false
		return nil
	}
}

// LinkSourceCapabilities sets the source capabilities.
func LinkSourceCapabilities(capabilities ...string) LinkOption {
	return func(l *link) error {
		if l.source == nil {
			l.source = new(frames.Source)
		}

		// Convert string to symbol
		symbolCapabilities := make([]encoding.Symbol, len(capabilities))
		for i, v := range capabilities {
			symbolCapabilities[i] = encoding.Symbol(v)
		}

		l.source.Capabilities = append(l.source.Capabilities, symbolCapabilities...)
		return nil
	}
}

// LinkTargetCapabilities sets the target capabilities.
func LinkTargetCapabilities(capabilities ...string) LinkOption {
	return func(l *link) error {
		if l.target == nil {
			l.target = new(frames.Target)
		}

		symbolCapabilities := make([]encoding.Symbol, len(capabilities))
		for i, v := range capabilities {
			symbolCapabilities[i] = encoding.Symbol(v)
		}

		l.target.Capabilities = append(l.target.Capabilities, symbolCapabilities...)
		return nil
	}
}

// LinkSourceDurability sets the source durability policy.
//
// Default: DurabilityNone.
func LinkSourceDurability(d Durability) LinkOption {
	return func(l *link) error {
		if d > DurabilityUnsettledState {
			return errors.Errorf("invalid Durability %d", d)
		}
		l.source.Durable = d
		return nil
	}
}

// LinkSourceExpiryPolicy sets the source expiry policy.
//
// Default: ExpirySessionEnd.
func LinkSourceExpiryPolicy(p ExpiryPolicy) LinkOption {
	return func(l *link) error {
		if err := encoding.ValidateExpiryPolicy(p); err != nil {
			return err
		}
		l.source.ExpiryPolicy = p
		return nil
	}
}

// LinkTargetDurability sets the target durability policy.
//
// Default: DurabilityNone.
func LinkTargetDurability(d Durability) LinkOption {
	return func(l *link) error {
		if d > DurabilityUnsettledState {
			return errors.Errorf("invalid Durability %d", d)
		}
		l.target.Durable = d
		return nil
	}
}

// LinkTargetExpiryPolicy sets the target expiry policy.
//
// Default: ExpirySessionEnd.
func LinkTargetExpiryPolicy(p ExpiryPolicy) LinkOption {
	return func(l *link) error {
		if err := encoding.ValidateExpiryPolicy(p); err != nil {
			return err
		}
		l.target.ExpiryPolicy = p
		return nil
	}
}

// LinkMaxMessageSize sets the maximum message size that can
// be sent or received on the link.
//
// Default: 0 (unlimited).
func LinkMaxMessageSize(size uint64) LinkOption {
	return func(l *link) error {
		l.maxMessageSize = size
		return nil
	}
}

// LinkProperty sets an entry in the link properties map sent to the server.
//
// This option can be used multiple times.
func LinkProperty(key, value string) LinkOption {
	return linkProperty(key, value)
}

// LinkPropertyInt64 sets an entry in the link properties map sent to the server.
//
// This option can be used multiple times.
func LinkPropertyInt64(key string, value int64) LinkOption {
	return linkProperty(key, value)
}

// LinkPropertyInt32 sets an entry in the link properties map sent to the server.
//
// This option can be set multiple times.
func LinkPropertyInt32(key string, value int32) LinkOption {
	return linkProperty(key, value)
}

func linkProperty(key string, value interface{}) LinkOption {
	return func(l *link) error {
		if key == "" {
			return errors.New("link property key must not be empty")
		}
		if l.properties == nil {
			l.properties = make(map[encoding.Symbol]interface{})
		}
		l.properties[encoding.Symbol(key)] = value
		return nil
	}
}

// LinkSelectorFilter sets a selector filter (apache.org:selector-filter:string) on the link source.
func LinkSelectorFilter(filter string) LinkOption {
	// <descriptor name="apache.org:selector-filter:string" code="0x0000468C:0x00000004"/>
	return LinkSourceFilter(selectorFilter, selectorFilterCode, filter)
}

const (
	selectorFilter     = "apache.org:selector-filter:string"
	selectorFilterCode = uint64(0x0000468C00000004)
)

// LinkSourceFilter is an advanced API for setting non-standard source filters.
// Please file an issue or open a PR if a standard filter is missing from this
// library.
//
// The name is the key for the filter map. It will be encoded as an AMQP symbol type.
//
// The code is the descriptor of the described type value. The domain-id and descriptor-id
// should be concatenated together. If 0 is passed as the code, the name will be used as
// the descriptor.
//
// The value is the value of the descriped types. Acceptable types for value are specific
// to the filter.
//
// Example:
//
//	The standard selector-filter is defined as:
//	<descriptor name="apache.org:selector-filter:string" code="0x0000468C:0x00000004"/>
//	In this case the name is "apache.org:selector-filter:string" and the code is
//	0x0000468C00000004.
//	LinkSourceFilter("apache.org:selector-filter:string", 0x0000468C00000004, exampleValue)
func LinkSourceFilter(name string, code uint64, value interface{}) LinkOption {
	return func(l *link) error {
		if l.source == nil {
			l.source = new(frames.Source)
		}
		if l.source.Filter == nil {
			l.source.Filter = make(encoding.Filter)
		}

		var descriptor interface{}
		if code != 0 {
			descriptor = code
		} else {
			descriptor = encoding.Symbol(name)
		}

		l.source.Filter[encoding.Symbol(name)] = &encoding.DescribedType{
			Descriptor: descriptor,
			Value:      value,
		}
		return nil
	}
}
