package amqp

import (
	"context"
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/amqpio/amqp/internal/debug"
	"github.com/amqpio/amqp/internal/encoding"
	"github.com/amqpio/amqp/internal/frames"
	"github.com/amqpio/amqp/internal/queue"
)

// session defaults
const (
	defaultWindow   = 5000
	defaultMaxLinks = 4096
)

// SessionOption is a function for configuring an AMQP session.
type SessionOption func(*Session) error

// SessionIncomingWindow sets the maximum number of unacknowledged
// transfer frames the server can send.
func SessionIncomingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.incomingWindow = window
		return nil
	}
}

// SessionOutgoingWindow sets the maximum number of unacknowledged
// transfer frames the client can send.
func SessionOutgoingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.outgoingWindow = window
		return nil
	}
}

// SessionMaxLinks sets the maximum number of links (Senders/Receivers)
// allowed on the session.
//
// n must be in the range 1 to 4294967296.
//
// Default: 4096.
func SessionMaxLinks(n int) SessionOption {
	return func(s *Session) error {
		if n < 1 {
			return errors.New("max sessions cannot be less than 1")
		}
		if int64(n) > 4294967296 {
			return errors.New("max sessions cannot be greater than 4294967296")
		}
		s.handleMax = uint32(n - 1)
		return nil
	}
}

// Session is an AMQP session.
//
// A session multiplexes Receivers.
type Session struct {
	channel       uint16                       // session's local channel
	remoteChannel uint16                       // session's remote channel, owned by conn.mux
	conn          *conn                        // underlying conn
	rx            chan frames.Frame            // frames destined for this session are sent on this chan by conn.mux
	tx            chan frames.FrameBody        // non-transfer frames to be sent; session must track disposition
	txTransfer    chan *frames.PerformTransfer // transfer frames to be sent; session must track disposition

	// flow control
	incomingWindow uint32
	outgoingWindow uint32

	handleMax uint32

	// link management
	allocateHandle   chan *link // link handles are allocated by sending a link on this channel, nil is sent on link.rx once allocated
	deallocateHandle chan *link // link handles are deallocated by sending a link on this channel

	nextDeliveryID uint32 // sequence for outgoing deliveryIDs, used only by the session mux

	// used for gracefully closing session
	close     chan struct{}
	closeOnce sync.Once
	done      chan struct{} // closed when the session has terminated (mux exited); err is valid
	err       error
}

func newSession(c *conn, channel uint16) *Session {
	return &Session{
		conn:             c,
		channel:          channel,
		rx:               make(chan frames.Frame),
		tx:               make(chan frames.FrameBody),
		txTransfer:       make(chan *frames.PerformTransfer),
		incomingWindow:   defaultWindow,
		outgoingWindow:   defaultWindow,
		handleMax:        defaultMaxLinks - 1,
		allocateHandle:   make(chan *link),
		deallocateHandle: make(chan *link),
		close:            make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// Close gracefully closes the session.
//
// If ctx expires while waiting for servers response, ctx.Err() will be returned.
// The session will continue to wait for the response until the Client is closed.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.close) })
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.err == ErrSessionClosed {
		return nil
	}
	return s.err
}

// txFrame sends a frame to the connWriter.
func (s *Session) txFrame(p frames.FrameBody) error {
	return s.conn.wantWriteFrame(frames.Frame{
		Type:    frames.TypeAMQP,
		Channel: s.channel,
		Body:    p,
	})
}

// deallocate removes the session from the conn's session tracking.
func (s *Session) deallocate() {
	select {
	case s.conn.delSession <- s:
	case <-s.conn.done:
	}
}

// NewReceiver opens a new receiver link on the session.
func (s *Session) NewReceiver(opts ...LinkOption) (*Receiver, error) {
	r := &Receiver{
		maxCredit: DefaultLinkCredit,
		messages:  queue.New[Message](segmentSize),
		msgAvail:  make(chan struct{}, 1),
	}

	l, err := attach(s, r, opts)
	if err != nil {
		return nil, err
	}

	r.link = l
	return r, nil
}

// NewSender opens a new sender link on the session.
func (s *Session) NewSender(opts ...LinkOption) (*Sender, error) {
	l, err := attach(s, nil, opts)
	if err != nil {
		return nil, err
	}

	return &Sender{link: l}, nil
}

// needsDeliveryID is a sentinel the sender places in
// PerformTransfer.DeliveryID to request assignment by the session mux.
var needsDeliveryID uint32

func (s *Session) mux(remoteBegin *frames.PerformBegin) {
	defer func() {
		// clean up session record in conn.mux
		s.deallocate()

		if s.err == nil {
			s.err = ErrSessionClosed
		}
		close(s.done)
	}()

	var (
		linksByName         = make(map[linkKey]*link) // mapping of name+role to links
		linksByHandle       = make(map[uint32]*link)  // mapping of local handles to links
		linksByRemoteHandle = make(map[uint32]*link)  // mapping of remote handles to links

		handlesByDeliveryID       = make(map[uint32]uint32)                      // mapping of outgoing deliveryIDs to local handles
		deliveryIDByHandle        = make(map[uint32]uint32)                      // mapping of local handles to the latest deliveryID
		handlesByRemoteDeliveryID = make(map[uint32]uint32)                      // mapping of incoming deliveryIDs to remote handles
		settlementByDeliveryID    = make(map[uint32]chan encoding.DeliveryState) // outgoing deliveries awaiting settlement

		// flow control values
		nextOutgoingID       uint32
		nextIncomingID       = remoteBegin.NextOutgoingID
		remoteIncomingWindow = remoteBegin.IncomingWindow
		remoteOutgoingWindow = remoteBegin.OutgoingWindow

		// how much of our incoming window the peer has consumed;
		// it is replenished with a session flow at half used
		incomingWindowUsed uint32

		// in-progress (multi-frame) incoming deliveries by remote handle
		incomingDeliveryByHandle = make(map[uint32]uint32)

		closeInProgress bool // we've sent the PerformEnd
	)

	for {
		txTransfer := s.txTransfer
		// disable txTransfer if flow control windows have been exceeded
		if remoteIncomingWindow == 0 || s.outgoingWindow == 0 {
			debug.Log(1, "session mux transfer paused, remoteIncomingWindow: %d, outgoingWindow: %d",
				remoteIncomingWindow, s.outgoingWindow)
			txTransfer = nil
		}

		select {
		// conn has completed, exit
		case <-s.conn.done:
			s.err = s.conn.getErr()
			return

		// session is being closed by user
		case <-s.close:
			if closeInProgress {
				continue
			}
			closeInProgress = true
			_ = s.txFrame(&frames.PerformEnd{})

			// discard frames until the PerformEnd arrives
			for {
				select {
				case <-s.conn.done:
					s.err = s.conn.getErr()
					return
				case fr := <-s.rx:
					if _, ok := fr.Body.(*frames.PerformEnd); ok {
						return
					}
					debug.Log(3, "RX (session mux): discarding frame during close: %s", fr.Body)
				}
			}

		// handle allocation request
		case l := <-s.allocateHandle:
			// Check if link name already exists, if so then an error should be returned
			if _, exists := linksByName[l.key]; exists {
				l.allocErr = errors.Errorf("link with name '%v' already exists", l.key.name)
				close(l.allocated)
				continue
			}

			next, ok := nextFreeHandle(linksByHandle, s.handleMax)
			if !ok {
				l.allocErr = errors.Errorf("reached session handle max (%d)", s.handleMax)
				close(l.allocated)
				continue
			}

			l.handle = next         // allocate handle to the link
			linksByName[l.key] = l  // add to mapping
			linksByHandle[next] = l // register the local handle
			close(l.allocated)

		// handle deallocation request
		case l := <-s.deallocateHandle:
			delete(linksByName, l.key)
			delete(linksByHandle, l.handle)
			delete(linksByRemoteHandle, l.remoteHandle)
			delete(deliveryIDByHandle, l.handle)
			close(l.rx) // close channel to indicate deallocation

		// incoming frame for link
		case fr := <-s.rx:
			debug.Log(2, "RX (session mux): %s", fr.Body)

			switch body := fr.Body.(type) {
			// Disposition frames can reference transfers from more than one
			// link. Send this frame to all of them.
			case *frames.PerformDisposition:
				start := body.First
				end := start
				if body.Last != nil {
					end = *body.Last
				}

				if body.Role == encoding.RoleReceiver {
					// the peer is speaking as a receiver; this concerns
					// deliveries we have sent
					forwarded := make(map[uint32]bool)
					for deliveryID := start; deliveryID <= end; deliveryID++ {
						handle, ok := handlesByDeliveryID[deliveryID]
						if !ok {
							continue
						}

						// a terminal outcome completes the sender's
						// settlement wait even when the disposition is
						// unsettled (receiver settle mode second)
						if done, ok := settlementByDeliveryID[deliveryID]; ok && (body.Settled || isTerminalState(body.State)) {
							delete(settlementByDeliveryID, deliveryID)
							select {
							case done <- body.State:
							default:
							}
							close(done)
						}

						if body.Settled {
							// remove the delivery from the unsettled map
							delete(handlesByDeliveryID, deliveryID)
							continue
						}

						// unsettled dispositions are forwarded to the
						// link so it can reply with a settlement ack
						if !forwarded[handle] {
							forwarded[handle] = true
							if link, ok := linksByHandle[handle]; ok {
								s.muxFrameToLink(link, fr.Body)
							}
						}
					}
					continue
				}

				// the peer is speaking as a sender; this concerns deliveries
				// we have received (settlement confirmation in mode second)
				forwarded := make(map[uint32]bool)
				for deliveryID := start; deliveryID <= end; deliveryID++ {
					handle, ok := handlesByRemoteDeliveryID[deliveryID]
					if !ok {
						continue
					}
					if body.Settled {
						delete(handlesByRemoteDeliveryID, deliveryID)
					}
					if !forwarded[handle] {
						forwarded[handle] = true
						if link, ok := linksByRemoteHandle[handle]; ok {
							s.muxFrameToLink(link, fr.Body)
						}
					}
				}
				continue

			case *frames.PerformFlow:
				if body.NextIncomingID == nil {
					// This is a protocol error:
					//       "[...] MUST be set if the peer has received
					//        the begin frame for the session"
					s.err = errors.New("received flow frame with no next-incoming-id")
					_ = s.txFrame(&frames.PerformEnd{Error: &encoding.Error{
						Condition:   ErrCondNotAllowed,
						Description: "next-incoming-id not set after session established",
					}})
					return
				}

				// "When the endpoint receives a flow frame from its peer,
				// it MUST update the next-incoming-id directly from the
				// next-outgoing-id of the frame, and it MUST update the
				// remote-outgoing-window directly from the outgoing-window
				// of the frame."
				nextIncomingID = body.NextOutgoingID
				remoteOutgoingWindow = body.OutgoingWindow

				// "The remote-incoming-window is computed as follows:
				//
				// next-incoming-id(flow) + incoming-window(flow) - next-outgoing-id(endpoint)
				//
				// If the next-incoming-id field of the flow frame is not set, then
				// remote-incoming-window is computed as follows:
				//
				// initial-outgoing-id(endpoint) + incoming-window(flow) - next-outgoing-id(endpoint)"
				remoteIncomingWindow = body.IncomingWindow - nextOutgoingID
				remoteIncomingWindow += *body.NextIncomingID

				// Send to link if handle is set
				if body.Handle != nil {
					link, ok := linksByRemoteHandle[*body.Handle]
					if !ok {
						continue
					}
					s.muxFrameToLink(link, fr.Body)
					continue
				}

				if body.Echo {
					niID := nextIncomingID
					resp := &frames.PerformFlow{
						NextIncomingID: &niID,
						IncomingWindow: s.incomingWindow,
						NextOutgoingID: nextOutgoingID,
						OutgoingWindow: s.outgoingWindow,
					}
					debug.Log(1, "TX (session mux): %s", resp)
					_ = s.txFrame(resp)
				}

			case *frames.PerformAttach:
				// On Attach response link should be looked up by name, then added
				// to the links map with the remote's handle contained in this
				// attach frame.
				//
				// Note body.Role is the remote peer's role, we reverse for the local key.
				link, linkOk := linksByName[linkKey{name: body.Name, role: !body.Role}]
				if !linkOk {
					// "an attach referencing an unopened link is fatal"
					s.err = errors.Errorf("received attach frame for unknown link %q", body.Name)
					_ = s.txFrame(&frames.PerformEnd{Error: &encoding.Error{
						Condition:   ErrCondNotAllowed,
						Description: s.err.Error(),
					}})
					return
				}

				link.remoteHandle = body.Handle
				linksByRemoteHandle[link.remoteHandle] = link

				s.muxFrameToLink(link, fr.Body)

			case *frames.PerformTransfer:
				if body.DeliveryID != nil {
					cur, inProgress := incomingDeliveryByHandle[body.Handle]
					switch {
					case inProgress && *body.DeliveryID == cur:
						// continuation transfer repeating the delivery-id

					case *body.DeliveryID != nextIncomingID:
						// "The delivery-id MUST be supplied on the first transfer of a
						// multi-transfer delivery. [...] It MUST equal the current value
						// of next-incoming-id."
						s.err = errors.Errorf("received transfer with delivery-id %d, expected %d",
							*body.DeliveryID, nextIncomingID)
						_ = s.txFrame(&frames.PerformEnd{Error: &encoding.Error{
							Condition:   ErrCondErrantLink,
							Description: s.err.Error(),
						}})
						return

					default:
						handlesByRemoteDeliveryID[*body.DeliveryID] = body.Handle
						incomingDeliveryByHandle[body.Handle] = *body.DeliveryID
					}
				}
				if !body.More || body.Aborted {
					delete(incomingDeliveryByHandle, body.Handle)
				}

				// "Upon receiving a transfer, the receiving endpoint will
				// increment the next-incoming-id to match the implicit
				// transfer-id of the incoming transfer plus one, as well
				// as decrementing the remote-outgoing-window, and MAY
				// (depending on policy) decrement its incoming-window."
				nextIncomingID++
				if remoteOutgoingWindow > 0 {
					remoteOutgoingWindow--
				}
				incomingWindowUsed++

				link, ok := linksByRemoteHandle[body.Handle]
				if !ok {
					debug.Log(1, "RX (session mux): transfer frame with unknown handle %d", body.Handle)
					continue
				}

				s.muxFrameToLink(link, fr.Body)

				// Update peer's outgoing window if half has been consumed.
				if incomingWindowUsed > s.incomingWindow/2 {
					incomingWindowUsed = 0
					niID := nextIncomingID
					resp := &frames.PerformFlow{
						NextIncomingID: &niID,
						IncomingWindow: s.incomingWindow,
						NextOutgoingID: nextOutgoingID,
						OutgoingWindow: s.outgoingWindow,
					}
					debug.Log(1, "TX (session mux): %s", resp)
					_ = s.txFrame(resp)
				}

			case *frames.PerformDetach:
				link, ok := linksByRemoteHandle[body.Handle]
				if !ok {
					debug.Log(1, "RX (session mux): detach frame with unknown handle %d", body.Handle)
					continue
				}
				s.muxFrameToLink(link, fr.Body)

			case *frames.PerformEnd:
				if closeInProgress {
					// this is the ack to our End
					return
				}
				// peer initiated close, respond and exit
				_ = s.txFrame(&frames.PerformEnd{})
				if body.Error != nil {
					s.err = &SessionError{inner: body.Error}
				} else {
					s.err = ErrSessionClosed
				}
				return

			default:
				debug.Log(1, "RX (session mux): unexpected frame: %s", body)
			}

		case fr := <-txTransfer:
			debug.Log(2, "TX (session mux): %s", fr)

			// record current delivery ID
			var deliveryID uint32
			if fr.DeliveryID == &needsDeliveryID {
				deliveryID = s.nextDeliveryID
				fr.DeliveryID = &deliveryID
				s.nextDeliveryID++

				deliveryIDByHandle[fr.Handle] = deliveryID

				// add to the unsettled map if not already settled
				if !fr.Settled {
					handlesByDeliveryID[deliveryID] = fr.Handle
				}
			} else {
				// if fr.DeliveryID is nil it must have been added
				// to deliveryIDByHandle already
				deliveryID = deliveryIDByHandle[fr.Handle]
			}

			// frame has been sender-settled, remove from map
			if fr.Settled {
				delete(handlesByDeliveryID, deliveryID)
			}

			// if not settled, add done chan to map
			// and clear from frame so conn doesn't close it.
			if !fr.Settled && fr.Done != nil {
				settlementByDeliveryID[deliveryID] = fr.Done
				fr.Done = nil
			}

			debug.Assert(fr.More || fr.DeliveryID != nil, "unset deliveryID on the last frame of a transfer")
			err := s.txFrame(fr)
			if err != nil {
				s.err = err
				return
			}

			// if the transfer is settled, the state is irrelevant;
			// the settlement is considered complete on transmit
			if fr.Settled && fr.Done != nil {
				close(fr.Done)
			}

			// "Upon sending a transfer, the sending endpoint will increment
			// its next-outgoing-id, decrement its remote-incoming-window,
			// and MAY (depending on policy) decrement its outgoing-window."
			nextOutgoingID++
			remoteIncomingWindow--

		case fr := <-s.tx:
			debug.Log(2, "TX (session mux): %s", fr)

			switch fr := fr.(type) {
			case *frames.PerformFlow:
				niID := nextIncomingID
				fr.NextIncomingID = &niID
				fr.IncomingWindow = s.incomingWindow
				fr.NextOutgoingID = nextOutgoingID
				fr.OutgoingWindow = s.outgoingWindow
				err := s.txFrame(fr)
				if err != nil {
					s.err = err
					return
				}
			case *frames.PerformTransfer:
				panic("transfer frames must use txTransfer")
			default:
				err := s.txFrame(fr)
				if err != nil {
					s.err = err
					return
				}
			}
		}
	}
}

// nextFreeHandle returns the smallest free link handle.
func nextFreeHandle(linksByHandle map[uint32]*link, handleMax uint32) (uint32, bool) {
	if uint64(len(linksByHandle)) > uint64(handleMax) {
		return 0, false
	}
	for h := uint32(0); ; h++ {
		if _, used := linksByHandle[h]; !used {
			return h, true
		}
		if h == math.MaxUint32 {
			return 0, false
		}
	}
}

// isTerminalState reports whether state is a terminal outcome.
func isTerminalState(state encoding.DeliveryState) bool {
	switch state.(type) {
	case *encoding.StateAccepted, *encoding.StateRejected,
		*encoding.StateReleased, *encoding.StateModified:
		return true
	default:
		return false
	}
}

func (s *Session) muxFrameToLink(l *link, fr frames.FrameBody) {
	select {
	case l.rx <- fr:
	case <-l.detached:
	case <-s.conn.done:
	}
}
