package amqp

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/amqpio/amqp/internal/buffer"
	"github.com/amqpio/amqp/internal/encoding"
	"github.com/amqpio/amqp/internal/frames"
)

// MessageWriter streams a single message body across multiple transfer
// frames. Each Write is encoded as a data section and transmitted
// immediately; Close marks the delivery complete.
//
// The Sender is reserved for the writer until Close is called; other
// Send calls will block.
type MessageWriter struct {
	ctx       context.Context
	s         *Sender
	settled   bool
	sentFirst bool
	closed    bool
	buf       buffer.Buffer
}

// SendStream begins streaming a message.
//
// The returned MessageWriter transmits each Write as one or more
// transfer frames with the more flag set; Close sends the final
// transfer and blocks until the delivery is settled per the link's
// settlement mode.
func (s *Sender) SendStream(ctx context.Context) (*MessageWriter, error) {
	select {
	case <-s.link.detached:
		return nil, s.link.err
	default:
	}

	// reserve the link; released in Close
	s.mu.Lock()

	sndSettleMode := s.link.senderSettleMode
	w := &MessageWriter{
		ctx:     ctx,
		s:       s,
		settled: sndSettleMode != nil && *sndSettleMode == ModeSettled,
	}
	return w, nil
}

// Write encodes p as an AMQP data section and streams it to the peer
// in transfer frames marked as partial.
func (w *MessageWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write on closed message stream")
	}

	w.buf.Reset()
	encoding.WriteDescriptor(&w.buf, encoding.TypeCodeApplicationData)
	if err := encoding.WriteBinary(&w.buf, p); err != nil {
		return 0, err
	}

	if err := w.send(); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close marks the final transfer of the streamed message and waits for
// settlement per the link's sender settle mode.
func (w *MessageWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer w.s.mu.Unlock()

	w.buf.Reset()
	done, err := w.sendFinal()
	if err != nil {
		return err
	}

	select {
	case state := <-done:
		if state, ok := state.(*encoding.StateRejected); ok {
			return state.Error
		}
		return nil
	case <-w.s.link.detached:
		return w.s.link.err
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

// send chunks w.buf into transfer frames with more=true.
func (w *MessageWriter) send() error {
	l := w.s.link
	maxPayloadSize := int64(l.session.conn.PeerMaxFrameSize) - maxTransferFrameHeader

	for w.buf.Len() > 0 {
		chunk := maxPayloadSize
		if int64(w.buf.Len()) < chunk {
			chunk = int64(w.buf.Len())
		}
		payload, _ := w.buf.Next(chunk)

		fr := frames.PerformTransfer{
			Handle:  l.handle,
			More:    true,
			Payload: append([]byte(nil), payload...),
		}
		if !w.sentFirst {
			fr.DeliveryID = &needsDeliveryID
			fr.DeliveryTag = w.deliveryTag()
			fr.MessageFormat = new(uint32)
		}

		if err := w.transmit(fr); err != nil {
			return err
		}
		w.sentFirst = true
	}
	return nil
}

// sendFinal transmits the closing transfer of the delivery.
func (w *MessageWriter) sendFinal() (chan encoding.DeliveryState, error) {
	l := w.s.link

	fr := frames.PerformTransfer{
		Handle:  l.handle,
		More:    false,
		Settled: w.settled,
		Done:    make(chan encoding.DeliveryState, 1),
	}
	if !w.sentFirst {
		// zero-length stream; the lone transfer carries the identifiers
		fr.DeliveryID = &needsDeliveryID
		fr.DeliveryTag = w.deliveryTag()
		fr.MessageFormat = new(uint32)
		w.sentFirst = true
	}

	if err := w.transmit(fr); err != nil {
		return nil, err
	}
	return fr.Done, nil
}

func (w *MessageWriter) transmit(fr frames.PerformTransfer) error {
	select {
	case w.s.link.transfers <- fr:
		return nil
	case <-w.s.link.detached:
		return w.s.link.err
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

func (w *MessageWriter) deliveryTag() []byte {
	tag := make([]byte, 8)
	binary.BigEndian.PutUint64(tag, w.s.nextDeliveryTag)
	w.s.nextDeliveryTag++
	return tag
}

// MessageReader streams the payload of a single incoming delivery as
// the transfer frames arrive, without waiting for the full message.
type MessageReader struct {
	r      *Receiver
	chunks chan []byte
	endErr chan error

	cur    []byte
	err    error
	closed bool
}

// ReceiveStream registers a MessageReader for the next incoming
// delivery and returns it without waiting for that delivery. The
// reader yields the delivery's payload bytes as they arrive on the
// wire. The stream ends with io.EOF at the delivery's final transfer.
//
// Only one stream may be active at a time, and the polling Receive
// call must not be used while a stream is active.
func (r *Receiver) ReceiveStream(ctx context.Context) (*MessageReader, error) {
	r.streamMu.Lock()
	if r.stream != nil {
		r.streamMu.Unlock()
		return nil, errors.New("a message stream is already active")
	}
	mr := &MessageReader{
		r:      r,
		chunks: make(chan []byte),
		endErr: make(chan error, 1),
	}
	r.stream = mr
	r.streamMu.Unlock()

	// wake the mux so the credit window is evaluated
	r.link.signalReady()

	return mr, nil
}

// Read yields payload bytes in wire arrival order. It blocks until the
// next transfer frame arrives and returns io.EOF after the final one.
func (mr *MessageReader) Read(p []byte) (int, error) {
	if mr.err != nil {
		return 0, mr.err
	}

	for len(mr.cur) == 0 {
		select {
		case chunk, ok := <-mr.chunks:
			if !ok {
				mr.err = io.EOF
				mr.detach()
				return 0, io.EOF
			}
			mr.cur = chunk
		case err := <-mr.endErr:
			mr.err = err
			mr.detach()
			return 0, err
		case <-mr.r.link.detached:
			mr.err = mr.r.link.err
			return 0, mr.err
		}
	}

	n := copy(p, mr.cur)
	mr.cur = mr.cur[n:]
	return n, nil
}

// Close releases the stream. If the delivery has not fully arrived its
// remaining transfers are discarded.
func (mr *MessageReader) Close() error {
	mr.detach()
	return nil
}

func (mr *MessageReader) detach() {
	if mr.closed {
		return
	}
	mr.closed = true
	mr.r.streamMu.Lock()
	if mr.r.stream == mr {
		mr.r.stream = nil
	}
	mr.r.streamMu.Unlock()
}

// streamToReader hands fr's payload to the active stream reader, if
// any. Called from the link mux. Returns false when no stream is
// active, in which case the mux assembles the message as usual.
func (r *Receiver) streamToReader(fr *frames.PerformTransfer) bool {
	r.streamMu.Lock()
	mr := r.stream
	r.streamMu.Unlock()
	if mr == nil {
		return false
	}

	if len(fr.Payload) > 0 {
		select {
		case mr.chunks <- append([]byte(nil), fr.Payload...):
		case <-r.link.close:
			return true
		case <-r.link.session.done:
			return true
		}
	}

	if !fr.More {
		// the delivery is complete; unregister before closing so the
		// next delivery is assembled normally
		r.streamMu.Lock()
		if r.stream == mr {
			r.stream = nil
		}
		r.streamMu.Unlock()
		close(mr.chunks)
	}
	return true
}

// abortStream fails the active stream reader, if any.
func (r *Receiver) abortStream(err error) {
	r.streamMu.Lock()
	mr := r.stream
	r.stream = nil
	r.streamMu.Unlock()
	if mr == nil {
		return
	}
	select {
	case mr.endErr <- err:
	default:
	}
}
