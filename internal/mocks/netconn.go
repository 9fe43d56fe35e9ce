package mocks

import (
	"errors"
	"math"
	"net"
	"os"
	"time"

	"github.com/amqpio/amqp/internal/buffer"
	"github.com/amqpio/amqp/internal/encoding"
	"github.com/amqpio/amqp/internal/frames"
)

// NewNetConn creates a new instance of NetConn.
// Responder is invoked by Write when a frame is received.
// Return a nil slice/nil error to swallow the frame.
// Return a non-nil error to simulate a write error.
func NewNetConn(resp func(frames.FrameBody) ([]byte, error)) *NetConn {
	return &NetConn{
		resp: resp,
		// during shutdown, connReader can close before connWriter as they both
		// both return on c.done being closed, so there is some non-determinism
		// here.  this means that sometimes writes can still happen but there's
		// no reader to consume them.  we used a buffered channel to prevent these
		// writes from blocking shutdown. the size was arbitrarily picked.
		readData:  make(chan []byte, 10),
		readClose: make(chan struct{}),
	}
}

// NetConn is a mock network connection that satisfies the net.Conn interface.
type NetConn struct {
	resp      func(frames.FrameBody) ([]byte, error)
	readDL    *time.Timer
	readData  chan []byte
	readClose chan struct{}
	closed    bool
}

// SendFrame sends the encoded frame to the client.
// Use this to send unsolicited frames.
func (n *NetConn) SendFrame(b []byte) {
	n.readData <- b
}

// SendKeepAlive sends an empty frame to the client.
func (n *NetConn) SendKeepAlive() {
	// empty frame = 8 byte header with size of 8
	n.readData <- []byte{0, 0, 0, 8, 2, 0, 0, 0}
}

///////////////////////////////////////////////////////
// following methods are for the net.Conn interface
///////////////////////////////////////////////////////

// NOTE: Read, Write, and Close are all called by separate goroutines!

// Read is invoked by conn.connReader to recieve frame data.
// It blocks until Write or Close are called, or the read
// deadline expires which will return an error.
func (n *NetConn) Read(b []byte) (int, error) {
	select {
	case <-n.readClose:
		return 0, errors.New("mock connection was closed")
	default:
		// not closed yet
	}

	var deadline <-chan time.Time
	if n.readDL != nil {
		deadline = n.readDL.C
	}

	select {
	case <-n.readClose:
		return 0, errors.New("mock connection was closed")
	case <-deadline:
		return 0, os.ErrDeadlineExceeded
	case rd := <-n.readData:
		return copy(b, rd), nil
	}
}

// Write is invoked by conn.connWriter when we're being sent frame
// data.  Every call to Write will invoke the responder callback that
// must reply with one of three possibilities.
//  1. an encoded frame and nil error
//  2. a non-nil error to similate a write failure
//  3. a nil slice and nil error indicating the frame should be ignored
func (n *NetConn) Write(b []byte) (int, error) {
	select {
	case <-n.readClose:
		return 0, errors.New("mock connection was closed")
	default:
		// not closed yet
	}

	frame, err := decodeFrame(b)
	if err != nil {
		return 0, err
	}
	resp, err := n.resp(frame)
	if err != nil {
		return 0, err
	}
	if resp != nil {
		n.readData <- resp
	}
	return len(b), nil
}

// Close is called by conn.close.
func (n *NetConn) Close() error {
	if n.closed {
		return errors.New("double close")
	}
	n.closed = true
	close(n.readClose)
	return nil
}

func (n *NetConn) LocalAddr() net.Addr {
	return &net.IPAddr{
		IP: net.IPv4(127, 0, 0, 2),
	}
}

func (n *NetConn) RemoteAddr() net.Addr {
	return &net.IPAddr{
		IP: net.IPv4(127, 0, 0, 2),
	}
}

func (n *NetConn) SetDeadline(t time.Time) error {
	return errors.New("not used")
}

// SetReadDeadline is called by conn.connReader before calling Read.
func (n *NetConn) SetReadDeadline(t time.Time) error {
	// stop the last timer if available
	if n.readDL != nil && !n.readDL.Stop() {
		select {
		case <-n.readDL.C:
		default:
		}
	}
	n.readDL = time.NewTimer(time.Until(t))
	return nil
}

// SetWriteDeadline is called by conn.connWriter before calling Write.
func (n *NetConn) SetWriteDeadline(t time.Time) error {
	return nil
}

///////////////////////////////////////////////////////
///////////////////////////////////////////////////////

// ProtoID indicates the type of protocol (copied from conn.go)
type ProtoID uint8

const (
	ProtoAMQP ProtoID = 0x0
	ProtoTLS  ProtoID = 0x2
	ProtoSASL ProtoID = 0x3
)

// ProtoHeader returns the initial handshake frame.
// This frame, and PerformOpen, are needed when calling amqp.New() to create a client.
func ProtoHeader(id ProtoID) ([]byte, error) {
	return []byte{'A', 'M', 'Q', 'P', byte(id), 1, 0, 0}, nil
}

// PerformOpen returns a PerformOpen frame with the specified container ID.
// This frame, and ProtoHeader, are needed when calling amqp.New() to create a client.
func PerformOpen(containerID string) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformOpen{ContainerID: containerID, ChannelMax: 65535})
}

// PerformBegin returns a PerformBegin frame with the specified remote channel ID.
// This frame is needed when making a call to Client.NewSession().
func PerformBegin(remoteChannel uint16) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformBegin{
		RemoteChannel:  &remoteChannel,
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 1000,
		HandleMax:      math.MaxInt16,
	})
}

// PerformEnd returns a PerformEnd frame with an optional error.
func PerformEnd(e *encoding.Error) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformEnd{Error: e})
}

// PerformClose returns a PerformClose frame with an optional error.
func PerformClose(e *encoding.Error) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformClose{Error: e})
}

// SenderAttach returns a PerformAttach frame with the specified values.
// This frame is needed when making a call to Session.NewSender().
func SenderAttach(linkName string, linkHandle uint32, mode encoding.SenderSettleMode) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleReceiver,
		Target: &frames.Target{
			Address:      "test",
			Durable:      encoding.DurabilityNone,
			ExpiryPolicy: encoding.ExpirySessionEnd,
		},
		SenderSettleMode: &mode,
		MaxMessageSize:   math.MaxUint32,
	})
}

// ReceiverAttach returns a PerformAttach frame with the specified values.
// This frame is needed when making a call to Session.NewReceiver().
func ReceiverAttach(linkName string, linkHandle uint32, mode encoding.ReceiverSettleMode) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleSender,
		Source: &frames.Source{
			Address:      "test",
			Durable:      encoding.DurabilityNone,
			ExpiryPolicy: encoding.ExpirySessionEnd,
		},
		ReceiverSettleMode: &mode,
		MaxMessageSize:     math.MaxUint32,
	})
}

// PerformTransfer returns a PerformTransfer frame with the specified values.
// The linkHandle MUST match the linkHandle value specified in ReceiverAttach.
func PerformTransfer(linkHandle, deliveryID uint32, payload []byte) ([]byte, error) {
	format := uint32(0)
	payloadBuf := &buffer.Buffer{}
	encoding.WriteDescriptor(payloadBuf, encoding.TypeCodeApplicationData)
	err := encoding.WriteBinary(payloadBuf, payload)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(FrameAMQP, 0, &frames.PerformTransfer{
		Handle:        linkHandle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("tag"),
		MessageFormat: &format,
		Payload:       payloadBuf.Detach(),
	})
}

// MultiTransfer returns a PerformTransfer frame for one slice of a
// multi-frame delivery.  Pass more=false for the final slice.
func MultiTransfer(linkHandle, deliveryID uint32, payload []byte, first, more bool) ([]byte, error) {
	fr := &frames.PerformTransfer{
		Handle:  linkHandle,
		More:    more,
		Payload: payload,
	}
	if first {
		format := uint32(0)
		fr.DeliveryID = &deliveryID
		fr.DeliveryTag = []byte("multi-tag")
		fr.MessageFormat = &format
	}
	return EncodeFrame(FrameAMQP, 0, fr)
}

// AbortedTransfer returns a continuation PerformTransfer frame that
// aborts the in-progress delivery.
func AbortedTransfer(linkHandle uint32) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformTransfer{
		Handle:  linkHandle,
		Aborted: true,
	})
}

// PerformDisposition returns a PerformDisposition frame with the specified values.
// The deliveryID MUST match the deliveryID value specified in PerformTransfer.
func PerformDisposition(deliveryID uint32, state encoding.DeliveryState) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   deliveryID,
		Settled: true,
		State:   state,
	})
}

// PerformDetach returns a PerformDetach frame with an optional error.
func PerformDetach(linkHandle uint32, e *encoding.Error) ([]byte, error) {
	return EncodeFrame(FrameAMQP, 0, &frames.PerformDetach{
		Handle: linkHandle,
		Closed: true,
		Error:  e,
	})
}

// AMQPProto is the frame type passed to the responder for the initial protocol handshake.
type AMQPProto struct {
	frames.FrameBody
}

// KeepAlive is the frame type passed to the responder for keep-alive frames.
type KeepAlive struct {
	frames.FrameBody
}

// FrameType is the frame type passed to EncodeFrame.
type FrameType = frames.Type

const (
	FrameAMQP = frames.TypeAMQP
	FrameSASL = frames.TypeSASL
)

// EncodeFrame encodes fr as a complete frame: header plus body.
func EncodeFrame(t FrameType, channel uint16, f frames.FrameBody) ([]byte, error) {
	buf := &buffer.Buffer{}
	if err := frames.Write(buf, frames.Frame{Type: t, Channel: channel, Body: f}); err != nil {
		return nil, err
	}
	return buf.Detach(), nil
}

func decodeFrame(b []byte) (frames.FrameBody, error) {
	if len(b) > 3 && b[0] == 'A' && b[1] == 'M' && b[2] == 'Q' && b[3] == 'P' {
		return &AMQPProto{}, nil
	}
	buf := buffer.New(b)
	header, err := frames.ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	bodySize := int64(header.Size - frames.HeaderSize)
	if bodySize == 0 {
		// keep alive frame
		return &KeepAlive{}, nil
	}
	// parse the frame
	b, ok := buf.Next(bodySize)
	if !ok {
		return nil, errors.New("invalid frame body")
	}
	return frames.ParseBody(buffer.New(b))
}
