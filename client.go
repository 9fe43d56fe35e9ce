package amqp

import (
	"net"

	"github.com/pkg/errors"

	"github.com/amqpio/amqp/internal/debug"
	"github.com/amqpio/amqp/internal/frames"
)

// Client is an AMQP client connection.
type Client struct {
	conn *conn
}

// Dial connects to an AMQP server.
//
// If the addr includes a scheme, it must be "amqp" or "amqps".
// If no port is provided, 5672 will be used for "amqp" and 5671 for "amqps".
//
// If username and password information is not empty it's used as SASL
// credentials, otherwise SASL is not negotiated unless a ConnSASL*
// option is provided.
func Dial(addr string, opts ...ConnOption) (*Client, error) {
	c, err := dialConn(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// New establishes an AMQP client connection over conn.
func New(conn net.Conn, opts ...ConnOption) (*Client, error) {
	c, err := newConn(conn, opts...)
	if err != nil {
		return nil, err
	}
	err = c.start()
	if err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// Close disconnects the connection.
//
// Closing an already-closed or failed connection is a no-op; the
// original failure remains available from the in-flight operations
// it failed.
func (c *Client) Close() error {
	return c.conn.Close()
}

// NewSession opens a new AMQP session to the server.
func (c *Client) NewSession(opts ...SessionOption) (*Session, error) {
	// get a session allocated by Client.mux
	var sResp newSessionResp
	select {
	case <-c.conn.done:
		return nil, c.conn.getErr()
	case sResp = <-c.conn.newSession:
	}

	if sResp.err != nil {
		return nil, sResp.err
	}
	s := sResp.session

	for _, opt := range opts {
		err := opt(s)
		if err != nil {
			// deallocate session on error
			s.deallocate()
			return nil, err
		}
	}

	// send Begin to server
	begin := &frames.PerformBegin{
		NextOutgoingID: 0,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	debug.Log(1, "TX (NewSession): %s", begin)
	err := s.txFrame(begin)
	if err != nil {
		s.deallocate()
		return nil, err
	}

	// wait for response
	var fr frames.Frame
	select {
	case <-c.conn.done:
		return nil, c.conn.getErr()
	case fr = <-s.rx:
	}

	beginResp, ok := fr.Body.(*frames.PerformBegin)
	if !ok {
		// conn.mux hands a frame of an unexpected type that arrives on a
		// channel with no session to the oldest session still awaiting its
		// Begin, so a non-Begin response to our Begin ends up here.
		s.deallocate()
		return nil, errors.Errorf("unexpected begin response: %+v", fr.Body)
	}
	debug.Log(1, "RX (NewSession): %s", beginResp)

	if beginResp.RemoteChannel == nil {
		s.deallocate()
		return nil, errors.New("begin response did not set remote channel")
	}

	// start Session multiplexor
	go s.mux(beginResp)

	return s, nil
}
