package amqp

import (
	"crypto/tls"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/amqpio/amqp/internal/buffer"
	"github.com/amqpio/amqp/internal/debug"
	"github.com/amqpio/amqp/internal/encoding"
	"github.com/amqpio/amqp/internal/frames"
	"github.com/google/uuid"
)

// connection defaults
const (
	defaultIdleTimeout  = 1 * time.Minute
	defaultMaxFrameSize = 65536
	defaultChannelMax   = 65535
)

// ConnOption is a function for configuring an AMQP connection.
type ConnOption func(*conn) error

// ConnServerHostname sets the hostname sent in the AMQP
// Open frame and TLS ServerName (if not otherwise set).
//
// This is useful when the AMQP connection will be established
// via a pre-established TLS connection as the server may not
// know which hostname the client is attempting to connect to.
func ConnServerHostname(hostname string) ConnOption {
	return func(c *conn) error {
		c.hostname = hostname
		return nil
	}
}

// ConnTLS toggles TLS negotiation.
func ConnTLS(enable bool) ConnOption {
	return func(c *conn) error {
		c.tlsNegotiation = enable
		return nil
	}
}

// ConnTLSConfig sets the tls.Config to be used during
// TLS negotiation.
//
// This option is for advanced usage, in most scenarios
// providing a URL scheme of "amqps://" or ConnTLS(true)
// is sufficient.
func ConnTLSConfig(conf *tls.Config) ConnOption {
	return func(c *conn) error {
		c.tlsConfig = conf
		c.tlsNegotiation = true
		return nil
	}
}

// ConnIdleTimeout sets the idle timeout sent to the peer in Open.
// If no frame arrives from the peer within twice this period, the
// connection fails with amqp:resource-limit-exceeded.
//
// Resolution is milliseconds. A value of zero indicates no timeout.
// This setting is in addition to TCP keepalives.
func ConnIdleTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		if d < 0 {
			return errors.New("idle timeout cannot be negative")
		}
		c.idleTimeout = d
		return nil
	}
}

// ConnMaxFrameSize sets the maximum frame size that
// the connection will accept.
//
// Must be 512 or greater.
//
// Default: 65536.
func ConnMaxFrameSize(n uint32) ConnOption {
	return func(c *conn) error {
		if n < 512 {
			return errors.New("max frame size must be 512 or greater")
		}
		c.maxFrameSize = n
		return nil
	}
}

// ConnConnectTimeout configures how long to wait for the
// server during connection establishment.
//
// Once the connection has been established, ConnIdleTimeout
// applies. If duration is zero, no timeout will be applied.
//
// Default: 0.
func ConnConnectTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		c.connectTimeout = d
		return nil
	}
}

// ConnCloseTimeout configures how long Close() waits for the
// peer's Close frame before forcing the connection shut locally.
//
// Default: 5 seconds.
func ConnCloseTimeout(d time.Duration) ConnOption {
	return func(c *conn) error {
		c.closeTimeout = d
		return nil
	}
}

// ConnChannelMax sets the highest channel number (channel-max) sent
// in Open. Sessions use channels 0 through n; if the peer's Open
// carries a lower channel-max, that value applies instead.
func ConnChannelMax(n uint16) ConnOption {
	return func(c *conn) error {
		c.channelMax = n
		return nil
	}
}

// ConnContainerID sets the container-id to use when opening the connection.
//
// A container ID will be randomly generated if this option is not used.
func ConnContainerID(id string) ConnOption {
	return func(c *conn) error {
		c.containerID = id
		return nil
	}
}

// ConnProperty sets an entry in the connection properties map sent to the server.
//
// This option can be used multiple times.
func ConnProperty(key, value string) ConnOption {
	return func(c *conn) error {
		if key == "" {
			return errors.New("connection property key must not be empty")
		}
		if c.properties == nil {
			c.properties = make(map[encoding.Symbol]interface{})
		}
		c.properties[encoding.Symbol(key)] = value
		return nil
	}
}

// used to abstract the underlying dialer for testing purposes
type dialer interface {
	NetDialerDial(c *conn, host, port string) error
	TLSDialWithDialer(c *conn, host, port string) error
}

func connDialer(d dialer) ConnOption {
	return func(c *conn) error {
		c.dialer = d
		return nil
	}
}

type conn struct {
	net            net.Conn      // underlying connection
	connectTimeout time.Duration // time to wait for reads/writes during conn establishment
	closeTimeout   time.Duration // time to wait for the peer's Close frame when closing
	dialer         dialer        // used for testing purposes, it allows faking dialing TCP/TLS endpoints

	// TLS
	tlsNegotiation bool        // negotiate TLS
	tlsComplete    bool        // TLS negotiation complete
	tlsConfig      *tls.Config // TLS config, default used if nil (ServerName set to Client.hostname)

	// SASL
	saslHandlers map[encoding.Symbol]stateFunc // map of supported handlers keyed by SASL mechanism, SASL not negotiated if nil
	saslComplete bool                          // SASL negotiation complete

	// local settings
	maxFrameSize uint32                          // max frame size we accept
	channelMax   uint16                          // highest channel number we'll use
	hostname     string                          // hostname of remote server (set explicitly or parsed from URL)
	idleTimeout  time.Duration                   // maximum period between receiving frames
	properties   map[encoding.Symbol]interface{} // additional properties sent upon connection open
	containerID  string                          // set explicitly or randomly generated

	// peer settings
	peerIdleTimeout  time.Duration // maximum period between sending frames
	PeerMaxFrameSize uint32        // maximum frame size peer will accept

	// conn state
	errMu sync.Mutex // mux holds errMu from start until shutdown completes; operations are sequential before mux is started
	err   error      // error to be returned to client
	done  chan struct{}

	// close
	closeMux     chan struct{} // indicates that the mux should stop
	closeMuxOnce sync.Once

	// mux
	newSession chan newSessionResp // new Sessions are requested from mux by reading off this channel
	delSession chan *Session       // session completion is indicated to mux by sending the Session on this channel

	// connReader
	rxProto       chan protoHeader  // protoHeaders received by connReader
	rxFrame       chan frames.Frame // AMQP frames received by connReader
	rxDone        chan struct{}
	connReaderErr chan error // connReader notifications of an error

	// connWriter
	txFrame       chan frames.Frame // AMQP frames to be sent by connWriter
	txBuf         buffer.Buffer     // buffer for marshaling frames before transmitting
	txShutdown    chan struct{}     // stops connWriter during mux shutdown
	txDone        chan struct{}
	connWriterErr chan error // connWriter notifications of an error
}

type newSessionResp struct {
	session *Session
	err     error
}

// protoHeader in a structure appropriate for use with binary.Read()
type protoHeader struct {
	ProtoID  protoID
	Major    uint8
	Minor    uint8
	Revision uint8
}

// ProtoIDs
type protoID uint8

const (
	protoAMQP protoID = 0x0
	protoTLS  protoID = 0x2
	protoSASL protoID = 0x3
)

type defaultDialer struct{}

func (defaultDialer) NetDialerDial(c *conn, host, port string) (err error) {
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	c.net, err = dialer.Dial("tcp", net.JoinHostPort(host, port))
	return
}

func (defaultDialer) TLSDialWithDialer(c *conn, host, port string) (err error) {
	dialer := &net.Dialer{Timeout: c.connectTimeout}
	c.net, err = tls.DialWithDialer(dialer, "tcp", net.JoinHostPort(host, port), c.tlsConfig)
	return
}

func dialConn(addr string, opts ...ConnOption) (*conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "5672"
		if u.Scheme == "amqps" {
			port = "5671"
		}
	}

	var cp []ConnOption
	switch u.Scheme {
	case "amqp", "":
	case "amqps":
		cp = append(cp, ConnTLS(true))
	default:
		return nil, errors.Errorf("unsupported scheme %q", u.Scheme)
	}
	// append default options so user specified can overwrite
	cp = append(cp, ConnServerHostname(host))
	cp = append(cp, opts...)

	c, err := newConn(nil, cp...)
	if err != nil {
		return nil, err
	}

	// decode the user/pass segment of the URL, if any
	if u.User != nil {
		pass, _ := u.User.Password()
		err = ConnSASLPlain(u.User.Username(), pass)(c)
		if err != nil {
			return nil, err
		}
	}

	switch {
	case c.tlsNegotiation && !c.tlsComplete:
		err = c.dialer.TLSDialWithDialer(c, host, port)
	default:
		err = c.dialer.NetDialerDial(c, host, port)
	}
	if err != nil {
		return nil, err
	}

	err = c.start()
	return c, err
}

func newConn(netConn net.Conn, opts ...ConnOption) (*conn, error) {
	c := &conn{
		dialer:           defaultDialer{},
		net:              netConn,
		maxFrameSize:     defaultMaxFrameSize,
		PeerMaxFrameSize: defaultMaxFrameSize,
		channelMax:       defaultChannelMax,
		idleTimeout:      defaultIdleTimeout,
		closeTimeout:     5 * time.Second,
		containerID:      uuid.NewString(),
		done:             make(chan struct{}),
		closeMux:         make(chan struct{}),
		rxProto:          make(chan protoHeader),
		rxFrame:          make(chan frames.Frame),
		rxDone:           make(chan struct{}),
		connReaderErr:    make(chan error, 1), // buffered to ensure connReader doesn't leak
		newSession:       make(chan newSessionResp),
		delSession:       make(chan *Session),
		txFrame:          make(chan frames.Frame),
		txShutdown:       make(chan struct{}),
		txDone:           make(chan struct{}),
		connWriterErr:    make(chan error, 1), // buffered to ensure connWriter doesn't leak
	}

	// apply options
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *conn) initTLSConfig() {
	// create a new config if not already set
	if c.tlsConfig == nil {
		c.tlsConfig = new(tls.Config)
	}

	// TLS config must have ServerName or InsecureSkipVerify set
	if c.tlsConfig.ServerName == "" && !c.tlsConfig.InsecureSkipVerify {
		c.tlsConfig.ServerName = c.hostname
	}
}

// start establishes the connection and begins multiplexing network IO.
// It is an error to call Start() on a connection that's been closed.
func (c *conn) start() error {
	// TLS is negotiated before the reader starts so that the handshake
	// owns the connection exclusively
	if c.tlsNegotiation && !c.tlsComplete {
		if err := c.startTLS(); err != nil {
			c.err = err
			_ = c.net.Close()
			return err
		}
	}

	// start reader
	go c.connReader()

	// run connection establishment state machine
	for state := c.negotiateProto; state != nil; {
		state = state()
	}

	// check if err occurred
	if c.err != nil {
		// the mux was never started; shut down directly
		close(c.rxDone)
		_ = c.net.Close()
		close(c.done)
		return c.err
	}

	// start multiplexor and writer
	go c.mux()
	go c.connWriter()

	return nil
}

// Close requests an orderly shutdown and waits for it to complete.
// If the connection has already shut down, Close returns nil; the
// failure, if any, remains available from getErr.
func (c *conn) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}
	c.closeMuxOnce.Do(func() { close(c.closeMux) })
	err := c.getErr()
	<-c.done
	if err == ErrConnClosed {
		return nil
	}
	return err
}

// close should only be called by conn.mux.
func (c *conn) close() {
	close(c.rxDone)     // wake up reads registered against rxDone
	close(c.txShutdown) // stop the writer

	// wait for writing to stop
	<-c.txDone

	err := c.net.Close()
	switch {
	// conn.err already set
	case c.err != nil:

	// conn.err not set and c.net.Close() returned a non-nil error
	case err != nil:
		c.err = err

	// no errors
	default:
		c.err = ErrConnClosed
	}

	// rxDone was closed at the top of close(), so this receive does
	// not wait for connReader; connReader returns once its pending
	// Read fails on the closed net.Conn
	<-c.rxDone
}

// getErr returns conn.err.
//
// Must only be called after conn.done is closed.
func (c *conn) getErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// mux is started in it's own goroutine after initial connection establishment.
// It handles muxing of sessions, keepalives, and connection errors.
func (c *conn) mux() {
	var (
		// allocated channels
		channels = make(map[uint16]*Session)

		// create the next session to allocate
		nextChannel        = uint16(0)
		nextSession        = newSessionResp{session: newSession(c, nextChannel)}
		sessionsAwaitBegin []*Session

		// map channels to sessions by remote channel number
		sessionsByRemoteChannel = make(map[uint16]*Session)
	)

	// hold the errMu lock until error or done
	c.errMu.Lock()
	defer c.errMu.Unlock()
	defer close(c.done) // notify goroutines and blocked functions when conn.mux is done

	for {
		// check if last loop returned an error
		if c.err != nil {
			// stop the writer and reader before releasing
			// callers blocked on done
			c.close()
			return
		}

		select {
		// error from connReader
		case c.err = <-c.connReaderErr:

		// error from connWriter
		case c.err = <-c.connWriterErr:

		// new frame from connReader
		case fr := <-c.rxFrame:
			var (
				session *Session
				ok      bool
			)

			switch body := fr.Body.(type) {
			// Server initiated close.
			case *frames.PerformClose:
				if body.Error != nil {
					c.err = body.Error
				} else {
					c.err = ErrConnClosed
				}
				// send the close response and exit
				cls := &frames.PerformClose{}
				debug.Log(1, "TX (mux): %s", cls)
				select {
				case c.txFrame <- frames.Frame{Type: frames.TypeAMQP, Body: cls}:
				case err := <-c.connWriterErr:
					debug.Log(1, "connWriter error during close: %v", err)
				}
				continue

			// RemoteChannel should be used when frame is Begin
			case *frames.PerformBegin:
				if body.RemoteChannel != nil {
					session, ok = channels[*body.RemoteChannel]
				} else if len(sessionsAwaitBegin) > 0 {
					// peer did not echo our channel; pair the response
					// with the oldest session awaiting its begin
					session, ok = sessionsAwaitBegin[0], true
				}
				if !ok {
					break
				}
				session.remoteChannel = fr.Channel
				sessionsByRemoteChannel[fr.Channel] = session
				for i, as := range sessionsAwaitBegin {
					if as == session {
						sessionsAwaitBegin = append(sessionsAwaitBegin[:i], sessionsAwaitBegin[i+1:]...)
						break
					}
				}

			default:
				session, ok = sessionsByRemoteChannel[fr.Channel]
				if !ok && len(sessionsAwaitBegin) > 0 {
					// a session negotiation response of an unexpected
					// type; deliver it so NewSession can fail
					session, ok = sessionsAwaitBegin[0], true
					sessionsAwaitBegin = sessionsAwaitBegin[1:]
				}
			}

			if !ok {
				c.err = errors.Errorf("unexpected frame: %#v", fr.Body)
				continue
			}

			select {
			case session.rx <- fr:
			case <-c.closeMux:
				c.muxClose()
				return
			}

		// new session request
		//
		// Continually try to send the next session to the requester.
		// Doesn't block if the channel was assigned to prev request.
		case c.newSession <- nextSession:
			if nextSession.err != nil {
				continue
			}

			// save session into map
			ch := nextSession.session.channel
			channels[ch] = nextSession.session
			sessionsAwaitBegin = append(sessionsAwaitBegin, nextSession.session)

			// get next available channel
			next, ok := nextFreeChannel(channels, nextChannel, c.channelMax)
			if !ok {
				nextSession = newSessionResp{err: errors.Errorf("reached connection channel max (%d)", c.channelMax)}
				continue
			}

			// create the next session to send
			nextChannel = next
			nextSession = newSessionResp{session: newSession(c, nextChannel)}

		// session deletion
		case s := <-c.delSession:
			delete(channels, s.channel)
			delete(sessionsByRemoteChannel, s.remoteChannel)
			for i, as := range sessionsAwaitBegin {
				if as == s {
					sessionsAwaitBegin = append(sessionsAwaitBegin[:i], sessionsAwaitBegin[i+1:]...)
					break
				}
			}
			if nextSession.err != nil {
				// previously exhausted channels, retry allocation
				next, ok := nextFreeChannel(channels, 0, c.channelMax)
				if ok {
					nextChannel = next
					nextSession = newSessionResp{session: newSession(c, nextChannel)}
				}
			}

		// connection is complete
		case <-c.closeMux:
			c.muxClose()
			return
		}
	}
}

// muxClose performs a graceful shutdown: send the Close performative
// and wait for the peer's Close (or the close timeout) before tearing
// the connection down.  Must only be called by conn.mux.
func (c *conn) muxClose() {
	cls := &frames.PerformClose{}
	debug.Log(1, "TX (mux): %s", cls)
	select {
	case c.txFrame <- frames.Frame{Type: frames.TypeAMQP, Body: cls}:
	case c.err = <-c.connWriterErr:
		c.close()
		return
	}

	timeout := time.After(c.closeTimeout)
CloseLoop:
	for {
		select {
		case fr := <-c.rxFrame:
			if _, ok := fr.Body.(*frames.PerformClose); ok {
				break CloseLoop
			}
			// discard frames received after the close request
		case err := <-c.connReaderErr:
			debug.Log(1, "connReader error during close: %v", err)
			break CloseLoop
		case err := <-c.connWriterErr:
			debug.Log(1, "connWriter error during close: %v", err)
			break CloseLoop
		case <-timeout:
			// the peer never sent its Close; force a local shutdown
			debug.Log(1, "close timed out waiting for peer Close")
			break CloseLoop
		}
	}
	c.close()
}

// nextFreeChannel returns the smallest free channel number at or after
// hint, wrapping around once.
func nextFreeChannel(channels map[uint16]*Session, hint uint16, channelMax uint16) (uint16, bool) {
	if len(channels) > int(channelMax) {
		return 0, false
	}
	ch := hint
	for i := 0; i <= int(channelMax); i++ {
		if _, used := channels[ch]; !used {
			return ch, true
		}
		if ch == channelMax {
			ch = 0
		} else {
			ch++
		}
	}
	return 0, false
}

// connReader reads from the net.Conn, decodes frames, and passes them
// up via the conn.rxFrame and conn.rxProto channels.
func (c *conn) connReader() {
	buf := &buffer.Buffer{}

	var (
		negotiating     = true        // true during conn establishment, check for protoHeaders
		currentHeader   frames.Header // keep track of the current header, for frames split across multiple TCP packets
		frameInProgress bool          // true if in the middle of receiving data for currentHeader
	)

	for {
		switch {
		// Cheaply reuse free buffer space when fully read.
		case buf.Len() == 0:
			buf.Reset()

		// Prevent excessive/unbounded growth by shifting data to beginning of buffer.
		case uint32(buf.Size()) > c.maxFrameSize:
			buf.Reclaim()
		}

		// need to read more if buf doesn't contain the complete frame
		// or there's not enough in buf to parse the header
		if frameInProgress || buf.Len() < frames.HeaderSize {
			if c.idleTimeout > 0 {
				_ = c.net.SetReadDeadline(time.Now().Add(2 * c.idleTimeout))
			}
			err := buf.ReadFromOnce(c.net)
			if err != nil {
				debug.Log(1, "connReader error: %v", err)
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					// the peer has gone silent past twice our advertised
					// idle timeout; the connection is dead
					err = &encoding.Error{
						Condition:   ErrCondResourceLimitExceeded,
						Description: "remote idle timeout exceeded",
					}
				}
				select {
				// check if error was due to close in progress
				case <-c.rxDone:
					return
				// if there is a pending connReaderErr recv, send the error
				case c.connReaderErr <- err:
					return
				}
			}
		}

		// read more if buf doesn't contain enough to parse the header
		if buf.Len() < frames.HeaderSize {
			continue
		}

		// during negotiation, check for proto frames
		if negotiating && string(buf.Bytes()[:4]) == "AMQP" {
			p, err := parseProtoHeader(buf)
			if err != nil {
				select {
				case <-c.rxDone:
				case c.connReaderErr <- err:
				}
				return
			}

			// negotiation is complete once an AMQP proto frame is received
			if p.ProtoID == protoAMQP {
				negotiating = false
			}

			// send proto header
			select {
			case <-c.rxDone:
				return
			case c.rxProto <- p:
			}

			continue
		}

		// parse the header if a frame isn't in progress
		if !frameInProgress {
			var err error
			currentHeader, err = frames.ParseHeader(buf)
			if err != nil {
				select {
				case <-c.rxDone:
				case c.connReaderErr <- err:
				}
				return
			}
			frameInProgress = true
		}

		// check size is reasonable
		if currentHeader.Size > c.maxFrameSize {
			select {
			case <-c.rxDone:
			case c.connReaderErr <- errors.New("payload too large"):
			}
			return
		}

		bodySize := int64(currentHeader.Size - frames.HeaderSize)

		// the full frame hasn't been received, keep reading
		if int64(buf.Len()) < bodySize {
			continue
		}
		frameInProgress = false

		// check if body is empty (keepalive)
		if bodySize == 0 {
			debug.Log(3, "RX (connReader): received keep-alive frame")
			continue
		}

		// parse the frame
		b, _ := buf.Next(bodySize)
		parsedBody, err := frames.ParseBody(buffer.New(b))
		if err != nil {
			select {
			case <-c.rxDone:
			case c.connReaderErr <- err:
			}
			return
		}

		// send to mux
		select {
		case <-c.rxDone:
			return
		case c.rxFrame <- frames.Frame{Channel: currentHeader.Channel, Body: parsedBody}:
		}
	}
}

// connWriter marshals and writes frames queued by the mux and sessions,
// and sends keepalive frames at half the peer's idle timeout.
func (c *conn) connWriter() {
	defer close(c.txDone)

	// disable keepalives if peer doesn't require them
	var keepalives <-chan time.Time
	if kaInterval := c.peerIdleTimeout / 2; kaInterval > 0 {
		ticker := time.NewTicker(kaInterval)
		defer ticker.Stop()
		keepalives = ticker.C
	}

	var err error
	for {
		if err != nil {
			debug.Log(1, "connWriter error: %v", err)
			select {
			case c.connWriterErr <- err:
			case <-c.done:
			}
			return
		}

		select {
		// frame write request
		case fr := <-c.txFrame:
			err = c.writeFrame(fr)

		// keepalive timer
		case <-keepalives:
			debug.Log(3, "TX (connWriter): sending keep-alive frame")
			_, err = c.net.Write(keepaliveFrame)

		// connection complete
		case <-c.txShutdown:
			return
		}
	}
}

// writeFrame writes a frame to the network.
// used by connWriter, and directly by openAMQP and the SASL
// handlers during connection establishment.
func (c *conn) writeFrame(fr frames.Frame) error {
	if c.connectTimeout != 0 {
		_ = c.net.SetWriteDeadline(time.Now().Add(c.connectTimeout))
	}

	// writeFrame into txBuf
	c.txBuf.Reset()
	err := frames.Write(&c.txBuf, fr)
	if err != nil {
		return err
	}

	// validate the frame isn't exceeding peer's max frame size
	requiredFrameSize := c.txBuf.Len()
	if uint64(requiredFrameSize) > uint64(c.PeerMaxFrameSize) {
		return errors.Errorf("%T frame size %d larger than peer's max frame size %d", fr, requiredFrameSize, c.PeerMaxFrameSize)
	}

	// write to network
	_, err = c.net.Write(c.txBuf.Bytes())
	return err
}

// writeProtoHeader writes an AMQP protocol header to the
// network
func (c *conn) writeProtoHeader(pID protoID) error {
	if c.connectTimeout != 0 {
		_ = c.net.SetWriteDeadline(time.Now().Add(c.connectTimeout))
	}
	_, err := c.net.Write([]byte{'A', 'M', 'Q', 'P', byte(pID), 1, 0, 0})
	return err
}

// keepaliveFrame is an AMQP frame with no body, used for keepalives
var keepaliveFrame = []byte{0x00, 0x00, 0x00, 0x08, 0x02, 0x00, 0x00, 0x00}

// wantWriteFrame is used by sessions and links to send frame to
// connWriter.
func (c *conn) wantWriteFrame(fr frames.Frame) error {
	select {
	case c.txFrame <- fr:
		return nil
	case <-c.done:
		return c.getErr()
	}
}

// parseProtoHeader reads the proto header from r and returns the results
//
// An error is returned if the protocol is not "AMQP" or if the version is not 1.0.0.
func parseProtoHeader(r *buffer.Buffer) (protoHeader, error) {
	const protoHeaderSize = 8
	buf, ok := r.Next(protoHeaderSize)
	if !ok {
		return protoHeader{}, errors.New("invalid protoHeader")
	}
	_ = buf[7]

	if !(buf[0] == 'A' && buf[1] == 'M' && buf[2] == 'Q' && buf[3] == 'P') {
		return protoHeader{}, errors.Errorf("unexpected protocol %q", buf[:4])
	}

	p := protoHeader{
		ProtoID:  protoID(buf[4]),
		Major:    buf[5],
		Minor:    buf[6],
		Revision: buf[7],
	}

	if p.Major != 1 || p.Minor != 0 || p.Revision != 0 {
		return p, errors.Errorf("unexpected protocol version %d.%d.%d", p.Major, p.Minor, p.Revision)
	}
	return p, nil
}

// stateFunc is a state of the connection negotiation state machine.
//
// Returns the next state or nil if negotiation is complete.
type stateFunc func() stateFunc

// negotiateProto determines which proto to negotiate next.
// It's a state func for conn.start().
func (c *conn) negotiateProto() stateFunc {
	// TLS (if any) was negotiated before the reader started
	switch {
	case c.saslHandlers != nil && !c.saslComplete:
		return c.exchangeProtoHeader(protoSASL)
	default:
		return c.exchangeProtoHeader(protoAMQP)
	}
}

// exchangeProtoHeader performs the round trip exchange of protocol
// headers, validation, and returns the protoID specific next state.
func (c *conn) exchangeProtoHeader(pID protoID) stateFunc {
	// write the proto header
	c.err = c.writeProtoHeader(pID)
	if c.err != nil {
		return nil
	}

	// read response header
	p, err := c.readProtoHeader()
	if err != nil {
		c.err = err
		return nil
	}

	if pID != p.ProtoID {
		c.err = errors.Errorf("unexpected protocol header %#00x, expected %#00x", p.ProtoID, pID)
		return nil
	}

	// go to the proto specific state
	switch pID {
	case protoAMQP:
		return c.openAMQP
	case protoSASL:
		return c.negotiateSASL
	default:
		c.err = errors.Errorf("unknown protocol ID %#02x", p.ProtoID)
		return nil
	}
}

// readProtoHeader reads a protocol header packet from c.rxProto.
func (c *conn) readProtoHeader() (protoHeader, error) {
	var deadline <-chan time.Time
	if c.connectTimeout != 0 {
		deadline = time.After(c.connectTimeout)
	}
	var p protoHeader
	select {
	case p = <-c.rxProto:
		return p, nil
	case err := <-c.connReaderErr:
		return p, err
	case fr := <-c.rxFrame:
		return p, errors.Errorf("unexpected frame %#v", fr)
	case <-deadline:
		return p, ErrTimeout
	}
}

// startTLS wraps the conn with TLS, it must complete before the
// connReader is started.
func (c *conn) startTLS() error {
	c.initTLSConfig()

	tlsConn := tls.Client(c.net, c.tlsConfig)
	if c.connectTimeout != 0 {
		_ = tlsConn.SetWriteDeadline(time.Now().Add(c.connectTimeout))
		_ = tlsConn.SetReadDeadline(time.Now().Add(c.connectTimeout))
	}

	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	_ = tlsConn.SetWriteDeadline(time.Time{})
	_ = tlsConn.SetReadDeadline(time.Time{})

	c.net = tlsConn
	c.tlsComplete = true
	return nil
}

// openAMQP round trips the AMQP open performative
func (c *conn) openAMQP() stateFunc {
	// send open frame
	open := &frames.PerformOpen{
		ContainerID:  c.containerID,
		Hostname:     c.hostname,
		MaxFrameSize: c.maxFrameSize,
		ChannelMax:   c.channelMax,
		IdleTimeout:  c.idleTimeout,
		Properties:   c.properties,
	}
	debug.Log(1, "TX (openAMQP): %s", open)
	c.err = c.writeFrame(frames.Frame{
		Type:    frames.TypeAMQP,
		Body:    open,
		Channel: 0,
	})
	if c.err != nil {
		return nil
	}

	// get the response
	fr, err := c.readFrame()
	if err != nil {
		c.err = err
		return nil
	}
	o, ok := fr.Body.(*frames.PerformOpen)
	if !ok {
		c.err = errors.Errorf("unexpected frame type %T", fr.Body)
		return nil
	}
	debug.Log(1, "RX (openAMQP): %s", o)

	// update peer settings
	if o.MaxFrameSize > 0 {
		c.PeerMaxFrameSize = o.MaxFrameSize
	}
	if o.IdleTimeout > 0 {
		// TODO: reject very small idle timeouts
		c.peerIdleTimeout = o.IdleTimeout
	}
	if o.ChannelMax < c.channelMax {
		c.channelMax = o.ChannelMax
	}

	// connection established, exit state machine
	return nil
}

// readFrame is used during connection establishment to read a single
// frame.
//
// After setup, conn.mux handles incoming frames.
func (c *conn) readFrame() (frames.Frame, error) {
	var deadline <-chan time.Time
	if c.connectTimeout != 0 {
		deadline = time.After(c.connectTimeout)
	}

	var fr frames.Frame
	select {
	case fr = <-c.rxFrame:
		return fr, nil
	case err := <-c.connReaderErr:
		return fr, err
	case p := <-c.rxProto:
		return fr, errors.Errorf("unexpected protocol header %#v", p)
	case <-deadline:
		return fr, ErrTimeout
	}
}
