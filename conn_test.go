package amqp

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/amqpio/amqp/internal/encoding"
	"github.com/amqpio/amqp/internal/frames"
	"github.com/amqpio/amqp/internal/mocks"
)

type mockDialer struct {
	resp func(frames.FrameBody) ([]byte, error)
}

func (m mockDialer) NetDialerDial(c *conn, host, port string) error {
	c.net = mocks.NewNetConn(m.resp)
	return nil
}

func (mockDialer) TLSDialWithDialer(c *conn, host, port string) error {
	panic("nyi")
}

// standardFrameHandler responds to the basic connection lifecycle frames.
func standardFrameHandler(req frames.FrameBody) ([]byte, error) {
	switch req.(type) {
	case *mocks.AMQPProto:
		return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
	case *frames.PerformOpen:
		return mocks.PerformOpen("container")
	case *frames.PerformClose:
		return mocks.PerformClose(nil)
	case *mocks.KeepAlive:
		return nil, nil
	default:
		return nil, fmt.Errorf("unhandled frame %T", req)
	}
}

func TestClientDial(t *testing.T) {
	client, err := Dial("amqp://localhost", connDialer(mockDialer{resp: standardFrameHandler}))
	require.NoError(t, err)
	require.NotNil(t, client)

	// error case
	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return nil, errors.New("mock read failed")
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	client, err = Dial("amqp://localhost", connDialer(mockDialer{resp: responder}))
	require.Error(t, err)
	require.Nil(t, client)
}

func TestClientClose(t *testing.T) {
	defer leaktest.Check(t)()

	client, err := Dial("amqp://localhost", connDialer(mockDialer{resp: standardFrameHandler}))
	require.NoError(t, err)
	require.NotNil(t, client)

	// open/close round trip; both the close and the repeated close
	// complete successfully
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}

func TestClientCloseRemoteInitiated(t *testing.T) {
	netConn := mocks.NewNetConn(standardFrameHandler)

	client, err := New(netConn)
	require.NoError(t, err)

	// peer closes the connection with an error
	b, err := mocks.PerformClose(&encoding.Error{
		Condition:   ErrCondConnectionForced,
		Description: "servers gonna server",
	})
	require.NoError(t, err)
	netConn.SendFrame(b)

	// the failure surfaces through new operations
	require.Eventually(t, func() bool {
		_, err := client.NewSession()
		var amqpErr *Error
		return errors.As(err, &amqpErr) && amqpErr.Condition == ErrCondConnectionForced
	}, time.Second, 10*time.Millisecond)

	// closing a failed connection still completes
	require.NoError(t, client.Close())

	// and the original failure is still reported by operations
	_, err = client.NewSession()
	var amqpErr *Error
	require.True(t, errors.As(err, &amqpErr))
	require.Equal(t, ErrCondConnectionForced, amqpErr.Condition)
}

func TestClientIdleTimeout(t *testing.T) {
	// the peer advertises a 1s idle timeout; we must emit keepalives
	// at least every 500ms
	var keepAlives int
	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformOpen{
				ContainerID: "container",
				IdleTimeout: time.Second,
			})
		case *mocks.KeepAlive:
			keepAlives++
			return nil, nil
		case *frames.PerformClose:
			return mocks.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn)
	require.NoError(t, err)

	time.Sleep(1200 * time.Millisecond)
	require.NoError(t, client.Close())
	require.GreaterOrEqual(t, keepAlives, 2)
}

func TestClientIdleTimeoutExpired(t *testing.T) {
	// local idle timeout of 100ms; the peer goes silent, so the
	// connection must fail with amqp:resource-limit-exceeded within
	// twice that. The Begin is swallowed so that no frame arrives
	responder := func(req frames.FrameBody) ([]byte, error) {
		if _, ok := req.(*frames.PerformBegin); ok {
			return nil, nil
		}
		return standardFrameHandler(req)
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn, ConnIdleTimeout(100*time.Millisecond))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := client.NewSession()
		var amqpErr *Error
		return errors.As(err, &amqpErr) && amqpErr.Condition == ErrCondResourceLimitExceeded
	}, time.Second, 10*time.Millisecond)
}

func TestClientKeepAliveResetsIdleClock(t *testing.T) {
	responder := func(req frames.FrameBody) ([]byte, error) {
		if _, ok := req.(*frames.PerformBegin); ok {
			return mocks.PerformBegin(0)
		}
		return standardFrameHandler(req)
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn, ConnIdleTimeout(150*time.Millisecond))
	require.NoError(t, err)

	// keepalive (empty) frames from the peer keep the connection alive
	for i := 0; i < 5; i++ {
		time.Sleep(100 * time.Millisecond)
		netConn.SendKeepAlive()
	}

	session, err := client.NewSession(SessionIncomingWindow(100))
	require.NoError(t, err)
	require.NotNil(t, session)

	_ = client.Close()
}

func TestClientConnMaxFrameSizeValidation(t *testing.T) {
	_, err := newConn(nil, ConnMaxFrameSize(128))
	require.Error(t, err)

	_, err = newConn(nil, ConnIdleTimeout(-1))
	require.Error(t, err)
}

func TestClientConnTLSEnablesNegotiation(t *testing.T) {
	// ConnTLS(true) turns on TLS negotiation
	c, err := newConn(nil, ConnTLS(true))
	require.NoError(t, err)
	require.True(t, c.tlsNegotiation)
}

func TestClientNewSessionMissingRemoteChannel(t *testing.T) {
	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			// return begin with nil RemoteChannel
			return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformBegin{
				NextOutgoingID: 1,
				IncomingWindow: 5000,
				OutgoingWindow: 1000,
				HandleMax:      512,
			})
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
	require.Error(t, err)
	require.Nil(t, session)

	require.NoError(t, client.Close())
}

func TestClientNewSessionInvalidInitialResponse(t *testing.T) {
	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			// respond with the wrong frame type
			return mocks.ReceiverAttach("wrong", 0, ModeFirst)
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
	require.Error(t, err)
	require.Nil(t, session)
}
