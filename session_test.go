package amqp

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amqpio/amqp/internal/frames"
	"github.com/amqpio/amqp/internal/mocks"
)

func TestSessionOptions(t *testing.T) {
	tests := []struct {
		label  string
		opt    SessionOption
		verify func(t *testing.T, s *Session)
		fails  bool
	}{
		{
			label: "SessionIncomingWindow",
			opt:   SessionIncomingWindow(5000),
			verify: func(t *testing.T, s *Session) {
				if s.incomingWindow != 5000 {
					t.Errorf("unexpected incoming window %d", s.incomingWindow)
				}
			},
		},
		{
			label: "SessionOutgoingWindow",
			opt:   SessionOutgoingWindow(6000),
			verify: func(t *testing.T, s *Session) {
				if s.outgoingWindow != 6000 {
					t.Errorf("unexpected outgoing window %d", s.outgoingWindow)
				}
			},
		},
		{
			label: "SessionMaxLinksTooSmall",
			opt:   SessionMaxLinks(0),
			fails: true,
		},
		{
			label: "SessionMaxLinksTooLarge",
			opt:   SessionMaxLinks(math.MaxInt),
			fails: true,
		},
		{
			label: "SessionMaxLinks",
			opt:   SessionMaxLinks(4096),
			verify: func(t *testing.T, s *Session) {
				if s.handleMax != 4096-1 {
					t.Errorf("unexpected max links %d", s.handleMax)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			session := newSession(nil, 0)
			err := tt.opt(session)
			if err != nil && !tt.fails {
				t.Error(err)
			}
			if !tt.fails {
				tt.verify(t, session)
			}
		})
	}
}

func sessionFrameHandler(channelNum *uint16) func(frames.FrameBody) ([]byte, error) {
	return func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			b, err := mocks.PerformBegin(*channelNum)
			*channelNum++
			return b, err
		case *frames.PerformEnd:
			return mocks.PerformEnd(nil)
		case *frames.PerformClose:
			return mocks.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
}

func TestClientNewSession(t *testing.T) {
	const channelNum = 0
	const incomingWindow = 5000
	const outgoingWindow = 6000

	responder := func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			if tt.RemoteChannel != nil {
				return nil, fmt.Errorf("expected nil remote channel")
			}
			if tt.IncomingWindow != incomingWindow {
				return nil, fmt.Errorf("unexpected incoming window %d", tt.IncomingWindow)
			}
			if tt.OutgoingWindow != outgoingWindow {
				return nil, fmt.Errorf("unexpected outgoing window %d", tt.OutgoingWindow)
			}
			return mocks.PerformBegin(channelNum)
		case *frames.PerformClose:
			return mocks.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn)
	require.NoError(t, err)

	session, err := client.NewSession(SessionIncomingWindow(incomingWindow), SessionOutgoingWindow(outgoingWindow))
	require.NoError(t, err)
	require.NotNil(t, session)
	require.EqualValues(t, channelNum, session.channel)

	require.NoError(t, client.Close())

	// creating a session after the connection has been closed returns nothing
	session, err = client.NewSession()
	require.ErrorIs(t, err, ErrConnClosed)
	require.Nil(t, session)
}

func TestClientMultipleSessions(t *testing.T) {
	channelNum := uint16(0)
	netConn := mocks.NewNetConn(sessionFrameHandler(&channelNum))

	client, err := New(netConn)
	require.NoError(t, err)

	// first session
	session1, err := client.NewSession()
	require.NoError(t, err)
	require.NotNil(t, session1)
	require.EqualValues(t, channelNum-1, session1.channel)

	// second session
	session2, err := client.NewSession()
	require.NoError(t, err)
	require.NotNil(t, session2)
	require.EqualValues(t, channelNum-1, session2.channel)

	require.NoError(t, client.Close())
}

func TestClientTooManySessions(t *testing.T) {
	channelNum := uint16(0)
	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			// return small number of max channels
			return mocks.EncodeFrame(mocks.FrameAMQP, 0, &frames.PerformOpen{
				ChannelMax:   1,
				ContainerID:  "test",
				IdleTimeout:  time.Minute,
				MaxFrameSize: 4294967295,
			})
		case *frames.PerformBegin:
			b, err := mocks.PerformBegin(channelNum)
			channelNum++
			return b, err
		case *frames.PerformClose:
			return mocks.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn)
	require.NoError(t, err)

	for i := uint16(0); i < 3; i++ {
		session, err := client.NewSession()
		if i < 2 {
			require.NoError(t, err)
			require.NotNil(t, session)
		} else {
			// third channel should fail
			require.Error(t, err)
			require.Nil(t, session)
		}
	}

	require.NoError(t, client.Close())
}

func TestSessionCloseRoundTrip(t *testing.T) {
	channelNum := uint16(0)
	netConn := mocks.NewNetConn(sessionFrameHandler(&channelNum))

	client, err := New(netConn)
	require.NoError(t, err)

	session, err := client.NewSession()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, session.Close(ctx))

	// closing an ended session is a no-op
	require.NoError(t, session.Close(ctx))

	require.NoError(t, client.Close())
}

func TestSessionRemoteEnd(t *testing.T) {
	responder := func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformEnd:
			// swallow the session's End reply; the peer has already ended
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

	session, err := client.NewSession()
	require.NoError(t, err)

	// peer ends the session
	b, err := mocks.PerformEnd(nil)
	require.NoError(t, err)
	netConn.SendFrame(b)

	// the session winds down; Close completes without error
	require.Eventually(t, func() bool {
		select {
		case <-session.done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, session.Close(ctx))

	require.NoError(t, client.Close())
}
