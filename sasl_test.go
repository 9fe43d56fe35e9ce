package amqp

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/amqpio/amqp/internal/encoding"
	"github.com/amqpio/amqp/internal/frames"
	"github.com/amqpio/amqp/internal/mocks"
)

// saslResponder negotiates SASL before the AMQP open exchange.
func saslResponder(t *testing.T, mechanisms encoding.MultiSymbol, outcome frames.SASLCode, onInit func(*frames.SASLInit) error) func(frames.FrameBody) ([]byte, error) {
	t.Helper()
	sawSASLHeader := false
	return func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			if !sawSASLHeader {
				// respond to the SASL protocol header with our header
				// plus the server mechanisms
				sawSASLHeader = true
				header, err := mocks.ProtoHeader(mocks.ProtoSASL)
				if err != nil {
					return nil, err
				}
				mechs, err := mocks.EncodeFrame(mocks.FrameSASL, 0, &frames.SASLMechanisms{
					Mechanisms: mechanisms,
				})
				if err != nil {
					return nil, err
				}
				return append(header, mechs...), nil
			}
			// the post-SASL AMQP protocol header
			return mocks.ProtoHeader(mocks.ProtoAMQP)
		case *frames.SASLInit:
			if err := onInit(tt); err != nil {
				return nil, err
			}
			return mocks.EncodeFrame(mocks.FrameSASL, 0, &frames.SASLOutcome{Code: outcome})
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformClose:
			return mocks.PerformClose(nil)
		default:
			return nil, fmt.Errorf("unhandled frame %T", req)
		}
	}
}

func TestConnSASLPlain(t *testing.T) {
	var gotInit *frames.SASLInit
	responder := saslResponder(t, encoding.MultiSymbol{"PLAIN", "ANONYMOUS"}, frames.CodeSASLOK, func(init *frames.SASLInit) error {
		gotInit = init
		return nil
	})
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn, ConnSASLPlain("gopher", "hunter2"))
	require.NoError(t, err)

	require.NotNil(t, gotInit)
	require.EqualValues(t, "PLAIN", gotInit.Mechanism)
	require.Equal(t, []byte("\x00gopher\x00hunter2"), gotInit.InitialResponse)

	require.NoError(t, client.Close())
}

func TestConnSASLAnonymous(t *testing.T) {
	var gotInit *frames.SASLInit
	responder := saslResponder(t, encoding.MultiSymbol{"ANONYMOUS"}, frames.CodeSASLOK, func(init *frames.SASLInit) error {
		gotInit = init
		return nil
	})
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn, ConnSASLAnonymous())
	require.NoError(t, err)

	require.NotNil(t, gotInit)
	require.EqualValues(t, "ANONYMOUS", gotInit.Mechanism)

	require.NoError(t, client.Close())
}

func TestConnSASLAuthFailure(t *testing.T) {
	responder := saslResponder(t, encoding.MultiSymbol{"PLAIN"}, frames.CodeSASLAuth, func(*frames.SASLInit) error {
		return nil
	})
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn, ConnSASLPlain("gopher", "wrong"))
	require.Error(t, err)
	require.Nil(t, client)
}

func TestConnSASLNoMatchingMechanism(t *testing.T) {
	responder := saslResponder(t, encoding.MultiSymbol{"EXTERNAL"}, frames.CodeSASLOK, func(*frames.SASLInit) error {
		return nil
	})
	netConn := mocks.NewNetConn(responder)

	client, err := New(netConn, ConnSASLPlain("gopher", "hunter2"))
	require.Error(t, err)
	require.Nil(t, client)
}
