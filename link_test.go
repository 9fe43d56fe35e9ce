package amqp

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amqpio/amqp/internal/encoding"
	"github.com/amqpio/amqp/internal/frames"
	"github.com/amqpio/amqp/internal/mocks"
)

func TestLinkOptions(t *testing.T) {
	tests := []struct {
		label string
		opts  []LinkOption

		wantSource     *frames.Source
		wantProperties map[encoding.Symbol]interface{}
	}{
		{
			label:      "no options",
			wantSource: &frames.Source{},
		},
		{
			label: "link-filters",
			opts: []LinkOption{
				LinkSelectorFilter("amqp.annotation.x-opt-offset > '100'"),
				LinkProperty("x-opt-test1", "test1"),
				LinkProperty("x-opt-test2", "test2"),
				LinkProperty("x-opt-test1", "test3"),
				LinkPropertyInt64("x-opt-test4", 1),
				LinkPropertyInt32("x-opt-test5", 2),
				LinkSourceFilter("com.microsoft:session-filter", 0x00000137000000C, "123"),
			},

			wantSource: &frames.Source{
				Filter: encoding.Filter{
					"apache.org:selector-filter:string": {
						Descriptor: binary.BigEndian.Uint64([]byte{0x00, 0x00, 0x46, 0x8C, 0x00, 0x00, 0x00, 0x04}),
						Value:      "amqp.annotation.x-opt-offset > '100'",
					},
					"com.microsoft:session-filter": {
						Descriptor: binary.BigEndian.Uint64([]byte{0x00, 0x00, 0x00, 0x13, 0x70, 0x00, 0x00, 0x0C}),
						Value:      "123",
					},
				},
			},
			wantProperties: map[encoding.Symbol]interface{}{
				"x-opt-test1": "test3",
				"x-opt-test2": "test2",
				"x-opt-test4": int64(1),
				"x-opt-test5": int32(2),
			},
		},
		{
			label: "more-link-filters",
			opts: []LinkOption{
				LinkSourceFilter("com.microsoft:session-filter", 0x00000137000000C, nil),
			},

			wantSource: &frames.Source{
				Filter: encoding.Filter{
					"com.microsoft:session-filter": {
						Descriptor: binary.BigEndian.Uint64([]byte{0x00, 0x00, 0x00, 0x13, 0x70, 0x00, 0x00, 0x0C}),
						Value:      nil,
					},
				},
			},
		},
		{
			label: "link-source-capabilities",
			opts: []LinkOption{
				LinkSourceCapabilities("cap1", "cap2", "cap3"),
			},
			wantSource: &frames.Source{
				Capabilities: encoding.MultiSymbol{"cap1", "cap2", "cap3"},
			},
		},
		{
			label: "source-termini",
			opts: []LinkOption{
				LinkSourceDurability(DurabilityUnsettledState),
				LinkSourceExpiryPolicy(ExpiryLinkDetach),
			},
			wantSource: &frames.Source{
				Durable:      DurabilityUnsettledState,
				ExpiryPolicy: ExpiryLinkDetach,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := newLink(nil, nil, tt.opts)
			require.NoError(t, err)

			if !testEqual(got.source, tt.wantSource) {
				t.Errorf("source properties don't match expected:\n %s", testDiff(got.source, tt.wantSource))
			}

			if !testEqual(got.properties, tt.wantProperties) {
				t.Errorf("link properties don't match expected:\n %s", testDiff(got.properties, tt.wantProperties))
			}
		})
	}
}

func TestLinkOptionValidation(t *testing.T) {
	// receiver-only options fail on a sender link
	_, err := newLink(nil, nil, []LinkOption{LinkCredit(10)})
	require.Error(t, err)

	_, err = newLink(nil, nil, []LinkOption{LinkWithManualCredits()})
	require.Error(t, err)

	_, err = newLink(nil, nil, []LinkOption{LinkAutoAccept()})
	require.Error(t, err)

	// out of range settle modes
	_, err = newLink(nil, nil, []LinkOption{LinkSenderSettle(3)})
	require.Error(t, err)

	_, err = newLink(nil, nil, []LinkOption{LinkReceiverSettle(2)})
	require.Error(t, err)

	// empty property keys
	_, err = newLink(nil, nil, []LinkOption{LinkProperty("", "v")})
	require.Error(t, err)

	// bad expiry policy
	_, err = newLink(nil, nil, []LinkOption{LinkSourceExpiryPolicy("on-tuesdays")})
	require.Error(t, err)
}

func TestLinkName(t *testing.T) {
	const expectedName = "source-name"
	got, err := newLink(nil, nil, []LinkOption{LinkName(expectedName)})
	require.NoError(t, err)
	require.Equal(t, expectedName, got.key.name)

	// without LinkName a random name is assigned
	got, err = newLink(nil, nil, nil)
	require.NoError(t, err)
	require.NotEmpty(t, got.key.name)
}

func TestMuxFlowHandlesDrainProperly(t *testing.T) {
	l, err := newLink(newSession(nil, 0), &Receiver{}, nil)
	require.NoError(t, err)

	l.session.tx = make(chan frames.FrameBody, 100)
	l.linkCredit = 101

	// simulate what our 'drain' call to muxFlow would look like
	// when draining
	require.NoError(t, l.muxFlow(0, true))
	require.EqualValues(t, 101, l.linkCredit, "credits are untouched when draining")

	// when doing a non-drain flow we update the linkCredit to our new link credit total.
	require.NoError(t, l.muxFlow(501, false))
	require.EqualValues(t, 501, l.linkCredit, "credits are updated for non-drain flows")
}

func TestLinkDuplicateNameRejected(t *testing.T) {
	channelNum := uint16(0)
	responder := func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			b, err := mocks.PerformBegin(channelNum)
			channelNum++
			return b, err
		case *frames.PerformAttach:
			return mocks.SenderAttach(tt.Name, 0, ModeUnsettled)
		case *frames.PerformDetach:
			return mocks.PerformDetach(tt.Handle, nil)
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
	require.NoError(t, err)

	snd, err := session.NewSender(LinkName("dup"), LinkTargetAddress("q1"))
	require.NoError(t, err)
	require.NotNil(t, snd)

	// second sender with the same name and direction is rejected
	snd2, err := session.NewSender(LinkName("dup"), LinkTargetAddress("q1"))
	require.Error(t, err)
	require.Nil(t, snd2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, snd.Close(ctx))
	require.NoError(t, client.Close())
}

func TestLinkRemoteDetach(t *testing.T) {
	detachErr := &encoding.Error{
		Condition:   ErrCondDetachForced,
		Description: "administratively detached",
	}
	responder := func(req frames.FrameBody) ([]byte, error) {
		switch tt := req.(type) {
		case *mocks.AMQPProto:
			return []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, nil
		case *frames.PerformOpen:
			return mocks.PerformOpen("container")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		case *frames.PerformAttach:
			return mocks.SenderAttach(tt.Name, 0, ModeUnsettled)
		case *frames.PerformDetach:
			return nil, nil
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
	require.NoError(t, err)

	snd, err := session.NewSender(LinkTargetAddress("q1"))
	require.NoError(t, err)

	// peer detaches the link with an error
	b, err := mocks.PerformDetach(0, detachErr)
	require.NoError(t, err)
	netConn.SendFrame(b)

	require.Eventually(t, func() bool {
		select {
		case <-snd.link.detached:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// sends fail with the detach error
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = snd.Send(ctx, NewMessage([]byte("x")))
	var de *DetachError
	require.ErrorAs(t, err, &de)
	require.Equal(t, ErrCondDetachForced, de.RemoteError.Condition)

	require.NoError(t, client.Close())
}
