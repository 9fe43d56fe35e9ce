package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreditorFlowBits(t *testing.T) {
	mc := &manualCreditor{}

	// nothing pending
	drain, credits := mc.FlowBits(0)
	require.False(t, drain)
	require.Zero(t, credits)

	// queued credits are added to the current credit
	require.NoError(t, mc.AddCredit(3))
	require.NoError(t, mc.AddCredit(2))
	drain, credits = mc.FlowBits(10)
	require.False(t, drain)
	require.EqualValues(t, 15, credits)

	// and reset once consumed
	drain, credits = mc.FlowBits(10)
	require.False(t, drain)
	require.Zero(t, credits)
}

func TestCreditorDrain(t *testing.T) {
	mc := &manualCreditor{}
	l := &link{
		detached:      make(chan struct{}),
		receiverReady: make(chan struct{}, 1),
	}

	drainDone := make(chan error, 1)
	go func() {
		drainDone <- mc.Drain(context.Background(), l)
	}()

	// wait for the drain to register, then no credits can be added
	require.Eventually(t, func() bool {
		return mc.AddCredit(1) == ErrLinkDraining
	}, time.Second, 10*time.Millisecond)

	// the drain flag is issued exactly once
	drain, _ := mc.FlowBits(5)
	require.True(t, drain)
	drain, _ = mc.FlowBits(5)
	require.False(t, drain)

	// a second drain while one is active fails
	require.Equal(t, ErrAlreadyDraining, mc.Drain(context.Background(), l))

	mc.EndDrain()
	require.NoError(t, <-drainDone)

	// credits can be added again
	require.NoError(t, mc.AddCredit(1))
}

func TestCreditorDrainRespectsContext(t *testing.T) {
	mc := &manualCreditor{}
	l := &link{
		detached:      make(chan struct{}),
		receiverReady: make(chan struct{}, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, mc.Drain(ctx, l), context.Canceled)
}
