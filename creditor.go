package amqp

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// manualCreditor tracks credits and drain requests for a receiver
// using manual credit management.
type manualCreditor struct {
	mu sync.Mutex

	// future values for the next flow frame.
	creditsToAdd uint32

	// drained is set when a drain is active and we're waiting
	// for the corresponding flow from the remote.  drainSent
	// records that the drain flow has already been transmitted.
	drained   chan struct{}
	drainSent bool
}

var (
	ErrLinkDraining    = errors.New("link is currently draining, no credits can be added")
	ErrAlreadyDraining = errors.New("drain already in process")
)

// EndDrain ends the current drain, unblocking any active Drain calls.
func (mc *manualCreditor) EndDrain() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.drained != nil {
		close(mc.drained)
		mc.drained = nil
		mc.drainSent = false
	}
}

// FlowBits gets the proper values for the next flow frame
// and resets the internal state.
//
// currentCredit is the credit the link currently holds; it is
// included in the flow's link-credit so outstanding credit
// survives a top-up.
func (mc *manualCreditor) FlowBits(currentCredit uint32) (bool, uint32) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	// only request the drain once per Drain call
	drain := mc.drained != nil && !mc.drainSent
	if drain {
		mc.drainSent = true
	}
	var credits uint32

	if mc.creditsToAdd > 0 {
		credits = mc.creditsToAdd + currentCredit
	}

	mc.creditsToAdd = 0

	return drain, credits
}

// Drain initiates a drain and blocks until EndDrain is called.
func (mc *manualCreditor) Drain(ctx context.Context, l *link) error {
	mc.mu.Lock()

	if mc.drained != nil {
		mc.mu.Unlock()
		return ErrAlreadyDraining
	}

	mc.drained = make(chan struct{})
	// use a local copy to avoid racing with EndDrain
	drained := mc.drained
	mc.mu.Unlock()

	// cause mux to check our flow conditions
	l.signalReady()

	// send drain, wait for responding flow frame
	select {
	case <-drained:
		return nil
	case <-l.detached:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddCredit queues up additional credits to be requested at the next
// call of FlowBits()
func (mc *manualCreditor) AddCredit(credits uint32) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.drained != nil {
		return ErrLinkDraining
	}

	mc.creditsToAdd += credits
	return nil
}
