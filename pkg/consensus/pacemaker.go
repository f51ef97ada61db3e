package consensus

import (
	"context"
	"time"

	"github.com/bft-hotstuff/engine/pkg/util"
)

// PacemakerTimers bounds how long a replica waits for progress before
// re-checking whether it should propose. Per spec.md §1's Non-goals, this
// engine has no view-change protocol beyond what basic HotStuff needs for
// safety: the pacemaker here only drives "is it my turn yet" polling, not
// a leader-replacement vote.
type PacemakerTimers struct {
	ProposeTimeout time.Duration
	Delta          time.Duration
}

// Pacemaker tells the VM bridge's proposer loop when to re-check leadership,
// grounded on the teacher's pkg/consensus/pacemaker.go wake-channel idiom
// (viewAdvanceCh), generalized from "wait for the next view's prepare" to
// "wait for the next height's commit or a timeout."
type Pacemaker struct {
	timers PacemakerTimers
	clock  util.Clock

	advance chan uint64
}

func NewPacemaker(timers PacemakerTimers, clock util.Clock) *Pacemaker {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Pacemaker{timers: timers, clock: clock, advance: make(chan uint64, 16)}
}

// WaitForHeight blocks until SignalHeight reports a height at or above
// targetHeight (the core signals both new QCs and commits), until
// ProposeTimeout+Delta elapses, or until ctx is cancelled, whichever comes
// first.
func (p *Pacemaker) WaitForHeight(ctx context.Context, targetHeight uint64) {
	timeout := p.timers.ProposeTimeout + p.timers.Delta
	deadline := p.clock.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case h := <-p.advance:
			if h >= targetHeight {
				return
			}
		}
	}
}

// SignalHeight is called by the core whenever b_exec (or hqc) advances, so
// anyone waiting on WaitForHeight can recheck leadership promptly instead of
// waiting out the full timeout.
func (p *Pacemaker) SignalHeight(h uint64) {
	select {
	case p.advance <- h:
	default:
	}
}
