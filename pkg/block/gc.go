package block

import (
	"context"
	"sync"

	"github.com/bft-hotstuff/engine/pkg/crypto"
	"go.uber.org/zap"
)

// GC is the background garbage collector consuming an enqueue-buffer of
// candidate blocks plus the most recent "gc up to this height" trigger, per
// spec.md §4.2. The wake channel is the same buffered-signal idiom the
// teacher uses for its reactive worker queues (pkg/consensus/pacemaker.go's
// viewAdvanceCh, pkg/p2p/libp2pnet.go's voteArrivedCh): a single slot is
// enough because the worker always re-reads the latest accumulated state
// once woken.
type GC struct {
	store *Store

	mu            sync.Mutex
	pending       []crypto.Hash
	triggerHeight uint64

	wake   chan struct{}
	logger *zap.SugaredLogger
}

func NewGC(store *Store, logger *zap.SugaredLogger) *GC {
	return &GC{
		store:  store,
		wake:   make(chan struct{}, 1),
		logger: logger,
	}
}

// Enqueue buffers a block as a GC candidate; it is evicted once the trigger
// height passes its height.
func (g *GC) Enqueue(h crypto.Hash) {
	g.mu.Lock()
	g.pending = append(g.pending, h)
	g.mu.Unlock()
	g.signal()
}

// InvokeGC raises the trigger height (monotonically) and wakes the worker.
// Called by the consensus core after every commit, with the new b_exec
// height, per spec.md §4.5.
func (g *GC) InvokeGC(triggerHeight uint64) {
	g.mu.Lock()
	if triggerHeight > g.triggerHeight {
		g.triggerHeight = triggerHeight
	}
	g.mu.Unlock()
	g.signal()
}

func (g *GC) signal() {
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// Run processes wake-ups until ctx is cancelled. One dedicated goroutine per
// process, matching the "GC worker" row of spec.md §5's thread table.
func (g *GC) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.wake:
			g.sweep()
		}
	}
}

func (g *GC) sweep() {
	g.mu.Lock()
	pending := g.pending
	g.pending = nil
	trigger := g.triggerHeight
	g.mu.Unlock()

	var keep []crypto.Hash
	evicted := 0
	for _, h := range pending {
		b, ok := g.store.peek(h)
		if !ok {
			continue // already gone
		}
		if b.Height() < trigger {
			g.store.evict(h)
			evicted++
		} else {
			keep = append(keep, h)
		}
	}

	if len(keep) > 0 {
		g.mu.Lock()
		g.pending = append(keep, g.pending...)
		g.mu.Unlock()
	}
	if evicted > 0 && g.logger != nil {
		g.logger.Debugw("gc_swept", "evicted", evicted, "trigger_height", trigger, "remaining", len(keep))
	}
}
