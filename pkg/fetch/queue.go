package fetch

import (
	"sync"

	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// PeerQueue is one peer's mutually-exclusive queue of outstanding
// RequestContexts. Guarded by its own mutex because both the registry
// (enqueue) and the peer's fetch worker (drain) touch it concurrently, per
// spec.md §4.3.
type PeerQueue struct {
	mu      sync.Mutex
	pending []*RequestContext
	wake    chan struct{}
}

func newPeerQueue() *PeerQueue {
	return &PeerQueue{wake: make(chan struct{}, 1)}
}

func (q *PeerQueue) enqueue(ctx *RequestContext) {
	q.mu.Lock()
	q.pending = append(q.pending, ctx)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Wake is the channel a fetch worker selects on to learn new work arrived.
func (q *PeerQueue) Wake() <-chan struct{} { return q.wake }

// Drain empties the queue and returns the hashes of the contexts not yet
// received, per spec.md §4.3; already-received contexts are dropped. A
// drained hash is asked for again only if Requeue puts it back.
func (q *PeerQueue) Drain() []crypto.Hash {
	q.mu.Lock()
	defer q.mu.Unlock()

	var hashes []crypto.Hash
	for _, ctx := range q.pending {
		if ctx.received {
			continue
		}
		hashes = append(hashes, ctx.Hash)
	}
	q.pending = nil
	return hashes
}

// Requeue appends the still-outstanding contexts back to the end of the
// queue, used after a failed
// RPC attempt (spec.md §4.3/§7: TransportFailure retries without loss).
func (q *PeerQueue) Requeue(hashes []crypto.Hash, lookup func(crypto.Hash) (*RequestContext, bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, h := range hashes {
		ctx, ok := lookup(h)
		if !ok || ctx.received {
			continue
		}
		q.pending = append(q.pending, ctx)
	}
}
