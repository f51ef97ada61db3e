// Package fetch implements the block fetch subsystem of spec.md §4.3: a
// request registry tracking missing blocks and the events parked on them,
// per-peer send queues, background fetch workers, and a fetch server that
// answers peers' batched requests from memory.
//
// Grounded on the teacher's reactive, channel-signalled worker idiom
// (pkg/consensus/pacemaker.go's viewAdvanceCh, pkg/p2p/libp2pnet.go's
// voteArrivedCh/CollectVotes) and its per-peer-mutex discipline.
package fetch

import (
	"sync"

	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// RequestContext tracks one missing block: whether it has arrived, which
// peers have already been asked, and the events parked on its arrival. Per
// spec.md §3, created on first miss and destroyed once the block is
// delivered and its pending events are released.
type RequestContext struct {
	Hash     crypto.Hash
	received bool
	asked    map[crypto.ReplicaID]bool
	pending  []any // parked netevent.NetEvent values; see package doc
}

func newRequestContext(h crypto.Hash) *RequestContext {
	return &RequestContext{Hash: h, asked: make(map[crypto.ReplicaID]bool)}
}

// Registry is the owner of all outstanding RequestContexts, per spec.md §4.3.
// AddFetchRequest and Deliver run on the single Network Event worker thread;
// fetch workers also call Queue and Lookup from their own goroutines, so the
// mutex guards those concurrent accesses.
type Registry struct {
	mu       sync.Mutex
	contexts map[crypto.Hash]*RequestContext
	queues   map[crypto.ReplicaID]*PeerQueue
	valid    func(crypto.ReplicaID) bool
}

// NewRegistry builds an empty registry. validPeer reports whether a replica
// id names a real member of the replica set; per spec.md §9, requests to
// invalid peers are dropped, not enqueued.
func NewRegistry(validPeer func(crypto.ReplicaID) bool) *Registry {
	return &Registry{
		contexts: make(map[crypto.Hash]*RequestContext),
		queues:   make(map[crypto.ReplicaID]*PeerQueue),
		valid:    validPeer,
	}
}

// Queue returns (creating if needed) the send queue for a peer.
func (r *Registry) Queue(peer crypto.ReplicaID) *PeerQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queueLocked(peer)
}

func (r *Registry) queueLocked(peer crypto.ReplicaID) *PeerQueue {
	q, ok := r.queues[peer]
	if !ok {
		q = newPeerQueue()
		r.queues[peer] = q
	}
	return q
}

// AddFetchRequest registers interest in hash, to be asked of targetPeer, with
// dependentEvent parked until the block arrives. Per spec.md §4.3: if no
// context exists for hash, one is created; dependentEvent is always appended
// to that single context's pending list (never duplicated across two
// contexts, addressing the transcription defect noted in spec.md §9); if
// targetPeer has not yet been asked for this hash, the context is enqueued
// on that peer's queue and the peer is marked asked. Requests naming an
// invalid peer are dropped entirely.
func (r *Registry) AddFetchRequest(hash crypto.Hash, targetPeer crypto.ReplicaID, dependentEvent any) {
	if r.valid != nil && !r.valid(targetPeer) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, ok := r.contexts[hash]
	if !ok {
		ctx = newRequestContext(hash)
		r.contexts[hash] = ctx
	}
	if dependentEvent != nil {
		ctx.pending = append(ctx.pending, dependentEvent)
	}
	if !ctx.asked[targetPeer] {
		ctx.asked[targetPeer] = true
		r.queueLocked(targetPeer).enqueue(ctx)
	}
}

// Deliver marks hash as received, removes its context from the registry, and
// returns the events that were parked on it so the caller can replay them.
// Returns ok=false if no context was outstanding for hash (e.g. the block
// arrived unsolicited).
func (r *Registry) Deliver(hash crypto.Hash) (pending []any, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, exists := r.contexts[hash]
	if !exists {
		return nil, false
	}
	ctx.received = true
	delete(r.contexts, hash)
	return ctx.pending, true
}

// Lookup returns the outstanding context for hash, if any. Used by fetch
// workers to requeue hashes whose contexts are still live after a failed
// send.
func (r *Registry) Lookup(hash crypto.Hash) (*RequestContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.contexts[hash]
	return ctx, ok
}

// HasOutstandingRequest reports whether hash is currently being awaited.
func (r *Registry) HasOutstandingRequest(hash crypto.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.contexts[hash]
	return ok
}
