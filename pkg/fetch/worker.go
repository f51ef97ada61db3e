package fetch

import (
	"context"
	"time"

	"github.com/bft-hotstuff/engine/pkg/crypto"
	"github.com/bft-hotstuff/engine/pkg/util"
	"go.uber.org/zap"
)

// Transport is the outbound side of the fetch subsystem: send a batched
// request for hashes to peer and expect, eventually, that the blocks arrive
// through the normal Network Event Pipeline as BlockReceive events (not as a
// direct return value here). Per spec.md §4.3, a failed send is retried with
// backoff rather than surfaced as a hard error.
type Transport interface {
	RequestBlocks(ctx context.Context, peer crypto.ReplicaID, hashes []crypto.Hash) error
}

const (
	minBackoff = 200 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// Worker drives one peer's PeerQueue: whenever it wakes, it drains the queue
// and asks the transport to fetch whatever is still outstanding, backing off
// on repeated failure. Grounded on the teacher's pacemaker.go goroutine loop
// (select on a wake channel plus a timer) and CollectVotes's per-peer retry
// discipline in pkg/p2p/libp2pnet.go.
type Worker struct {
	peer      crypto.ReplicaID
	registry  *Registry
	queue     *PeerQueue
	transport Transport
	clock     util.Clock
	logger    *zap.SugaredLogger
}

// NewWorker builds the worker for peer, pulling its send queue out of
// registry. registry and the worker pool are always constructed together by
// the node's wiring code.
func NewWorker(peer crypto.ReplicaID, registry *Registry, transport Transport, clock util.Clock, logger *zap.SugaredLogger) *Worker {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Worker{peer: peer, registry: registry, queue: registry.Queue(peer), transport: transport, clock: clock, logger: logger}
}

// Run drains and ships requests until ctx is cancelled. One goroutine per
// peer, matching the "per-peer fetch worker" row of spec.md §5's thread
// table.
func (w *Worker) Run(ctx context.Context) {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.queue.Wake():
		}

		for {
			hashes := w.queue.Drain()
			if len(hashes) == 0 {
				backoff = minBackoff
				break
			}
			if err := w.transport.RequestBlocks(ctx, w.peer, hashes); err != nil {
				if w.logger != nil {
					w.logger.Debugw("fetch_request_failed", "peer", w.peer, "err", err, "backoff", backoff)
				}
				// Not delivered: give the contexts another chance on the
				// next drain instead of losing them.
				w.queue.Requeue(hashes, w.registry.Lookup)
				select {
				case <-ctx.Done():
					return
				case <-w.clock.After(backoff):
				}
				backoff = nextBackoff(backoff)
				continue
			}
			backoff = minBackoff
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
