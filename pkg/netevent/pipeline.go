package netevent

import (
	"context"
	"errors"

	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/consensus"
	"github.com/bft-hotstuff/engine/pkg/crypto"
	"github.com/bft-hotstuff/engine/pkg/fetch"
	"go.uber.org/zap"
)

// Core is the subset of the consensus core the pipeline forwards validated
// events to. Declared here rather than imported as *consensus.Core so this
// package's tests can substitute a fake.
type Core interface {
	OnReceiveProposal(ctx context.Context, blk *block.Block, proposer crypto.ReplicaID) error
	OnReceiveVote(pc crypto.PartialCertificate, certifiedBlock *block.Block, voter crypto.ReplicaID) error
}

// Store is the subset of block.Store the pipeline needs.
type Store interface {
	Insert(b *block.Block) (*block.Block, error)
	Get(h crypto.Hash) (*block.Block, bool)
}

// Pipeline is the single-worker-thread event processor of spec.md §4.4. It
// owns no lock of its own: serialization comes from being driven by exactly
// one goroutine (Run), matching the "Network event worker" row of
// spec.md §5's thread table.
type Pipeline struct {
	store    Store
	registry *fetch.Registry
	core     Core
	logger   *zap.SugaredLogger

	inbox chan NetEvent
}

func NewPipeline(store Store, registry *fetch.Registry, core Core, logger *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		store:    store,
		registry: registry,
		core:     core,
		logger:   logger,
		inbox:    make(chan NetEvent, 256),
	}
}

// Submit enqueues an inbound event for processing. Safe to call from any
// goroutine (network receive loops, fetch workers delivering BlockReceive).
func (p *Pipeline) Submit(ev NetEvent) {
	p.inbox <- ev
}

// Run processes events until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.inbox:
			p.handle(ctx, ev)
		}
	}
}

func (p *Pipeline) handle(ctx context.Context, ev NetEvent) {
	switch e := ev.(type) {
	case Vote:
		p.handleVote(ctx, e)
	case Proposal:
		p.handleProposal(ctx, e)
	case BlockReceive:
		p.handleBlockReceive(ctx, e)
	default:
		if p.logger != nil {
			p.logger.Debugw("netevent_unknown_variant")
		}
	}
}

// handleVote is spec.md §4.4's "Vote" rule: forward immediately if the
// voted block is already resident, otherwise register a fetch against the
// voter with this event parked as the dependent.
func (p *Pipeline) handleVote(ctx context.Context, e Vote) {
	if blk, ok := p.store.Get(e.Hash); ok {
		if err := p.core.OnReceiveVote(e.PC, blk, e.Voter); err != nil {
			p.reportCoreError("vote_rejected", err)
		}
		return
	}
	p.registry.AddFetchRequest(e.Hash, e.Voter, e)
}

// handleProposal is spec.md §4.4's "Proposal" rule.
func (p *Pipeline) handleProposal(ctx context.Context, e Proposal) {
	inserted, err := p.store.Insert(e.Blk)
	if err == nil {
		p.onAdmitted(ctx, inserted)
		if rerr := p.core.OnReceiveProposal(ctx, inserted, e.Proposer); rerr != nil {
			p.reportCoreError("proposal_rejected", rerr)
		}
		return
	}
	p.onMissingDependencies(e.Blk, e.Proposer, err, e)
}

// reportCoreError logs an error returned by the consensus core. A
// *consensus.Invariant is a fatal logic bug per spec.md §7, not an ordinary
// drop, so it is escalated instead of logged at debug level, matching the VM
// bridge's own handling of its own invariant in handleCommit.
func (p *Pipeline) reportCoreError(op string, err error) {
	var inv *consensus.Invariant
	if errors.As(err, &inv) {
		if p.logger != nil {
			p.logger.Fatalw("consensus_invariant_violated", "op", op, "err", err)
		}
		return
	}
	if p.logger != nil {
		p.logger.Debugw(op, "err", err)
	}
}

// handleBlockReceive is the same admission path as Proposal, but it is a
// cache fill only: no consensus event is ever emitted for it, per
// spec.md §4.4.
func (p *Pipeline) handleBlockReceive(ctx context.Context, e BlockReceive) {
	inserted, err := p.store.Insert(e.Blk)
	if err == nil {
		p.onAdmitted(ctx, inserted)
		return
	}
	p.onMissingDependencies(e.Blk, e.Blk.Proposer, err, e)
}

// onAdmitted delivers and replays whatever pending events were unblocked by
// this block's arrival, per spec.md §4.3's "deliver" operation.
func (p *Pipeline) onAdmitted(ctx context.Context, inserted *block.Block) {
	pending, ok := p.registry.Deliver(inserted.Hash())
	if !ok {
		return
	}
	for _, raw := range pending {
		if ev, ok := raw.(NetEvent); ok {
			p.handle(ctx, ev)
		}
	}
}

// onMissingDependencies fires up to two fetches (parent, justify) against
// source, per spec.md §4.4. ev is parked on exactly one of them: the parent
// fetch when the parent is missing, otherwise the justify fetch; it is never
// duplicated across both. If the justify block is still missing when ev is
// replayed, the replay parks it again on the justify fetch.
func (p *Pipeline) onMissingDependencies(blk *block.Block, source crypto.ReplicaID, err error, ev NetEvent) {
	var md *block.MissingDependencies
	if !errors.As(err, &md) {
		if p.logger != nil {
			p.logger.Debugw("block_insert_failed", "err", err)
		}
		return
	}
	// ev is parked against exactly one of the two fetches when both are
	// missing, never both: spec.md §9 flags duplicating it across two
	// contexts as a transcription defect that causes a double replay.
	switch {
	case md.ParentHash != nil && md.JustifyHash != nil:
		p.registry.AddFetchRequest(*md.ParentHash, source, ev)
		p.registry.AddFetchRequest(*md.JustifyHash, source, nil)
	case md.ParentHash != nil:
		p.registry.AddFetchRequest(*md.ParentHash, source, ev)
	case md.JustifyHash != nil:
		p.registry.AddFetchRequest(*md.JustifyHash, source, ev)
	}
}
