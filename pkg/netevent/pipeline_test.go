package netevent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/consensus"
	"github.com/bft-hotstuff/engine/pkg/crypto"
	"github.com/bft-hotstuff/engine/pkg/fetch"
)

type memArchive struct{}

func (memArchive) Save(*block.Block) error                        { return nil }
func (memArchive) Load(crypto.Hash) (*block.Block, bool, error) { return nil, false, nil }

type fakeCore struct {
	mu        sync.Mutex
	proposals []*block.Block
	votes     []crypto.PartialCertificate
}

func (c *fakeCore) OnReceiveProposal(ctx context.Context, blk *block.Block, proposer crypto.ReplicaID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proposals = append(c.proposals, blk)
	return nil
}

func (c *fakeCore) OnReceiveVote(pc crypto.PartialCertificate, certifiedBlock *block.Block, voter crypto.ReplicaID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.votes = append(c.votes, pc)
	return nil
}

func (c *fakeCore) proposalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.proposals)
}

func (c *fakeCore) voteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.votes)
}

func newTestPipeline() (*Pipeline, *block.Store, *fakeCore) {
	store := block.NewStore(memArchive{})
	registry := fetch.NewRegistry(func(crypto.ReplicaID) bool { return true })
	core := &fakeCore{}
	return NewPipeline(store, registry, core, nil), store, core
}

func TestHandleVoteForwardsWhenBlockResident(t *testing.T) {
	p, store, core := newTestPipeline()
	b1 := block.New(crypto.Hash{}, crypto.GenesisQC(), []byte("b1"), 0, true, time.Now())
	store.Insert(b1)

	p.handleVote(context.Background(), Vote{Hash: b1.Hash(), Voter: 1})
	if core.voteCount() != 1 {
		t.Fatalf("expected vote forwarded immediately, got %d", core.voteCount())
	}
}

func TestHandleVoteParksWhenBlockMissing(t *testing.T) {
	p, _, core := newTestPipeline()
	p.handleVote(context.Background(), Vote{Hash: crypto.Hash{0xAB}, Voter: 1})
	if core.voteCount() != 0 {
		t.Fatal("vote for a missing block must not be forwarded yet")
	}
	if !p.registry.HasOutstandingRequest(crypto.Hash{0xAB}) {
		t.Fatal("expected a fetch request registered for the missing block")
	}
}

func TestHandleProposalAdmitsAndForwards(t *testing.T) {
	p, _, core := newTestPipeline()
	b1 := block.New(crypto.Hash{}, crypto.GenesisQC(), []byte("b1"), 0, true, time.Now())
	p.handleProposal(context.Background(), Proposal{Blk: b1, Proposer: 2})
	if core.proposalCount() != 1 {
		t.Fatalf("expected proposal forwarded to core, got %d", core.proposalCount())
	}
}

func TestHandleProposalWithMissingParentParksForFetch(t *testing.T) {
	p, _, core := newTestPipeline()
	orphanQC := crypto.NewQuorumCertificate(crypto.Hash{0x77})
	orphan := block.New(crypto.Hash{0x66}, orphanQC, []byte("orphan"), 3, false, time.Now())

	p.handleProposal(context.Background(), Proposal{Blk: orphan, Proposer: 3})
	if core.proposalCount() != 0 {
		t.Fatal("proposal with a missing parent must not reach core yet")
	}
	if !p.registry.HasOutstandingRequest(crypto.Hash{0x66}) {
		t.Fatal("expected a fetch request for the missing parent")
	}
}

func TestOnAdmittedReplaysParkedVote(t *testing.T) {
	p, store, core := newTestPipeline()
	b1 := block.New(crypto.Hash{}, crypto.GenesisQC(), []byte("b1"), 0, true, time.Now())

	// Vote arrives first, parking against b1's not-yet-resident hash.
	p.handleVote(context.Background(), Vote{Hash: b1.Hash(), Voter: 4})
	if core.voteCount() != 0 {
		t.Fatal("vote should still be parked before b1 arrives")
	}

	inserted, err := store.Insert(b1)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	p.onAdmitted(context.Background(), inserted)

	if core.voteCount() != 1 {
		t.Fatalf("expected the parked vote to be replayed once b1 was admitted, got %d", core.voteCount())
	}
}

func TestHandleBlockReceiveNeverProducesConsensusEvent(t *testing.T) {
	p, _, core := newTestPipeline()
	b1 := block.New(crypto.Hash{}, crypto.GenesisQC(), []byte("b1"), 0, false, time.Now())
	p.handleBlockReceive(context.Background(), BlockReceive{Blk: b1})
	if core.proposalCount() != 0 || core.voteCount() != 0 {
		t.Fatal("BlockReceive must only populate the cache, never emit a consensus event")
	}
}

func TestOnMissingDependenciesParksEventOnExactlyOneContext(t *testing.T) {
	p, _, _ := newTestPipeline()
	parentHash := crypto.Hash{0x11}
	justifyHash := crypto.Hash{0x22}
	md := &block.MissingDependencies{ParentHash: &parentHash, JustifyHash: &justifyHash}

	ev := Proposal{Proposer: 9}
	p.onMissingDependencies(nil, 9, md, ev)

	parentPending, _ := p.registry.Deliver(parentHash)
	justifyPending, _ := p.registry.Deliver(justifyHash)

	total := len(parentPending) + len(justifyPending)
	if total != 1 {
		t.Fatalf("expected the dependent event parked on exactly one of the two missing hashes, got %d total", total)
	}
}

func TestReportCoreErrorEscalatesInvariant(t *testing.T) {
	p, _, _ := newTestPipeline()
	err := &consensus.Invariant{Op: "test_op", Err: errors.New("boom")}
	// No logger wired: Fatalw would otherwise abort the process, so this only
	// exercises the errors.As branch that picks it out from an ordinary drop.
	p.reportCoreError("op", err)
}

func TestReportCoreErrorDoesNotEscalateOrdinaryError(t *testing.T) {
	p, _, _ := newTestPipeline()
	p.reportCoreError("op", errors.New("ordinary drop"))
}

func TestPipelineRunStopsOnContextCancel(t *testing.T) {
	p, _, _ := newTestPipeline()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
