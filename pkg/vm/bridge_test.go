package vm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/crypto"
)

func TestBridgeProducesProposalsOnlyWhenProposer(t *testing.T) {
	m := NewMockVM()
	m.Submit([]byte("tx"))
	spec := NewSpeculation(0, nil)
	b := NewBridge(m, spec, nil)
	b.SetTarget(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	select {
	case <-time.After(50 * time.Millisecond):
	}
	b.mu.Lock()
	bufLen := len(b.proposalBuf)
	b.mu.Unlock()
	if bufLen != 0 {
		t.Fatal("non-proposer replica must not produce speculative proposals")
	}

	b.SetProposer(true)
	deadline := time.After(time.Second)
	for {
		body, ok := tryGetProposal(b)
		if ok {
			if string(body) != "tx" {
				t.Fatalf("expected proposal body tx, got %q", body)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected a proposal once SetProposer(true) was called")
		case <-time.After(time.Millisecond):
		}
	}
}

func tryGetProposal(b *Bridge) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.proposalBuf) == 0 {
		return nil, false
	}
	body := b.proposalBuf[0]
	b.proposalBuf = b.proposalBuf[1:]
	return body, true
}

func TestGetProposalReturnsFalseAfterShutdownWithEmptyBuffer(t *testing.T) {
	m := NewMockVM()
	spec := NewSpeculation(0, nil)
	b := NewBridge(m, spec, nil)

	done := make(chan struct{})
	go func() {
		_, ok := b.GetProposal()
		if ok {
			t.Error("expected GetProposal to report ok=false after shutdown")
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Shutdown()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GetProposal did not unblock after Shutdown")
	}
}

func TestHandleValidateSkipsReExecutionWhenSpeculationAlreadyMatches(t *testing.T) {
	m := NewMockVM()
	spec := NewSpeculation(0, nil)
	b := NewBridge(m, spec, nil)

	blk, _ := block.NewStore(memArchiveStub{}).Insert(block.New(crypto.Hash{}, crypto.GenesisQC(), []byte("body"), 0, true, time.Now()))
	id := b.contentID(blk)
	spec.AddHeightPair(blk.Height(), id)

	b.handleValidate(blk)
	if blk.Applied() {
		t.Fatal("a block whose speculation entry already matches must not be re-executed")
	}
}

func TestHandleValidateExecutesOnDivergence(t *testing.T) {
	m := NewMockVM()
	spec := NewSpeculation(0, nil)
	b := NewBridge(m, spec, nil)

	blk, _ := block.NewStore(memArchiveStub{}).Insert(block.New(crypto.Hash{}, crypto.GenesisQC(), []byte("body"), 0, true, time.Now()))
	spec.AddHeightPair(blk.Height(), "stale-id")

	b.handleValidate(blk)
	if !blk.Applied() {
		t.Fatal("expected the VM to execute the block on speculation mismatch")
	}
}

func TestRegisterOwnProposalFeedsSpeculation(t *testing.T) {
	m := NewMockVM()
	spec := NewSpeculation(0, nil)
	b := NewBridge(m, spec, nil)

	store := block.NewStore(memArchiveStub{})
	blk := block.New(crypto.Hash{}, crypto.GenesisQC(), []byte("body"), 0, true, time.Now())
	admitted, err := store.Insert(blk)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	b.RegisterOwnProposal(admitted)
	entry, ok := spec.Lowest()
	if !ok || entry.Height != admitted.Height() {
		t.Fatalf("expected speculation seeded at height %d, got %+v ok=%v", admitted.Height(), entry, ok)
	}
}

type memArchiveStub struct{}

func (memArchiveStub) Save(*block.Block) error                      { return nil }
func (memArchiveStub) Load(crypto.Hash) (*block.Block, bool, error) { return nil, false, nil }

type recordedCommit struct {
	height  uint64
	hash    crypto.Hash
	vmBlock string
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []recordedCommit
}

func (r *fakeRecorder) RecordCommitWithVMBlock(height uint64, hash crypto.Hash, vmBlock string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCommit{height, hash, vmBlock})
	return nil
}

func TestHandleCommitUpdatesWiredRecorderWithRealVMBlock(t *testing.T) {
	m := NewMockVM()
	spec := NewSpeculation(0, nil)
	b := NewBridge(m, spec, nil)
	rec := &fakeRecorder{}
	b.SetCommitRecorder(rec)

	blk, _ := block.NewStore(memArchiveStub{}).Insert(block.New(crypto.Hash{}, crypto.GenesisQC(), []byte("body"), 0, true, time.Now()))
	id := b.contentID(blk)
	spec.AddHeightPair(blk.Height(), id)

	b.handleCommit(blk)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 1 {
		t.Fatalf("expected one RecordCommitWithVMBlock call, got %d", len(rec.calls))
	}
	got := rec.calls[0]
	if got.height != blk.Height() || got.hash != blk.Hash() || got.vmBlock != string(id) {
		t.Fatalf("expected (%d, %s, %s), got (%d, %s, %s)", blk.Height(), blk.Hash(), id, got.height, got.hash, got.vmBlock)
	}
}

func TestHandleCommitToleratesUnwiredRecorder(t *testing.T) {
	m := NewMockVM()
	spec := NewSpeculation(0, nil)
	b := NewBridge(m, spec, nil)

	blk, _ := block.NewStore(memArchiveStub{}).Insert(block.New(crypto.Hash{}, crypto.GenesisQC(), []byte("body"), 0, true, time.Now()))
	id := b.contentID(blk)
	spec.AddHeightPair(blk.Height(), id)

	b.handleCommit(blk)
}
