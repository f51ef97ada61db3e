package consensus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/crypto"
)

type fakeArchive struct{}

func (fakeArchive) Save(*block.Block) error                        { return nil }
func (fakeArchive) Load(crypto.Hash) (*block.Block, bool, error) { return nil, false, nil }

type fakeIndex struct {
	mu      sync.Mutex
	commits map[uint64]crypto.Hash
}

func newFakeIndex() *fakeIndex { return &fakeIndex{commits: make(map[uint64]crypto.Hash)} }

func (f *fakeIndex) RecordCommit(height uint64, hash crypto.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits[height] = hash
	return nil
}

type fakeVM struct {
	mu        sync.Mutex
	applied   []uint64
	committed []uint64
}

func (v *fakeVM) ApplyBlock(blk *block.Block) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.applied = append(v.applied, blk.Height())
}

func (v *fakeVM) NotifyCommitment(blk *block.Block) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.committed = append(v.committed, blk.Height())
}

// clusterNetwork wires N cores together in-process: proposals are delivered
// synchronously (mirroring a single-process broadcast), votes are delivered
// on their own goroutine (mirroring the real p2p.Node's async self-loopback
// and the network event pipeline's single-worker-thread dispatch) so a
// replica's own vote for its own proposal never re-enters its own mutex.
type clusterNetwork struct {
	self   crypto.ReplicaID
	cores  []*Core
	stores []*block.Store
	wg     *sync.WaitGroup
}

func (n *clusterNetwork) BroadcastProposal(ctx context.Context, blk *block.Block) error {
	for j := range n.cores {
		if crypto.ReplicaID(j) == n.self {
			continue
		}
		nb := block.FromWire(blk.ToWire())
		inserted, err := n.stores[j].Insert(nb)
		if err != nil {
			return fmt.Errorf("cluster: replica %d failed to admit broadcast block: %w", j, err)
		}
		if err := n.cores[j].OnReceiveProposal(ctx, inserted, blk.Proposer); err != nil {
			return err
		}
	}
	return nil
}

func (n *clusterNetwork) SendVote(ctx context.Context, to crypto.ReplicaID, hash crypto.Hash, pc crypto.PartialCertificate) error {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		certBlock, ok := n.stores[to].Get(hash)
		if !ok {
			return
		}
		n.cores[to].OnReceiveVote(pc, certBlock, n.self)
	}()
	return nil
}

type testCluster struct {
	cores  []*Core
	stores []*block.Store
	vms    []*fakeVM
	wg     sync.WaitGroup
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	keys, verifier := genKeys(t, n)

	tc := &testCluster{
		cores:  make([]*Core, n),
		stores: make([]*block.Store, n),
		vms:    make([]*fakeVM, n),
	}
	for i := 0; i < n; i++ {
		store := block.NewStore(fakeArchive{})
		vm := &fakeVM{}
		tc.stores[i] = store
		tc.vms[i] = vm
		tc.cores[i] = NewCore(crypto.ReplicaID(i), keys[i].SecretKey, verifier, store, block.NewGC(store, nil), newFakeIndex(), vm, nil, nil, nil)
	}
	for i := 0; i < n; i++ {
		tc.cores[i].SetNetwork(&clusterNetwork{self: crypto.ReplicaID(i), cores: tc.cores, stores: tc.stores, wg: &tc.wg})
	}
	return tc
}

// proposeAndSettle drives one DoPropose on the leader and blocks until every
// vote it provoked has been delivered, so the next proposal's justify/hqc
// reflects this height's quorum.
func (tc *testCluster) proposeAndSettle(t *testing.T, ctx context.Context, leader int, body []byte) *block.Block {
	t.Helper()
	blk, err := tc.cores[leader].DoPropose(ctx, body)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	tc.wg.Wait()
	return blk
}

func TestThreeChainCommitAdvancesBExecAfterFourthBlock(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 4)

	tc.proposeAndSettle(t, ctx, 0, []byte("b1"))
	tc.proposeAndSettle(t, ctx, 0, []byte("b2"))
	tc.proposeAndSettle(t, ctx, 0, []byte("b3"))
	if tc.cores[0].BExec().Height() != 0 {
		t.Fatalf("expected no commit before the fourth block forms a three-chain, bExec=%d", tc.cores[0].BExec().Height())
	}

	tc.proposeAndSettle(t, ctx, 0, []byte("b4"))
	if got := tc.cores[0].BExec().Height(); got != 1 {
		t.Fatalf("expected bExec to advance to height 1 once the three-chain over b1 forms, got %d", got)
	}

	tc.vms[0].mu.Lock()
	defer tc.vms[0].mu.Unlock()
	if len(tc.vms[0].committed) != 1 || tc.vms[0].committed[0] != 1 {
		t.Fatalf("expected vm to be notified of exactly block height 1's commitment, got %v", tc.vms[0].committed)
	}
}

func TestCommitChainIsPrefixMonotonic(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 4)

	heights := func() []uint64 {
		tc.vms[0].mu.Lock()
		defer tc.vms[0].mu.Unlock()
		return append([]uint64(nil), tc.vms[0].committed...)
	}

	for i, body := range [][]byte{[]byte("b1"), []byte("b2"), []byte("b3"), []byte("b4"), []byte("b5")} {
		tc.proposeAndSettle(t, ctx, 0, body)
		got := heights()
		for j := 1; j < len(got); j++ {
			if got[j] != got[j-1]+1 {
				t.Fatalf("after proposing block %d, committed heights are not strictly sequential: %v", i+1, got)
			}
		}
	}
}

func TestBLockNeverExceedsHQCHeight(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 4)
	for _, body := range [][]byte{[]byte("b1"), []byte("b2"), []byte("b3"), []byte("b4"), []byte("b5")} {
		tc.proposeAndSettle(t, ctx, 0, body)
		hqcBlk, _ := tc.cores[0].HQC()
		if tc.cores[0].BLock().Height() > hqcBlk.Height() {
			t.Fatalf("b_lock height %d must never exceed hqc height %d", tc.cores[0].BLock().Height(), hqcBlk.Height())
		}
		if tc.cores[0].BExec().Height() > tc.cores[0].BLock().Height() {
			t.Fatalf("b_exec height %d must never exceed b_lock height %d", tc.cores[0].BExec().Height(), tc.cores[0].BLock().Height())
		}
	}
}

func TestVHeightIsMonotonicAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	tc := newTestCluster(t, 4)
	tc.proposeAndSettle(t, ctx, 0, []byte("b1"))
	first := make([]uint64, len(tc.cores))
	for i, c := range tc.cores {
		first[i] = c.VHeight()
	}
	tc.proposeAndSettle(t, ctx, 0, []byte("b2"))

	for i, c := range tc.cores {
		if c.VHeight() == 0 {
			t.Fatalf("replica %d expected to have voted for at least one proposal, vheight still 0", i)
		}
		if c.VHeight() < first[i] {
			t.Fatalf("replica %d vheight moved backward from %d to %d", i, first[i], c.VHeight())
		}
	}
}

func TestOnReceiveVoteIgnoresUnverifiableQuorum(t *testing.T) {
	_, v := genKeys(t, 4)
	store := block.NewStore(fakeArchive{})
	core := NewCore(0, crypto.SecretKey{}, v, store, block.NewGC(store, nil), newFakeIndex(), &fakeVM{}, nil, nil, nil)

	otherKeys, _ := genKeys(t, 1)
	b1 := block.New(crypto.Hash{}, crypto.GenesisQC(), []byte("b1"), 0, true, time.Now())
	inserted, err := store.Insert(b1)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	for i := 0; i < 3; i++ {
		forged, _ := crypto.NewPartialCertificate(otherKeys[0].SecretKey, inserted.Hash())
		if err := core.OnReceiveVote(forged, inserted, crypto.ReplicaID(i)); err != nil {
			t.Fatalf("on receive vote %d: %v", i, err)
		}
	}
	hqcBlk, _ := core.HQC()
	if hqcBlk.Height() != 0 {
		t.Fatal("hqc must not advance on a quorum assembled from forged signatures")
	}
}
