// Package consensus implements the three-chain HotStuff state machine: the
// voting rule, the three-chain commit rule, highest-QC tracking, and commit
// notification, per spec.md §4.5. Grounded on the teacher's
// pkg/consensus/engine.go and safety.go (one mutex guarding a small shared
// record, a QC-accumulation map, a round-robin leader), generalized from the
// teacher's two-certificate double-chain rule to the three-chain rule this
// engine requires.
package consensus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/crypto"
	"go.uber.org/zap"
)

// Core holds the shared consensus record behind one mutex, per spec.md §4.5
// and §5 ("treat them as a single atomic record"): hqc, b_lock, b_exec,
// b_leaf, vheight.
type Core struct {
	mu sync.Mutex

	genesis *block.Block
	hqcBlk  *block.Block
	hqcQC   *crypto.QuorumCertificate
	bLock   *block.Block
	bExec   *block.Block
	bLeaf   *block.Block
	vheight uint64

	selfID    crypto.ReplicaID
	secretKey crypto.SecretKey
	verifier  crypto.QuorumVerifier

	store *block.Store
	gc    *block.GC
	index CommittedIndex
	vm    VMHook
	net   Network
	qcb   *QCBuilder
	pacer *Pacemaker

	observers  []Observer
	leaderHook func(nextHeight uint64)

	logger *zap.SugaredLogger
}

// SetNetwork wires the outbound Network after construction, for callers
// whose Network implementation (the p2p.Node) itself needs a fully built
// Core-adjacent pipeline before it can be constructed. Not safe to call
// once the core is serving traffic.
func (c *Core) SetNetwork(net Network) {
	c.mu.Lock()
	c.net = net
	c.mu.Unlock()
}

// SetLeaderHook registers a callback invoked, outside the core's lock,
// every time b_leaf advances: nextHeight is the height a new proposal would
// occupy. Callers use this to keep the VM bridge's SetProposer toggled to
// whichever replica round-robin leader election names for that height.
func (c *Core) SetLeaderHook(fn func(nextHeight uint64)) {
	c.mu.Lock()
	c.leaderHook = fn
	c.mu.Unlock()
	c.notifyLeaderHook()
}

// Observer is notified after a block is committed, alongside the VM bridge.
// The status API registers itself as an Observer to push commit events over
// its websocket feed without the core needing to know anything about HTTP.
type Observer interface {
	OnCommit(b *block.Block)
}

// AddObserver registers an Observer. Not safe to call once the core is
// serving traffic; wire observers during startup only.
func (c *Core) AddObserver(o Observer) {
	c.observers = append(c.observers, o)
}

// Status is a read-only snapshot of the shared consensus record, for
// reporting over the status API.
type Status struct {
	Height      uint64
	HQCHeight   uint64
	BLockHeight uint64
	BExecHeight uint64
	BLeafHeight uint64
	VHeight     uint64
	Self        crypto.ReplicaID
}

// Status returns a consistent snapshot of the shared record under one lock
// acquisition.
func (c *Core) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Height:      c.bExec.Height(),
		HQCHeight:   c.hqcBlk.Height(),
		BLockHeight: c.bLock.Height(),
		BExecHeight: c.bExec.Height(),
		BLeafHeight: c.bLeaf.Height(),
		VHeight:     c.vheight,
		Self:        c.selfID,
	}
}

// NewCore wires up a fresh core at genesis. Restore should be called
// afterward if a committed index was replayed from disk.
func NewCore(selfID crypto.ReplicaID, secretKey crypto.SecretKey, verifier crypto.QuorumVerifier, store *block.Store, gc *block.GC, index CommittedIndex, vm VMHook, net Network, pacer *Pacemaker, logger *zap.SugaredLogger) *Core {
	g, _ := store.Get(crypto.Hash{})
	if g == nil {
		g = block.Genesis()
	}
	return &Core{
		genesis:   g,
		hqcBlk:    g,
		hqcQC:     crypto.GenesisQC(),
		bLock:     g,
		bExec:     g,
		bLeaf:     g,
		selfID:    selfID,
		secretKey: secretKey,
		verifier:  verifier,
		store:     store,
		gc:        gc,
		index:     index,
		vm:        vm,
		net:       net,
		qcb:       NewQCBuilder(verifier),
		pacer:     pacer,
		logger:    logger,
	}
}

// Restore seeds the core's state from a replayed committed index at startup,
// per spec.md §6.
func (c *Core) Restore(hqcBlk *block.Block, hqcQC *crypto.QuorumCertificate, bLock, bExec, bLeaf *block.Block, vheight uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hqcBlk, c.hqcQC, c.bLock, c.bExec, c.bLeaf, c.vheight = hqcBlk, hqcQC, bLock, bExec, bLeaf, vheight
}

// HQC returns the currently known highest QC and the block it certifies.
func (c *Core) HQC() (*block.Block, *crypto.QuorumCertificate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hqcBlk, c.hqcQC
}

func (c *Core) BLock() *block.Block { c.mu.Lock(); defer c.mu.Unlock(); return c.bLock }
func (c *Core) BExec() *block.Block { c.mu.Lock(); defer c.mu.Unlock(); return c.bExec }
func (c *Core) BLeaf() *block.Block { c.mu.Lock(); defer c.mu.Unlock(); return c.bLeaf }
func (c *Core) VHeight() uint64     { c.mu.Lock(); defer c.mu.Unlock(); return c.vheight }

// OnReceiveProposal runs the update algorithm for bnew and, if the voting
// rule is satisfied, casts a vote to proposer. Per spec.md §4.5.
func (c *Core) OnReceiveProposal(ctx context.Context, bnew *block.Block, proposer crypto.ReplicaID) error {
	defer c.notifyLeaderHook()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onReceiveProposalLocked(ctx, bnew, proposer)
}

// notifyLeaderHook fires the registered leader hook, if any, with b_leaf's
// next height. Always called after the core's own lock has been released,
// so the hook is free to call back into any other Core method.
func (c *Core) notifyLeaderHook() {
	c.mu.Lock()
	fn := c.leaderHook
	h := c.bLeaf.Height() + 1
	c.mu.Unlock()
	if fn != nil {
		fn(h)
	}
}

func (c *Core) onReceiveProposalLocked(ctx context.Context, bnew *block.Block, proposer crypto.ReplicaID) error {
	if err := c.runUpdateAlgorithmLocked(bnew); err != nil {
		return err
	}

	qcBlock := bnew.JustifyBlock()
	extendsLock := isAncestor(c.bLock, bnew)
	qcHigherThanLock := qcBlock != nil && qcBlock.Height() > c.bLock.Height()

	if bnew.Height() > c.vheight && (extendsLock || qcHigherThanLock) {
		c.vheight = bnew.Height()
		return c.doVoteLocked(ctx, bnew, proposer)
	}
	return nil
}

// OnReceiveVote folds pc into the QC under construction for certifiedBlock.
// Once quorum is reached and the assembled QC verifies, it is treated as an
// incoming QC: hqc advances and waiting proposers are signalled. Per
// spec.md §4.5.
func (c *Core) OnReceiveVote(pc crypto.PartialCertificate, certifiedBlock *block.Block, voter crypto.ReplicaID) error {
	defer c.notifyLeaderHook()
	qc, ready, err := c.qcb.AddPartial(certifiedBlock.Hash(), voter, pc)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}
	if !qc.Verify(c.verifier) {
		if c.logger != nil {
			c.logger.Debugw("qc_verify_failed", "hash", certifiedBlock.Hash().String())
		}
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateHQCLocked(certifiedBlock, qc)
	if c.pacer != nil {
		c.pacer.SignalHeight(certifiedBlock.Height())
	}
	return nil
}

// DoPropose mints a new block extending b_leaf, justified by hqc, inserts it
// locally, votes on it via the local loopback, and broadcasts it to the rest
// of the replica set. Per spec.md §4.5: failing to insert a self-produced
// block is an Invariant violation.
func (c *Core) DoPropose(ctx context.Context, body []byte) (*block.Block, error) {
	defer c.notifyLeaderHook()
	c.mu.Lock()
	defer c.mu.Unlock()

	nb := block.New(c.bLeaf.Hash(), c.hqcQC, body, c.selfID, true, time.Now())
	inserted, err := c.store.Insert(nb)
	if err != nil {
		return nil, invariant("do_propose", err)
	}
	c.bLeaf = inserted

	if err := c.onReceiveProposalLocked(ctx, inserted, c.selfID); err != nil && c.logger != nil {
		c.logger.Debugw("self_loopback_vote_failed", "err", err)
	}
	if err := c.net.BroadcastProposal(ctx, inserted); err != nil {
		return inserted, err
	}
	return inserted, nil
}

func (c *Core) doVoteLocked(ctx context.Context, bnew *block.Block, proposer crypto.ReplicaID) error {
	pc, err := crypto.NewPartialCertificate(c.secretKey, bnew.Hash())
	if err != nil {
		return err
	}
	return c.net.SendVote(ctx, proposer, bnew.Hash(), pc)
}

func (c *Core) updateHQCLocked(bStar *block.Block, qc *crypto.QuorumCertificate) {
	if bStar.Height() > c.hqcBlk.Height() {
		c.hqcBlk = bStar
		c.hqcQC = qc
		if bStar.Height() > c.bLeaf.Height() {
			c.bLeaf = bStar
		}
	}
}

// runUpdateAlgorithmLocked implements spec.md §4.5's per-arrival update:
// advance hqc/b_leaf, advance b_lock, and commit a three-chain if one has
// just formed.
func (c *Core) runUpdateAlgorithmLocked(nblk *block.Block) error {
	bStar := nblk.JustifyBlock()
	if bStar == nil {
		return nil
	}
	c.updateHQCLocked(bStar, nblk.Header.Justify)

	bDouble := bStar.JustifyBlock()
	if bDouble == nil {
		return nil
	}
	if bDouble.Height() > c.bLock.Height() {
		c.bLock = bDouble
	}

	bTriple := bDouble.JustifyBlock()
	if bTriple == nil || bTriple.Height() == 0 {
		return nil
	}

	// b‴ is the oldest of the three (justified furthest back); the chain
	// commits b‴ only when the parent-pointer chain matches the
	// justify-pointer chain exactly: b* built directly on bDouble, and
	// bDouble built directly on b‴.
	threeChain := bStar.Parent() != nil && bStar.Parent().Hash() == bDouble.Hash() &&
		bDouble.Parent() != nil && bDouble.Parent().Hash() == bTriple.Hash()
	if !threeChain {
		return nil
	}
	return c.commitChainLocked(bTriple)
}

func (c *Core) commitChainLocked(upTo *block.Block) error {
	chain, err := collectChain(c.bExec, upTo)
	if err != nil {
		return invariant("commit_chain", err)
	}
	for _, b := range chain {
		if err := c.store.WriteToDisk(b.Hash()); err != nil {
			return invariant("write_to_disk", err)
		}
		b.MarkDecided()
		if c.index != nil {
			if err := c.index.RecordCommit(b.Height(), b.Hash()); err != nil {
				return invariant("record_commit", err)
			}
		}
		if c.vm != nil {
			c.vm.ApplyBlock(b)
			c.vm.NotifyCommitment(b)
		}
		for _, o := range c.observers {
			o.OnCommit(b)
		}
		if c.logger != nil {
			c.logger.Infow("commit", "height", b.Height(), "hash", b.Hash().String())
		}
	}
	c.bExec = upTo
	if c.gc != nil {
		c.gc.InvokeGC(upTo.Height())
	}
	if c.pacer != nil {
		c.pacer.SignalHeight(upTo.Height())
	}
	return nil
}

// collectChain walks from to back to (but excluding) from via parent
// pointers and returns the blocks in parent-first order. Returns an error if
// to does not descend from from, which would indicate a violated store
// invariant (honest proposers only extend justify chains rooted at or past
// the committed frontier).
func collectChain(from, to *block.Block) ([]*block.Block, error) {
	if from.Hash() == to.Hash() {
		return nil, nil
	}
	var chain []*block.Block
	cur := to
	for cur != nil && cur.Hash() != from.Hash() {
		chain = append(chain, cur)
		cur = cur.Parent()
	}
	if cur == nil {
		return nil, fmt.Errorf("target block %s does not descend from committed frontier %s", to.Hash(), from.Hash())
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// isAncestor reports whether anc is an ancestor of (or equal to) b under
// parent pointers, i.e. "b extends anc" per spec.md §4.5.
func isAncestor(anc, b *block.Block) bool {
	if anc == nil {
		return false
	}
	cur := b
	for cur != nil {
		if cur.Hash() == anc.Hash() {
			return true
		}
		cur = cur.Parent()
	}
	return false
}
