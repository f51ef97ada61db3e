package vm

import (
	"context"
	"sync"

	"github.com/bft-hotstuff/engine/pkg/block"
	"go.uber.org/zap"
)

// DefaultProposalBufferTarget is PROPOSAL_BUFFER_TARGET from spec.md §4.6.
const DefaultProposalBufferTarget = 3

// Bridge is the VM Control Interface: it owns the VM instance and runs it on
// a single background thread, per spec.md §4.6. Work arrives as one of three
// kinds - validate, log-commitment, produce-proposals - queued behind one
// mutex+condition-variable, following the generic worker pattern of
// spec.md §5 ("wait on the CV until done_flag || exists_work(); swap the
// work list out under the lock; process outside the lock").
type Bridge struct {
	vm       VM
	spec     *Speculation
	recorder CommitRecorder
	logger   *zap.SugaredLogger

	mu   sync.Mutex
	cond *sync.Cond
	done bool

	validateQueue []*block.Block
	commitQueue   []*block.Block

	isProposer  bool
	target      int
	proposalBuf [][]byte
}

func NewBridge(vm VM, spec *Speculation, logger *zap.SugaredLogger) *Bridge {
	b := &Bridge{vm: vm, spec: spec, logger: logger, target: DefaultProposalBufferTarget}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// ApplyBlock queues blk for validate-priority execution. Satisfies
// consensus.VMHook.
func (b *Bridge) ApplyBlock(blk *block.Block) {
	b.mu.Lock()
	b.validateQueue = append(b.validateQueue, blk)
	b.mu.Unlock()
	b.cond.Signal()
}

// NotifyCommitment queues blk's commitment to be logged to the VM. Satisfies
// consensus.VMHook.
func (b *Bridge) NotifyCommitment(blk *block.Block) {
	b.mu.Lock()
	b.commitQueue = append(b.commitQueue, blk)
	b.mu.Unlock()
	b.cond.Signal()
}

// SetCommitRecorder wires the durable committed-height index the bridge
// updates with the real VM block id once a commitment is actually logged.
// Split from NewBridge because the index and the bridge are constructed in
// either order depending on the caller (mirrors Core.SetNetwork).
func (b *Bridge) SetCommitRecorder(r CommitRecorder) {
	b.mu.Lock()
	b.recorder = r
	b.mu.Unlock()
}

// SetProposer toggles whether this replica should keep the proposal buffer
// topped up.
func (b *Bridge) SetProposer(isProposer bool) {
	b.mu.Lock()
	b.isProposer = isProposer
	b.mu.Unlock()
	b.cond.Broadcast()
}

// SetTarget changes the proposal buffer's target size; 0 stops proposal
// production.
func (b *Bridge) SetTarget(target int) {
	b.mu.Lock()
	b.target = target
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Shutdown releases every blocked waiter (Run and GetProposal).
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.done = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Run drives the VM worker thread until ctx is cancelled or Shutdown is
// called. Matches the "VM worker" row of spec.md §5's thread table.
func (b *Bridge) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		b.Shutdown()
	}()

	for {
		b.mu.Lock()
		for !b.done && len(b.validateQueue) == 0 && len(b.commitQueue) == 0 &&
			!(b.isProposer && len(b.proposalBuf) < b.target) {
			b.cond.Wait()
		}
		if b.done {
			b.mu.Unlock()
			return
		}

		var toValidate, toCommit *block.Block
		switch {
		case len(b.validateQueue) > 0:
			toValidate = b.validateQueue[0]
			b.validateQueue = b.validateQueue[1:]
		case len(b.commitQueue) > 0:
			toCommit = b.commitQueue[0]
			b.commitQueue = b.commitQueue[1:]
		}
		produce := toValidate == nil && toCommit == nil && b.isProposer && len(b.proposalBuf) < b.target
		b.mu.Unlock()

		switch {
		case toValidate != nil:
			b.handleValidate(toValidate)
		case toCommit != nil:
			b.handleCommit(toCommit)
		case produce:
			b.produceProposal()
		}
	}
}

// GetProposal pops the next speculative proposal body, blocking while the
// buffer is empty and proposals are still permitted (target > 0); returns
// ok=false once proposals have been stopped and the buffer has drained, or
// on shutdown.
func (b *Bridge) GetProposal() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.proposalBuf) == 0 && !b.done && b.target > 0 {
		b.cond.Wait()
	}
	if len(b.proposalBuf) == 0 {
		return nil, false
	}
	body := b.proposalBuf[0]
	b.proposalBuf = b.proposalBuf[1:]
	return body, true
}

// RegisterOwnProposal records the speculative entry for a proposal this
// replica minted itself, mirroring spec.md §4.6's make_empty_proposal /
// get_and_apply_next_proposal: called once the consensus core has actually
// inserted the block (so its real height is known), not at VM-propose time.
func (b *Bridge) RegisterOwnProposal(blk *block.Block) {
	b.spec.AddHeightPair(blk.Height(), b.contentID(blk))
}

func (b *Bridge) contentID(blk *block.Block) BlockID {
	if len(blk.Body) == 0 {
		return b.vm.EmptyBlockID()
	}
	return b.vm.NonEmptyBlockID(blk)
}

// handleValidate is spec.md §4.6's apply_block: no-op if the VM is already
// correctly executing this chain, otherwise revert speculation and execute.
func (b *Bridge) handleValidate(blk *block.Block) {
	id := b.contentID(blk)
	if entry, ok := b.spec.Lowest(); ok && entry.ID == id {
		return
	}
	b.spec.Reset(blk.Height(), id)
	if _, err := b.vm.ExecBlock(blk); err != nil {
		if b.logger != nil {
			b.logger.Errorw("vm_exec_failed", "height", blk.Height(), "err", err)
		}
		return
	}
	blk.MarkApplied()
}

// handleCommit is spec.md §4.6's notify_vm_of_commitment: pop the matching
// speculation entry and forward its id to the VM's commit log. A mismatch
// means a block was committed out of speculative order, an Invariant
// violation per spec.md §7.
func (b *Bridge) handleCommit(blk *block.Block) {
	id, ok := b.spec.OnCommitHotstuff(blk.Height())
	if !ok {
		if b.logger != nil {
			b.logger.Fatalw("speculation_commit_mismatch", "height", blk.Height())
		}
		return
	}
	if err := b.vm.LogCommitment(id); err != nil {
		if b.logger != nil {
			b.logger.Errorw("vm_log_commitment_failed", "height", blk.Height(), "err", err)
		}
		return
	}

	b.mu.Lock()
	recorder := b.recorder
	b.mu.Unlock()
	if recorder == nil {
		return
	}
	if err := recorder.RecordCommitWithVMBlock(blk.Height(), blk.Hash(), string(id)); err != nil && b.logger != nil {
		b.logger.Errorw("committed_index_vm_block_update_failed", "height", blk.Height(), "err", err)
	}
}

func (b *Bridge) produceProposal() {
	body, ok := b.vm.Propose()
	if !ok {
		return
	}
	b.mu.Lock()
	b.proposalBuf = append(b.proposalBuf, body)
	b.mu.Unlock()
	b.cond.Broadcast()
}
