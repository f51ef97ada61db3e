// Package vm implements the bridge between the consensus core and the
// application virtual machine: the VM contract, the background VM worker
// thread, and the speculative-execution gadget that lets proposals execute
// ahead of their eventual commitment, per spec.md §4.6.
//
// Grounded on the teacher's pkg/abci.Bridge (single owned VM instance, one
// worker goroutine, validate/commit/propose work items) and
// pkg/app/core/mempool.Mempool (mutex-guarded FIFO byte queues), generalized
// from the perp-DEX application to an opaque VM contract.
package vm

import (
	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// CommitRecorder is the durable committed-height index the bridge updates
// with the real VM block id once a commitment has actually been logged to
// the VM, satisfied by storage.CommittedIndex. The consensus core writes the
// (height, hash) record with an empty VM block id at commit time, before the
// VM has had a chance to run asynchronously; CommitRecorder.RecordCommitWithVMBlock
// overwrites that same record once the bridge's worker thread catches up, per
// spec.md §6.
type CommitRecorder interface {
	RecordCommitWithVMBlock(height uint64, hash crypto.Hash, vmBlock string) error
}

// BlockID is the VM's opaque, serializable notion of "application state
// after executing some block." Equality defines sameness, per spec.md §6;
// a plain string is comparable with == and trivially serializable.
type BlockID string

// VM is the contract the bridge drives, per spec.md §6: init, propose,
// execute, log a commitment, and rewind on restart.
type VM interface {
	// InitClean resets the VM to its zero state (no blocks ever applied).
	InitClean() error
	// InitFromDisk restores VM state consistent with the last block this
	// replica is known to have committed, per the replayed committed index.
	InitFromDisk(lastCommittedHeight uint64, lastCommittedID BlockID) error
	// Propose returns a speculative proposal body, or ok=false if the VM has
	// nothing to propose right now.
	Propose() (body []byte, ok bool)
	// ExecBlock drives the VM's deterministic state forward over blk and
	// returns the resulting BlockID.
	ExecBlock(blk *block.Block) (BlockID, error)
	// LogCommitment informs the VM that id is now final.
	LogCommitment(id BlockID) error
	// RewindToLastCommit discards any speculative execution past the last
	// logged commitment.
	RewindToLastCommit() error
	// EmptyBlockID is the VM id for a block with no payload.
	EmptyBlockID() BlockID
	// NonEmptyBlockID is the VM id a block with this body would produce,
	// computable from the block's content alone (no execution required) so
	// peers can agree on "same application state" without running the VM.
	NonEmptyBlockID(blk *block.Block) BlockID
}
