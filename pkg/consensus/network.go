package consensus

import (
	"context"

	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// Network is the outbound side the core drives: send a vote to a single
// peer, or broadcast a freshly minted proposal to every other replica. Per
// spec.md §4.5, the local self-loopback is handled by the core itself before
// calling BroadcastProposal, so implementations only need to reach the other
// N-1 replicas.
type Network interface {
	SendVote(ctx context.Context, to crypto.ReplicaID, hash crypto.Hash, pc crypto.PartialCertificate) error
	BroadcastProposal(ctx context.Context, blk *block.Block) error
}

// VMHook is the subset of the VM bridge the consensus core calls into: push
// a block for execution, and notify of a now-final commitment. Declared here
// rather than imported from pkg/vm so pkg/vm can depend on pkg/consensus's
// types without a cycle; pkg/vm.Bridge satisfies this interface.
type VMHook interface {
	ApplyBlock(blk *block.Block)
	NotifyCommitment(blk *block.Block)
}

// CommittedIndex records the committed hotstuff_height -> block_hash mapping
// used to restore hqc/b_lock/b_exec at startup, per spec.md §6. Implemented
// by pkg/storage against pebble.
type CommittedIndex interface {
	RecordCommit(height uint64, hash crypto.Hash) error
}
