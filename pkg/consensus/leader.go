package consensus

import "github.com/bft-hotstuff/engine/pkg/crypto"

// LeaderElector resolves the proposer for a given block height. Grounded on
// the teacher's pkg/consensus/leader.go LeaderElector/RoundRobinElector,
// generalized from view numbers to heights (this engine has no separate
// view-change protocol, per spec.md §1's Non-goals).
type LeaderElector interface {
	LeaderOf(height uint64) crypto.ReplicaID
}

// RoundRobinElector cycles through ids in order, one per height.
type RoundRobinElector struct {
	IDs []crypto.ReplicaID
}

func (r RoundRobinElector) LeaderOf(height uint64) crypto.ReplicaID {
	if len(r.IDs) == 0 {
		return 0
	}
	return r.IDs[height%uint64(len(r.IDs))]
}
