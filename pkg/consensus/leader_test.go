package consensus

import (
	"testing"

	"github.com/bft-hotstuff/engine/pkg/crypto"
)

func TestRoundRobinElectorCyclesByHeightModulo(t *testing.T) {
	r := RoundRobinElector{IDs: []crypto.ReplicaID{3, 1, 4, 1, 5}}
	want := []crypto.ReplicaID{3, 1, 4, 1, 5, 3, 1, 4}
	for h, exp := range want {
		if got := r.LeaderOf(uint64(h)); got != exp {
			t.Fatalf("height %d: expected leader %d, got %d", h, exp, got)
		}
	}
}

func TestRoundRobinElectorEmptySetReturnsZero(t *testing.T) {
	r := RoundRobinElector{}
	if got := r.LeaderOf(7); got != 0 {
		t.Fatalf("expected replica 0 on an empty elector, got %d", got)
	}
}
