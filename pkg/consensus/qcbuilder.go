package consensus

import (
	"sync"

	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// QCBuilder holds the quorum certificates currently under construction,
// keyed by the block hash they certify. Grounded on the teacher's
// pkg/consensus/safety.go Safety.blocks map discipline (one mutex, map keyed
// by hash), generalized from a single "highest cert" slot to one
// under-construction QC per outstanding block.
type QCBuilder struct {
	mu       sync.Mutex
	pending  map[crypto.Hash]*crypto.QuorumCertificate
	verifier crypto.QuorumVerifier
}

func NewQCBuilder(verifier crypto.QuorumVerifier) *QCBuilder {
	return &QCBuilder{pending: make(map[crypto.Hash]*crypto.QuorumCertificate), verifier: verifier}
}

// AddPartial folds pc into the QC under construction for hash. Returns the
// QC and true on the delivery that first reaches quorum, and drops the
// pending entry for hash at that point; a partial for the same hash arriving
// later starts a new, separate QC instead of merging into the one already
// returned, and ready stays false unless that new QC reaches quorum itself.
func (b *QCBuilder) AddPartial(hash crypto.Hash, replica crypto.ReplicaID, pc crypto.PartialCertificate) (*crypto.QuorumCertificate, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	qc, ok := b.pending[hash]
	if !ok {
		qc = crypto.NewQuorumCertificate(hash)
		b.pending[hash] = qc
	}
	hadQuorum := qc.HasQuorum(b.verifier)
	if err := qc.AddPartial(replica, pc); err != nil {
		return nil, false, err
	}
	nowQuorum := qc.HasQuorum(b.verifier)
	if nowQuorum && !hadQuorum {
		delete(b.pending, hash)
		return qc, true, nil
	}
	return qc, false, nil
}
