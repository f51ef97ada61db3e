package crypto

import "errors"

// ReplicaID mirrors replicaset.ID without importing that package (which
// itself imports crypto for PublicKey); kept as a plain integer type per
// spec.md §3 ("mapping replica_id → signature").
type ReplicaID uint32

// MaxReplicas bounds the replica id space accepted by QuorumCertificate,
// per spec.md §4.1 ("rejects replica_id >= MAX_REPLICAS").
const MaxReplicas = 1 << 16

var (
	// ErrBadSignature is returned by PartialCertificate.Validate on mismatch.
	ErrBadSignature = errors.New("crypto: bad signature")
	// ErrHashMismatch is returned when a partial cert's hash disagrees with
	// the quorum certificate it is being added to.
	ErrHashMismatch = errors.New("crypto: hash mismatch")
	// ErrBadReplica is returned for out-of-range replica ids.
	ErrBadReplica = errors.New("crypto: bad replica id")
)

// PartialCertificate is a single replica's detached signature over a block
// hash, per spec.md §3/§4.1.
type PartialCertificate struct {
	Hash Hash
	Sig  Signature
}

// NewPartialCertificate signs h with sk.
func NewPartialCertificate(sk SecretKey, h Hash) (PartialCertificate, error) {
	sig, err := Sign(sk, h)
	if err != nil {
		return PartialCertificate{}, err
	}
	return PartialCertificate{Hash: h, Sig: sig}, nil
}

// Validate verifies the certificate's signature under pk. Per spec.md §4.1
// this fails with ErrBadSignature on mismatch.
func (pc PartialCertificate) Validate(pk PublicKey) error {
	if !Verify(pk, pc.Hash, pc.Sig) {
		return ErrBadSignature
	}
	return nil
}

// QuorumVerifier resolves a replica id to its public key, implemented by
// replicaset.Config. Declared here (rather than importing replicaset) to
// avoid an import cycle, since replicaset.Config embeds PublicKey values.
type QuorumVerifier interface {
	PublicKey(id ReplicaID) (PublicKey, bool)
	Majority() int
}

// QuorumCertificate is an aggregate-by-collection certificate: a block hash
// plus a map of the individual signatures that vouch for it, per spec.md §3.
// Signatures are verified member-by-member; QuorumCertificate never calls
// bls.Aggregate, honoring the "no signature aggregation" Non-goal.
type QuorumCertificate struct {
	Hash Hash
	Sigs map[ReplicaID]Signature
}

// NewQuorumCertificate starts an empty, under-construction QC for h.
func NewQuorumCertificate(h Hash) *QuorumCertificate {
	return &QuorumCertificate{Hash: h, Sigs: make(map[ReplicaID]Signature)}
}

// AddPartial folds a validated replica's signature into the QC. Per
// spec.md §4.1: requires pc.Hash == qc.Hash, rejects replica ids
// >= MaxReplicas, and overwrites any prior entry for that replica.
func (qc *QuorumCertificate) AddPartial(replica ReplicaID, pc PartialCertificate) error {
	if pc.Hash != qc.Hash {
		return ErrHashMismatch
	}
	if replica >= MaxReplicas {
		return ErrBadReplica
	}
	qc.Sigs[replica] = pc.Sig
	return nil
}

// HasQuorum is the quick, less-strict check: at least Majority() signatures
// are present, without verifying any of them. Per spec.md §4.1.
func (qc *QuorumCertificate) HasQuorum(v QuorumVerifier) bool {
	return len(qc.Sigs) >= v.Majority()
}

// Verify is the full check: the genesis zero-hash QC is vacuously valid;
// otherwise at least Majority() distinct signatures must verify against
// qc.Hash under their signer's public key. Per spec.md §3/§4.1, signatures
// are verified lazily here, not at AddPartial time.
func (qc *QuorumCertificate) Verify(v QuorumVerifier) bool {
	if qc.Hash.IsZero() {
		return true
	}
	valid := 0
	for replica, sig := range qc.Sigs {
		pk, ok := v.PublicKey(replica)
		if !ok {
			continue
		}
		if Verify(pk, qc.Hash, sig) {
			valid++
		}
	}
	return valid >= v.Majority()
}

// GenesisQC is the vacuously-valid QC over the zero hash.
func GenesisQC() *QuorumCertificate {
	return NewQuorumCertificate(Hash{})
}
