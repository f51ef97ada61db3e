// Package crypto provides the detached-signature primitive and the
// certificate types (PartialCertificate, QuorumCertificate) built on top of
// it, per spec.md §3/§4.1.
//
// The signature primitive itself is an external collaborator (spec.md §1
// treats "Ed25519-like detached signatures" as assumed/out of scope); this
// package exercises a real one — BLS12-381 single-signature sign/verify from
// github.com/cloudflare/circl, grounded on the teacher's pkg/crypto/bls.go.
// Only per-signer sign/verify is used; bls.Aggregate/VerifyAggregate are
// deliberately never called, per the Non-goal "cryptographic aggregation of
// signatures" (see DESIGN.md).
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
)

type scheme = bls.KeyG1SigG2

// Hash is a block header hash (sha256), shared by every package that
// addresses blocks by content.
type Hash [32]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the distinguished genesis/zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// Signature is a detached signature over a Hash.
type Signature []byte

// PublicKey is a replica's verification key, serializable for the replica-set
// config file.
type PublicKey struct {
	raw *bls.PublicKey[scheme]
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	if pk.raw == nil {
		return []byte(""), nil
	}
	b, err := pk.raw.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString(b)), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		return nil
	}
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	raw := new(bls.PublicKey[scheme])
	if err := raw.UnmarshalBinary(b); err != nil {
		return fmt.Errorf("public key: %w", err)
	}
	pk.raw = raw
	return nil
}

// SecretKey is a replica's signing key.
type SecretKey struct {
	raw *bls.PrivateKey[scheme]
}

// KeyPair bundles a signing key with its public counterpart.
type KeyPair struct {
	SecretKey SecretKey
	PublicKey PublicKey
}

// GenerateKeyPair creates a fresh random keypair, for tests and devnets.
func GenerateKeyPair() (*KeyPair, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("crypto: seed: %w", err)
	}
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: keygen: %w", err)
	}
	return &KeyPair{
		SecretKey: SecretKey{raw: sk},
		PublicKey: PublicKey{raw: sk.PublicKey()},
	}, nil
}

// SecretKeyFromHex decodes a hex-encoded secret key. An empty string yields
// the zero SecretKey, used by replicas that only verify (tests).
func SecretKeyFromHex(s string) (SecretKey, error) {
	if s == "" {
		return SecretKey{}, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return SecretKey{}, fmt.Errorf("secret key: %w", err)
	}
	sk := new(bls.PrivateKey[scheme])
	if err := sk.UnmarshalBinary(b); err != nil {
		return SecretKey{}, fmt.Errorf("secret key: %w", err)
	}
	return SecretKey{raw: sk}, nil
}

// Sign produces a detached signature over h using sk.
func Sign(sk SecretKey, h Hash) (Signature, error) {
	if sk.raw == nil {
		return nil, fmt.Errorf("crypto: nil secret key")
	}
	return Signature(bls.Sign(sk.raw, h[:])), nil
}

// Verify checks that sig is a valid detached signature over h under pk.
func Verify(pk PublicKey, h Hash, sig Signature) bool {
	if pk.raw == nil || len(sig) == 0 {
		return false
	}
	return bls.Verify(pk.raw, h[:], bls.Signature(sig))
}
