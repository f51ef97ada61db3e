// Package block implements the content-addressed block DAG: the Block type,
// its wire encoding, the in-memory/archive Store, and garbage collection
// below the committed frontier. Grounded on the teacher's
// pkg/consensus/types.go (Block/Hash) and pkg/storage (blockstore.go,
// pebble_store.go, wal.go), generalized from a flat view-keyed chain to a
// parent/justify DAG per spec.md §3/§4.2.
package block

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// Header is the wire-transmitted portion of a block: parent hash, the QC it
// extends for safety (justify), and the hash of its opaque body. This is the
// BlockWire header of spec.md §6.
type Header struct {
	Parent   crypto.Hash
	Justify  *crypto.QuorumCertificate
	BodyHash crypto.Hash
}

// Block is a block admitted to, or about to be admitted to, the store. Fields
// set at construction mirror the wire header; fields set by Store.Insert are
// the derived attributes of spec.md §3 (height, parent/justify references,
// self hash, decided/applied/written flags).
type Block struct {
	Header   Header
	Body     []byte
	Proposer crypto.ReplicaID
	Time     time.Time

	// selfProduced is true for blocks this replica minted itself; set once,
	// at construction, never mutated.
	selfProduced bool

	mu     sync.RWMutex
	height uint64
	admitted bool
	parent   *Block
	justify  *Block

	hashOnce sync.Once
	hash     crypto.Hash

	decided       atomic.Bool
	applied       atomic.Bool
	writtenToDisk atomic.Bool
	writeOnce     sync.Once
	writeErr      error

	parseOnce sync.Once
	parsed    any
	parseErr  error
}

// New constructs an unadmitted block ready for Store.Insert.
func New(parent crypto.Hash, justify *crypto.QuorumCertificate, body []byte, proposer crypto.ReplicaID, selfProduced bool, t time.Time) *Block {
	return &Block{
		Header: Header{
			Parent:   parent,
			Justify:  justify,
			BodyHash: sha256.Sum256(body),
		},
		Body:         body,
		Proposer:     proposer,
		Time:         t,
		selfProduced: selfProduced,
	}
}

// Genesis returns the distinguished sentinel block: height 0, decided and
// applied, zero self hash. Per spec.md §3.
func Genesis() *Block {
	g := &Block{
		Header: Header{Parent: crypto.Hash{}, Justify: crypto.GenesisQC(), BodyHash: crypto.Hash{}},
		Time:   time.Unix(0, 0),
	}
	g.admitted = true
	g.decided.Store(true)
	g.applied.Store(true)
	g.writtenToDisk.Store(true)
	// hashOnce runs eagerly so Hash() never touches Header for genesis;
	// the zero hash is the genesis sentinel by construction.
	g.hashOnce.Do(func() {})
	return g
}

// Hash computes (and caches) the self hash: sha256 over the wire header.
// Genesis is pre-seeded to the zero hash by Genesis() above.
func (b *Block) Hash() crypto.Hash {
	b.hashOnce.Do(func() {
		h := sha256.New()
		h.Write(b.Header.Parent[:])
		if b.Header.Justify != nil {
			h.Write(b.Header.Justify.Hash[:])
		}
		h.Write(b.Header.BodyHash[:])
		sum := h.Sum(nil)
		copy(b.hash[:], sum)
	})
	return b.hash
}

// Height returns the derived height (0 only for genesis); valid only once
// the block has been admitted to a Store.
func (b *Block) Height() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.height
}

// Admitted reports whether this block has been inserted into a Store.
func (b *Block) Admitted() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.admitted
}

// Parent returns the owning strong reference to this block's parent, or nil
// if not yet admitted.
func (b *Block) Parent() *Block {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.parent
}

// JustifyBlock returns the block that this block's justify QC certifies.
func (b *Block) JustifyBlock() *Block {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.justify
}

func (b *Block) setAdmitted(height uint64, parent, justify *Block) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.height = height
	b.parent = parent
	b.justify = justify
	b.admitted = true
}

// SelfProduced reports whether this replica minted the block itself.
func (b *Block) SelfProduced() bool { return b.selfProduced }

func (b *Block) Decided() bool       { return b.decided.Load() }
func (b *Block) Applied() bool       { return b.applied.Load() }
func (b *Block) WrittenToDisk() bool { return b.writtenToDisk.Load() }

// MarkDecided flags b as having passed the three-chain commit rule. Called by
// the consensus core exactly once per block, per spec.md §4.5.
func (b *Block) MarkDecided() { b.decided.Store(true) }

// MarkApplied flags b as having been executed by the VM. Called by the VM
// bridge after ExecBlock returns, per spec.md §4.5.
func (b *Block) MarkApplied() { b.applied.Store(true) }

// ParsedBody runs parse over Body at most once and caches the result,
// matching spec.md §3's "once-only body parse". A parse failure is cached
// too (and does not invalidate the block at the HotStuff level — callers
// surface it to the VM as "no payload", per spec.md §4.5).
func (b *Block) ParsedBody(parse func([]byte) (any, error)) (any, error) {
	b.parseOnce.Do(func() {
		b.parsed, b.parseErr = parse(b.Body)
	})
	return b.parsed, b.parseErr
}

// Wire is the canonical, length-prefix-free encoding used on the network and
// in the on-disk archive. The true wire codec is an external collaborator
// per spec.md §1 ("assumed to be a length-prefixed canonical encoding"); gob
// stands in for it here, matching the teacher's pkg/p2p/wire.go and
// pkg/storage/codec.go choice of encoding/gob for the same purpose.
type Wire struct {
	Header   Header
	Body     []byte
	Proposer crypto.ReplicaID
	Time     time.Time
}

func (b *Block) ToWire() Wire {
	return Wire{Header: b.Header, Body: b.Body, Proposer: b.Proposer, Time: b.Time}
}

// FromWire reconstructs an unadmitted Block from its wire form. selfProduced
// is always false for blocks received from the network.
func FromWire(w Wire) *Block {
	return &Block{Header: w.Header, Body: w.Body, Proposer: w.Proposer, Time: w.Time}
}

func EncodeWire(w Wire) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeWire(data []byte) (Wire, error) {
	var w Wire
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w)
	return w, err
}
