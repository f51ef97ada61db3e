package block

import (
	"sync"

	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// Archive is the durable per-block archive, keyed by header hash. The real
// implementation (archive.go) is a plain file-per-block directory; tests may
// substitute an in-memory fake.
type Archive interface {
	Save(b *Block) error
	Load(h crypto.Hash) (*Block, bool, error)
}

// Store is the in-memory cache of live blocks plus the durable archive
// backing it, per spec.md §4.2. A single mutex protects the cache map; the
// block DAG itself is append-only once a block is admitted (only the
// decided/applied/written-to-disk flags mutate afterward, and those are
// atomic per Block).
type Store struct {
	mu      sync.Mutex
	blocks  map[crypto.Hash]*Block
	archive Archive
	gc      *GC
}

// NewStore creates a store pre-seeded with genesis.
func NewStore(archive Archive) *Store {
	s := &Store{blocks: make(map[crypto.Hash]*Block), archive: archive}
	g := Genesis()
	s.blocks[g.Hash()] = g
	return s
}

// SetGC wires the garbage collector a newly admitted block is reported to.
// Split from NewStore because the GC itself is constructed from a *Store
// (mirrors Core.SetNetwork's same construction-order problem). Not safe to
// call once the store is serving inserts.
func (s *Store) SetGC(gc *GC) {
	s.mu.Lock()
	s.gc = gc
	s.mu.Unlock()
}

// Insert admits b into the store. Per spec.md §4.2, a block cannot be
// inserted unless its parent and justify-referenced block are already
// present; on success the block's height, parent reference, and justify
// reference are set. Insertion is idempotent for identical hashes: a second
// insert of a block already present returns the existing block and does not
// mutate its references.
func (s *Store) Insert(b *Block) (*Block, error) {
	h := b.Hash()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.blocks[h]; ok {
		return existing, nil
	}

	parent, hasParent := s.blocks[b.Header.Parent]
	var justify *Block
	hasJustify := true
	if b.Header.Justify != nil && !b.Header.Justify.Hash.IsZero() {
		justify, hasJustify = s.blocks[b.Header.Justify.Hash]
	} else {
		justify = s.blocks[crypto.Hash{}] // genesis
	}

	if !hasParent || !hasJustify {
		md := &MissingDependencies{}
		if !hasParent {
			ph := b.Header.Parent
			md.ParentHash = &ph
		}
		if !hasJustify {
			jh := b.Header.Justify.Hash
			md.JustifyHash = &jh
		}
		return nil, md
	}

	b.setAdmitted(parent.Height()+1, parent, justify)
	s.blocks[h] = b
	if s.gc != nil {
		s.gc.Enqueue(h)
	}
	return b, nil
}

// Get reads from the in-memory cache only; returns false if the block has
// been flushed by garbage collection (even if it still lives in the
// archive).
func (s *Store) Get(h crypto.Hash) (*Block, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[h]
	return b, ok
}

// WriteToDisk serializes the block named by h, and recursively any
// not-yet-persisted ancestors, to the archive. Must be called before a block
// is committed/applied, per spec.md §4.2. Each block is written at most once
// (guarded by Block.writeOnce). Calling it for a block absent from the cache
// is an Invariant violation.
func (s *Store) WriteToDisk(h crypto.Hash) error {
	b, ok := s.Get(h)
	if !ok {
		return ErrNotPersistable
	}
	return s.writeRec(b)
}

func (s *Store) writeRec(b *Block) error {
	if b.Hash().IsZero() {
		return nil // genesis: nothing to persist
	}
	if p := b.Parent(); p != nil {
		if err := s.writeRec(p); err != nil {
			return err
		}
	}
	b.writeOnce.Do(func() {
		b.writeErr = s.archive.Save(b)
		if b.writeErr == nil {
			b.writtenToDisk.Store(true)
		}
	})
	return b.writeErr
}

// PruneBelowHeight marks all blocks with height < h as eligible for
// eviction by raising the wired GC's trigger height; actual eviction happens
// asynchronously in the GC worker's sweep, which calls evict below. With no
// GC wired via SetGC it does nothing. Safe because honest proposers only
// build on justify.height >= highest_qc.height >= committed_height
// (spec.md §4.2).
func (s *Store) PruneBelowHeight(h uint64) {
	s.mu.Lock()
	gc := s.gc
	s.mu.Unlock()
	if gc != nil {
		gc.InvokeGC(h)
	}
}

// peek returns a block without taking it out of consideration for GC
// accounting (same as Get, named for gc.go's perspective).
func (s *Store) peek(h crypto.Hash) (*Block, bool) {
	return s.Get(h)
}

// evict removes a block from the live cache and releases its body, per
// spec.md §4.2's "flushes the in-memory body and removes the entry from the
// live set." Any descendant still holding a strong parent/justify reference
// keeps the Block object alive; only the store's own lookup entry is
// dropped.
func (s *Store) evict(h crypto.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blocks[h]; ok {
		b.Body = nil
		delete(s.blocks, h)
	}
}
