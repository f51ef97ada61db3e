package vm

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/bft-hotstuff/engine/pkg/block"
)

// MockVM is a deterministic, in-memory stand-in for the real application VM:
// a FIFO transaction queue feeding proposals, and state-root computation by
// hashing block content rather than running any real state transition.
// Grounded on the teacher's pkg/app/core/mempool.Mempool (mutex-guarded FIFO
// byte queue), generalized away from the perp-DEX tx classification to a
// plain opaque-payload queue, per spec.md §1 ("the application VM itself"
// being out of scope for the core).
type MockVM struct {
	mu      sync.Mutex
	pending [][]byte

	state     []byte // running state root; chains forward deterministically
	committed []BlockID
}

func NewMockVM() *MockVM {
	return &MockVM{}
}

// Submit enqueues a transaction for the next proposal, analogous to the
// teacher's Mempool.PushRaw.
func (m *MockVM) Submit(tx []byte) {
	cp := append([]byte(nil), tx...)
	m.mu.Lock()
	m.pending = append(m.pending, cp)
	m.mu.Unlock()
}

func (m *MockVM) InitClean() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = nil
	m.committed = nil
	return nil
}

func (m *MockVM) InitFromDisk(lastCommittedHeight uint64, lastCommittedID BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = []byte(lastCommittedID)
	return nil
}

// Propose pops one pending transaction as the next speculative body,
// matching the teacher's Mempool.SelectForProposal FIFO order. Returns
// ok=false when there is nothing pending.
func (m *MockVM) Propose() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil, false
	}
	tx := m.pending[0]
	m.pending = m.pending[1:]
	return tx, true
}

// ExecBlock folds blk's body into the running state root.
func (m *MockVM) ExecBlock(blk *block.Block) (BlockID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nonEmptyIDLocked(blk)
	m.state = []byte(id)
	return id, nil
}

func (m *MockVM) LogCommitment(id BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committed = append(m.committed, id)
	return nil
}

func (m *MockVM) RewindToLastCommit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.committed) == 0 {
		m.state = nil
		return nil
	}
	m.state = []byte(m.committed[len(m.committed)-1])
	return nil
}

func (m *MockVM) EmptyBlockID() BlockID { return BlockID("") }

func (m *MockVM) NonEmptyBlockID(blk *block.Block) BlockID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonEmptyIDLocked(blk)
}

func (m *MockVM) nonEmptyIDLocked(blk *block.Block) BlockID {
	h := sha256.New()
	h.Write(m.state)
	hash := blk.Hash()
	h.Write(hash[:])
	h.Write(blk.Body)
	return BlockID(hex.EncodeToString(h.Sum(nil)))
}

var _ VM = (*MockVM)(nil)
