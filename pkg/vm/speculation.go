package vm

import (
	"sync"

	"go.uber.org/zap"
)

// Entry is one (hotstuff_height, vm_block_id) pair held by the gadget.
type Entry struct {
	Height uint64
	ID     BlockID
}

// Speculation is the ordered list of in-flight speculative entries, per
// spec.md §4.6. Entries are strictly sequential in height starting from
// highest_committed_height + 1; any divergence clears and reseeds the list.
// An internal mutex serializes adds/commits/clears; Reset (clear, then seed)
// takes the lock once across both steps rather than releasing between them,
// per spec.md §5. Lowest and Reset are separate acquisitions, so a caller
// that inspects and then resets does so under two locks.
type Speculation struct {
	mu        sync.Mutex
	entries   []Entry
	head      uint64 // next height add_height_pair will accept
	committed uint64 // highest_committed_height
	logger    *zap.SugaredLogger
}

// NewSpeculation seeds the gadget just past the last committed height
// (typically 0, genesis) so the first accepted pair is height+1.
func NewSpeculation(lastCommittedHeight uint64, logger *zap.SugaredLogger) *Speculation {
	return &Speculation{head: lastCommittedHeight + 1, committed: lastCommittedHeight, logger: logger}
}

// AddHeightPair accepts (h, id) only if h equals the current head; otherwise
// it warns and drops the pair, per spec.md §4.6.
func (s *Speculation) AddHeightPair(h uint64, id BlockID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(h, id)
}

func (s *Speculation) addLocked(h uint64, id BlockID) bool {
	if h != s.head {
		if s.logger != nil {
			s.logger.Warnw("speculation_height_gap", "expected", s.head, "got", h)
		}
		return false
	}
	s.entries = append(s.entries, Entry{Height: h, ID: id})
	s.head++
	return true
}

// OnCommitHotstuff requires the list's front entry to be at height h exactly
// (no gaps, no out-of-order commits); on match it pops the entry, advances
// highest_committed_height, and returns the committed id.
func (s *Speculation) OnCommitHotstuff(h uint64) (BlockID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 || s.entries[0].Height != h {
		return "", false
	}
	id := s.entries[0].ID
	s.entries = s.entries[1:]
	s.committed = h
	return id, true
}

// Clear drops all entries and resets head to highest_committed_height + 1.
func (s *Speculation) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Speculation) clearLocked() {
	s.entries = nil
	s.head = s.committed + 1
}

// Lowest returns the front entry, if any.
func (s *Speculation) Lowest() (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return Entry{}, false
	}
	return s.entries[0], true
}

// Reset is the compound "clear, then seed (h, id)" operation apply_block
// uses on divergence: both steps happen under one lock acquisition, per
// spec.md §5's "external callers must also hold it across compound
// operations."
func (s *Speculation) Reset(h uint64, id BlockID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
	s.head = h
	s.addLocked(h, id)
}

// Head reports the next height AddHeightPair will accept.
func (s *Speculation) Head() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}
