package fetch

import (
	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// MemoryStore is the read side a Server needs: resident blocks only, never
// the archive, per spec.md §4.3 ("the fetch server answers only from the
// blocks it currently holds in memory; it never falls back to disk").
type MemoryStore interface {
	Get(h crypto.Hash) (*block.Block, bool)
}

// Server answers a peer's batched block request with whatever of the
// requested hashes are currently resident. Grounded on the teacher's
// pkg/p2p/libp2pnet.go stream-handler pattern: read a request, reply
// in-line, no background state of its own.
type Server struct {
	store MemoryStore
}

func NewServer(store MemoryStore) *Server {
	return &Server{store: store}
}

// Answer returns the wire forms of every requested hash currently held in
// memory; hashes the server doesn't have are silently omitted (the asking
// peer will simply re-request them, possibly of a different peer).
func (s *Server) Answer(hashes []crypto.Hash) []block.Wire {
	out := make([]block.Wire, 0, len(hashes))
	for _, h := range hashes {
		b, ok := s.store.Get(h)
		if !ok {
			continue
		}
		out = append(out, b.ToWire())
	}
	return out
}
