package fetch

import (
	"testing"
	"time"

	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/crypto"
)

type memStoreStub struct {
	blocks map[crypto.Hash]*block.Block
}

func (s memStoreStub) Get(h crypto.Hash) (*block.Block, bool) {
	b, ok := s.blocks[h]
	return b, ok
}

func TestServerAnswerOmitsHashesNotInMemory(t *testing.T) {
	b := block.New(crypto.Hash{}, crypto.GenesisQC(), []byte("body"), 0, true, time.Now())
	store := memStoreStub{blocks: map[crypto.Hash]*block.Block{b.Hash(): b}}
	s := NewServer(store)

	resp := s.Answer([]crypto.Hash{b.Hash(), {0xFF}})
	if len(resp) != 1 {
		t.Fatalf("expected exactly one resident block in the answer, got %d", len(resp))
	}
	if resp[0].Header.BodyHash != b.Header.BodyHash {
		t.Fatal("returned wire form must match the resident block's header")
	}
}

func TestServerAnswerEmptyWhenNothingResident(t *testing.T) {
	store := memStoreStub{blocks: map[crypto.Hash]*block.Block{}}
	s := NewServer(store)
	resp := s.Answer([]crypto.Hash{{0x1}, {0x2}})
	if len(resp) != 0 {
		t.Fatalf("expected no blocks in the answer, got %d", len(resp))
	}
}
