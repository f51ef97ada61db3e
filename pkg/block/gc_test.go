package block

import (
	"context"
	"testing"
	"time"

	"github.com/bft-hotstuff/engine/pkg/crypto"
)

func TestGCSweepEvictsBelowTriggerHeightOnly(t *testing.T) {
	s := NewStore(newMemArchive())
	b1 := New(crypto.Hash{}, justifyGenesis(), []byte("b1"), 0, true, time.Now())
	s.Insert(b1)
	qc1 := crypto.NewQuorumCertificate(b1.Hash())
	b2 := New(b1.Hash(), qc1, []byte("b2"), 0, true, time.Now())
	s.Insert(b2)
	qc2 := crypto.NewQuorumCertificate(b2.Hash())
	b3 := New(b2.Hash(), qc2, []byte("b3"), 0, true, time.Now())
	s.Insert(b3)

	gc := NewGC(s, nil)
	gc.Enqueue(b1.Hash())
	gc.Enqueue(b2.Hash())
	gc.Enqueue(b3.Hash())
	gc.InvokeGC(2)
	gc.sweep()

	if _, ok := s.Get(b1.Hash()); ok {
		t.Fatal("b1 (height 1) should be evicted once trigger height is 2")
	}
	if _, ok := s.Get(b2.Hash()); !ok {
		t.Fatal("b2 (height 2) is not below the trigger height and must survive")
	}
	if _, ok := s.Get(b3.Hash()); !ok {
		t.Fatal("b3 (height 3) must survive")
	}
}

func TestGCRetainsCandidatesStillAboveTriggerForNextSweep(t *testing.T) {
	s := NewStore(newMemArchive())
	b1 := New(crypto.Hash{}, justifyGenesis(), []byte("b1"), 0, true, time.Now())
	s.Insert(b1)

	gc := NewGC(s, nil)
	gc.Enqueue(b1.Hash())
	gc.InvokeGC(0)
	gc.sweep()
	if _, ok := s.Get(b1.Hash()); !ok {
		t.Fatal("b1 must survive when trigger height has not yet passed it")
	}

	gc.InvokeGC(2)
	gc.sweep()
	if _, ok := s.Get(b1.Hash()); ok {
		t.Fatal("b1 must be evicted once a later sweep raises the trigger height past it")
	}
}

func TestGCTriggerHeightIsMonotonic(t *testing.T) {
	gc := NewGC(NewStore(newMemArchive()), nil)
	gc.InvokeGC(5)
	gc.InvokeGC(2)
	gc.mu.Lock()
	trigger := gc.triggerHeight
	gc.mu.Unlock()
	if trigger != 5 {
		t.Fatalf("trigger height must never move backward, got %d", trigger)
	}
}

func TestGCRunStopsOnContextCancel(t *testing.T) {
	gc := NewGC(NewStore(newMemArchive()), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gc.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
