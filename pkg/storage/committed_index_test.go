package storage

import (
	"path/filepath"
	"testing"

	"github.com/bft-hotstuff/engine/pkg/crypto"
)

func openTestIndex(t *testing.T) *CommittedIndex {
	t.Helper()
	idx, err := OpenCommittedIndex(filepath.Join(t.TempDir(), "committed"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestCommittedIndexGetMissingHeight(t *testing.T) {
	idx := openTestIndex(t)
	_, ok, err := idx.Get(42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected no record for an unwritten height")
	}
}

func TestCommittedIndexRoundTrip(t *testing.T) {
	idx := openTestIndex(t)
	h := crypto.Hash{1, 2, 3}
	if err := idx.RecordCommitWithVMBlock(7, h, "vm-block-7"); err != nil {
		t.Fatalf("record: %v", err)
	}
	rec, ok, err := idx.Get(7)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if rec.Height != 7 || rec.Hash != h || rec.VMBlock != "vm-block-7" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestCommittedIndexLatestTracksMostRecentCommit(t *testing.T) {
	idx := openTestIndex(t)
	idx.RecordCommitWithVMBlock(1, crypto.Hash{1}, "a")
	idx.RecordCommitWithVMBlock(2, crypto.Hash{2}, "b")
	idx.RecordCommitWithVMBlock(3, crypto.Hash{3}, "c")

	latest, ok, err := idx.Latest()
	if err != nil || !ok {
		t.Fatalf("latest: ok=%v err=%v", ok, err)
	}
	if latest.Height != 3 || latest.VMBlock != "c" {
		t.Fatalf("expected latest to be height 3/c, got %+v", latest)
	}
}

func TestCommittedIndexLatestEmptyIndex(t *testing.T) {
	idx := openTestIndex(t)
	_, ok, err := idx.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if ok {
		t.Fatal("expected no latest record on an empty index")
	}
}

func TestCommittedIndexReplayVisitsAscendingHeightsOnlyAndSkipsLatestMarker(t *testing.T) {
	idx := openTestIndex(t)
	idx.RecordCommitWithVMBlock(1, crypto.Hash{1}, "a")
	idx.RecordCommitWithVMBlock(2, crypto.Hash{2}, "b")
	idx.RecordCommitWithVMBlock(3, crypto.Hash{3}, "c")

	var heights []uint64
	err := idx.Replay(func(rec CommittedRecord) error {
		heights = append(heights, rec.Height)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(heights) != 3 || heights[0] != 1 || heights[1] != 2 || heights[2] != 3 {
		t.Fatalf("expected ascending [1 2 3], got %v", heights)
	}
}

func TestCommittedIndexRecordCommitDefaultsEmptyVMBlock(t *testing.T) {
	idx := openTestIndex(t)
	if err := idx.RecordCommit(5, crypto.Hash{5}); err != nil {
		t.Fatalf("record: %v", err)
	}
	rec, ok, err := idx.Get(5)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if rec.VMBlock != "" {
		t.Fatalf("expected empty VMBlock, got %q", rec.VMBlock)
	}
}
