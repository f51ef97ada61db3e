// Package storage holds the durable side-indexes that sit next to the block
// archive: the committed-height index used to restore consensus state and
// replay VM commitments after a restart. Grounded on the teacher's
// pkg/storage/pebble_store.go (a *pebble.DB wrapped with small key-prefix
// helpers and gob-encoded values); generalized from the teacher's
// block/cert/account/position/order/trade key space down to the single
// committed-height mapping spec.md §6 calls for ("A key/value index mapping
// committed hotstuff_height -> (block_hash, serialized_vm_block_id); read at
// startup to restore hqc, b_lock, b_exec and to replay VM commits").
package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// CommittedRecord is one committed-height entry: the consensus block hash
// decided at that height, plus the VM block id (opaque, vm.BlockID in
// serialized form) the VM bridge logged for it.
type CommittedRecord struct {
	Height  uint64
	Hash    crypto.Hash
	VMBlock string
}

// CommittedIndex is the pebble-backed implementation of consensus.CommittedIndex
// plus the startup read path the node needs to call consensus.Core.Restore
// and vm.VM.InitFromDisk.
type CommittedIndex struct {
	db *pebble.DB
}

func OpenCommittedIndex(path string) (*CommittedIndex, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("storage: open committed index: %w", err)
	}
	return &CommittedIndex{db: db}, nil
}

func (c *CommittedIndex) Close() error { return c.db.Close() }

// RecordCommit persists (height -> hash) with no VM block id attached.
// Satisfies consensus.CommittedIndex; callers that also have the VM block id
// should use RecordCommitWithVMBlock instead (the VM bridge calls that one
// after logging the commitment).
func (c *CommittedIndex) RecordCommit(height uint64, hash crypto.Hash) error {
	return c.RecordCommitWithVMBlock(height, hash, "")
}

// RecordCommitWithVMBlock persists the full (height -> hash, vm_block_id)
// record for replay at startup.
func (c *CommittedIndex) RecordCommitWithVMBlock(height uint64, hash crypto.Hash, vmBlock string) error {
	rec := CommittedRecord{Height: height, Hash: hash, VMBlock: vmBlock}
	data, err := encodeGob(rec)
	if err != nil {
		return fmt.Errorf("storage: encode committed record: %w", err)
	}
	if err := c.db.Set(heightKey(height), data, pebble.Sync); err != nil {
		return fmt.Errorf("storage: write committed record: %w", err)
	}
	return c.setLatestHeight(height)
}

func (c *CommittedIndex) setLatestHeight(height uint64) error {
	return c.db.Set([]byte("latest"), heightKey(height), pebble.Sync)
}

// Get reads back the record committed at height, if any.
func (c *CommittedIndex) Get(height uint64) (CommittedRecord, bool, error) {
	val, closer, err := c.db.Get(heightKey(height))
	if err == pebble.ErrNotFound {
		return CommittedRecord{}, false, nil
	}
	if err != nil {
		return CommittedRecord{}, false, fmt.Errorf("storage: read committed record: %w", err)
	}
	defer closer.Close()
	var rec CommittedRecord
	if err := decodeGob(val, &rec); err != nil {
		return CommittedRecord{}, false, fmt.Errorf("storage: decode committed record: %w", err)
	}
	return rec, true, nil
}

// Latest returns the highest committed record written so far, if the index
// is non-empty. Used at startup to restore b_exec and to seed the VM
// bridge's speculation gadget and the VM's own InitFromDisk.
func (c *CommittedIndex) Latest() (CommittedRecord, bool, error) {
	val, closer, err := c.db.Get([]byte("latest"))
	if err == pebble.ErrNotFound {
		return CommittedRecord{}, false, nil
	}
	if err != nil {
		return CommittedRecord{}, false, fmt.Errorf("storage: read latest marker: %w", err)
	}
	height := decodeHeightKey(val)
	closer.Close()
	return c.Get(height)
}

// Replay calls fn once per committed record in ascending height order, for
// rebuilding VM state by re-applying LogCommitment calls after a restart.
func (c *CommittedIndex) Replay(fn func(CommittedRecord) error) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{heightPrefix},
		UpperBound: []byte{heightPrefix + 1},
	})
	if err != nil {
		return fmt.Errorf("storage: replay iterator: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var rec CommittedRecord
		if err := decodeGob(iter.Value(), &rec); err != nil {
			return fmt.Errorf("storage: decode during replay: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

func decodeHeightKey(k []byte) uint64 {
	var h uint64
	for _, b := range k[1:] { // skip heightPrefix
		h = h<<8 | uint64(b)
	}
	return h
}
