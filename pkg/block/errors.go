package block

import (
	"errors"
	"fmt"

	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// MissingDependencies is returned by Store.Insert when a block's parent
// and/or justify-referenced block are not yet present in the store. Per
// spec.md §4.2/§9, exactly the missing one(s) are populated — never both
// silently, and never neither.
type MissingDependencies struct {
	ParentHash  *crypto.Hash
	JustifyHash *crypto.Hash
}

func (e *MissingDependencies) Error() string {
	switch {
	case e.ParentHash != nil && e.JustifyHash != nil:
		return fmt.Sprintf("block: missing parent %s and justify %s", e.ParentHash, e.JustifyHash)
	case e.ParentHash != nil:
		return fmt.Sprintf("block: missing parent %s", e.ParentHash)
	case e.JustifyHash != nil:
		return fmt.Sprintf("block: missing justify %s", e.JustifyHash)
	default:
		return "block: missing dependencies"
	}
}

// ErrNotPersistable is an Invariant-class error (spec.md §7): WriteToDisk was
// called for a block absent from the in-memory cache.
var ErrNotPersistable = errors.New("block: invariant: block missing from cache at persist time")
