package consensus

import "fmt"

// Invariant signals a fatal logic bug: a point where an expected precondition
// failed to hold, per spec.md §7. Examples: inserting a self-produced block
// fails, committing a block not at the head of the speculation list, a block
// about to be persisted is missing from the cache. Callers are expected to
// abort the owning worker rather than retry.
type Invariant struct {
	Op  string
	Err error
}

func (i *Invariant) Error() string {
	return fmt.Sprintf("consensus: invariant violated in %s: %v", i.Op, i.Err)
}

func (i *Invariant) Unwrap() error { return i.Err }

func invariant(op string, err error) error {
	return &Invariant{Op: op, Err: err}
}
