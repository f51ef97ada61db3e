// Package netevent implements the Network Event Pipeline of spec.md §4.4: it
// validates inbound vote/proposal/block messages against the replica config,
// resolves block dependencies through the fetch subsystem, and forwards
// validated events to the consensus core on a single worker thread.
//
// Grounded on the teacher's pkg/consensus/pacemaker.go Network/Handlers
// split (inbound messages dispatched through a small number of typed
// callbacks) and pkg/p2p/libp2pnet.go's single-goroutine message loop.
package netevent

import (
	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// NetEvent is the closed, three-variant tagged union spec.md §9 calls for:
// Vote, Proposal, BlockReceive. Implementations are sealed to this package
// via the unexported marker method.
type NetEvent interface {
	isNetEvent()
}

// Vote carries a peer's partial certificate for a block hash.
type Vote struct {
	Hash  crypto.Hash
	PC    crypto.PartialCertificate
	Voter crypto.ReplicaID
}

func (Vote) isNetEvent() {}

// Proposal carries a freshly proposed block and the replica that proposed
// it.
type Proposal struct {
	Blk      *block.Block
	Proposer crypto.ReplicaID
}

func (Proposal) isNetEvent() {}

// BlockReceive carries a block delivered as a fetch response or unsolicited
// push; it only ever fills the cache, it never produces a consensus event.
type BlockReceive struct {
	Blk *block.Block
}

func (BlockReceive) isNetEvent() {}
