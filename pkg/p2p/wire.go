package p2p

import (
	"bytes"
	"encoding/gob"

	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// VoteWire is the wire form of the peer protocol's vote(VoteMessage) call,
// per spec.md §6.
type VoteWire struct {
	Hash  crypto.Hash
	PC    crypto.PartialCertificate
	Voter crypto.ReplicaID
}

// ProposeWire is the wire form of the peer protocol's propose(ProposeMessage)
// call, per spec.md §6.
type ProposeWire struct {
	Block    block.Wire
	Proposer crypto.ReplicaID
}

// FetchRequest is BlockFetchRequest{reqs: [hash]}, per spec.md §6.
type FetchRequest struct {
	Hashes []crypto.Hash
}

// FetchResponse is BlockFetchResponse{responses: [BlockWire]}, per
// spec.md §6: the subset of requested blocks present in memory.
type FetchResponse struct {
	Blocks []block.Wire
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
