// Package p2p is the peer protocol of spec.md §6: proposals are gossiped
// over a pubsub topic, votes and block-fetch requests go over dedicated
// libp2p stream protocols. Grounded on the teacher's pkg/p2p/libp2pnet.go
// (libp2p host + gossipsub + per-purpose stream protocols, reactive
// channel-signalled vote handling), generalized from the teacher's
// propose/prepare two-topic design to this engine's propose-only topic plus
// a fetch request/response protocol.
package p2p

import (
	"context"
	"fmt"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/crypto"
	"github.com/bft-hotstuff/engine/pkg/fetch"
	"github.com/bft-hotstuff/engine/pkg/netevent"
	"github.com/bft-hotstuff/engine/pkg/replicaset"
)

const (
	topicPropose  = "bft-hotstuff-propose"
	protocolVote  = protocol.ID("/bft-hotstuff/vote/1.0.0")
	protocolFetch = protocol.ID("/bft-hotstuff/fetch/1.0.0")
)

// Node is both the outbound consensus.Network and the outbound
// fetch.Transport: a single libp2p host backs both the propose topic and the
// two unicast stream protocols.
type Node struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	self crypto.ReplicaID
	cfg  *replicaset.Config

	tPropose   *pubsub.Topic
	subPropose *pubsub.Subscription

	muPeers sync.RWMutex
	peerIDs map[crypto.ReplicaID]peer.ID

	pipeline *netevent.Pipeline
	server   *fetch.Server
}

// Config configures a Node.
type Config struct {
	ListenAddr string
	Bootstrap  []string
	Self       crypto.ReplicaID
	Replicas   *replicaset.Config
	Pipeline   *netevent.Pipeline
	Server     *fetch.Server
	Logger     *zap.SugaredLogger
}

func NewNode(ctx context.Context, cfg Config) (*Node, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	n := &Node{
		h: h, ps: ps, log: cfg.Logger,
		self: cfg.Self, cfg: cfg.Replicas,
		peerIDs:  make(map[crypto.ReplicaID]peer.ID),
		pipeline: cfg.Pipeline,
		server:   cfg.Server,
	}

	for _, bs := range cfg.Bootstrap {
		if err := n.connectBootstrap(ctx, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}
	n.bindFromConfig()

	if n.tPropose, err = n.ps.Join(topicPropose); err != nil {
		return nil, err
	}
	if n.subPropose, err = n.tPropose.Subscribe(); err != nil {
		return nil, err
	}

	h.SetStreamHandler(protocolVote, n.handleVoteStream)
	h.SetStreamHandler(protocolFetch, n.handleFetchStream)

	go n.runPropose(ctx)

	if cfg.Logger != nil {
		cfg.Logger.Infow("p2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return n, nil
}

func (n *Node) connectBootstrap(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	if err := n.h.Connect(ctx, *info); err != nil {
		return err
	}
	return nil
}

// BindPeer records which libp2p peer id a replica answers to. Replica-id to
// peer-id discovery is out of this engine's scope (spec.md §1 excludes
// transport/session multiplexing); callers populate this from the same
// out-of-band configuration that supplies Bootstrap addrs.
func (n *Node) BindPeer(replica crypto.ReplicaID, pid peer.ID) {
	n.muPeers.Lock()
	n.peerIDs[replica] = pid
	n.muPeers.Unlock()
}

// bindFromConfig derives every other replica's peer.ID from its configured
// Multiaddr (which carries a trailing /p2p/<peer-id>) and binds it, so
// SendVote/RequestBlocks have somewhere to dial without a separate discovery
// step. Replicas with no multiaddr configured (or this node's own entry) are
// skipped.
func (n *Node) bindFromConfig() {
	if n.cfg == nil {
		return
	}
	for id, r := range n.cfg.Replicas {
		if id == n.self || r.Multiaddr == "" {
			continue
		}
		m, err := ma.NewMultiaddr(r.Multiaddr)
		if err != nil {
			if n.log != nil {
				n.log.Warnw("bind_peer_bad_multiaddr", "replica", id, "err", err)
			}
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(m)
		if err != nil {
			if n.log != nil {
				n.log.Warnw("bind_peer_addrinfo_failed", "replica", id, "err", err)
			}
			continue
		}
		n.h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.PermanentAddrTTL)
		n.BindPeer(id, info.ID)
	}
}

func (n *Node) peerID(replica crypto.ReplicaID) (peer.ID, bool) {
	n.muPeers.RLock()
	defer n.muPeers.RUnlock()
	pid, ok := n.peerIDs[replica]
	return pid, ok
}

// BroadcastProposal publishes blk to the propose topic. Satisfies
// consensus.Network.
func (n *Node) BroadcastProposal(ctx context.Context, blk *block.Block) error {
	data, err := gobEncode(ProposeWire{Block: blk.ToWire(), Proposer: blk.Proposer})
	if err != nil {
		return err
	}
	return n.tPropose.Publish(ctx, data)
}

// SendVote unicasts a vote to the target replica, or loops it back locally
// if to is this replica. Satisfies consensus.Network.
func (n *Node) SendVote(ctx context.Context, to crypto.ReplicaID, hash crypto.Hash, pc crypto.PartialCertificate) error {
	if to == n.self {
		n.pipeline.Submit(netevent.Vote{Hash: hash, PC: pc, Voter: n.self})
		return nil
	}
	pid, ok := n.peerID(to)
	if !ok {
		return fmt.Errorf("p2p: no known peer id for replica %d", to)
	}
	stream, err := n.h.NewStream(ctx, pid, protocolVote)
	if err != nil {
		return err
	}
	defer stream.Close()

	data, err := gobEncode(VoteWire{Hash: hash, PC: pc, Voter: n.self})
	if err != nil {
		return err
	}
	_, err = stream.Write(data)
	return err
}

// RequestBlocks asks peer for hashes and feeds each returned block into the
// pipeline as a BlockReceive event. Satisfies fetch.Transport.
func (n *Node) RequestBlocks(ctx context.Context, peerID crypto.ReplicaID, hashes []crypto.Hash) error {
	pid, ok := n.peerID(peerID)
	if !ok {
		return fmt.Errorf("p2p: no known peer id for replica %d", peerID)
	}
	stream, err := n.h.NewStream(ctx, pid, protocolFetch)
	if err != nil {
		return err
	}
	defer stream.Close()

	data, err := gobEncode(FetchRequest{Hashes: hashes})
	if err != nil {
		return err
	}
	if _, err := stream.Write(data); err != nil {
		return err
	}
	if err := stream.CloseWrite(); err != nil {
		return err
	}

	respData, err := io.ReadAll(stream)
	if err != nil {
		return err
	}
	var resp FetchResponse
	if err := gobDecode(respData, &resp); err != nil {
		return err
	}
	for _, w := range resp.Blocks {
		n.pipeline.Submit(netevent.BlockReceive{Blk: block.FromWire(w)})
	}
	return nil
}

func (n *Node) runPropose(ctx context.Context) {
	for {
		msg, err := n.subPropose.Next(ctx)
		if err != nil {
			return
		}
		var w ProposeWire
		if err := gobDecode(msg.Data, &w); err != nil {
			if n.log != nil {
				n.log.Debugw("propose_decode_failed", "err", err)
			}
			continue
		}
		n.pipeline.Submit(netevent.Proposal{Blk: block.FromWire(w.Block), Proposer: w.Proposer})
	}
}

func (n *Node) handleVoteStream(s network.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	var w VoteWire
	if err := gobDecode(data, &w); err != nil {
		if n.log != nil {
			n.log.Debugw("vote_decode_failed", "err", err)
		}
		return
	}
	n.pipeline.Submit(netevent.Vote{Hash: w.Hash, PC: w.PC, Voter: w.Voter})
}

func (n *Node) handleFetchStream(s network.Stream) {
	defer s.Close()
	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	var req FetchRequest
	if err := gobDecode(data, &req); err != nil {
		if n.log != nil {
			n.log.Debugw("fetch_request_decode_failed", "err", err)
		}
		return
	}
	resp := FetchResponse{Blocks: n.server.Answer(req.Hashes)}
	data, err = gobEncode(resp)
	if err != nil {
		return
	}
	_, _ = s.Write(data)
}

func (n *Node) Host() host.Host { return n.h }
