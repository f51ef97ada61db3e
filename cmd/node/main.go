// Command node runs a single HotStuff replica: loads the static replica-set
// file, opens its block archive and committed-height index, wires the fetch
// subsystem, the network event pipeline, the consensus core, the VM bridge,
// the libp2p transport and the status API, then drives the proposer loop.
// Grounded on the teacher's cmd/node/main.go wiring order (load config, build
// consensus state, start networking, start the engine goroutine, then block
// on a signal context).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bft-hotstuff/engine/params"
	"github.com/bft-hotstuff/engine/pkg/block"
	"github.com/bft-hotstuff/engine/pkg/consensus"
	"github.com/bft-hotstuff/engine/pkg/fetch"
	"github.com/bft-hotstuff/engine/pkg/netevent"
	"github.com/bft-hotstuff/engine/pkg/p2p"
	"github.com/bft-hotstuff/engine/pkg/replicaset"
	"github.com/bft-hotstuff/engine/pkg/status"
	"github.com/bft-hotstuff/engine/pkg/storage"
	"github.com/bft-hotstuff/engine/pkg/util"
	"github.com/bft-hotstuff/engine/pkg/vm"
	"net/http"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		panic(fmt.Sprintf("logger: %v", err))
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	rs, err := replicaset.Load(cfg.Node.ReplicaSetPath)
	if err != nil {
		sugar.Fatalw("replicaset_load_failed", "err", err)
	}
	rs.ListenAddr = firstNonEmpty(os.Getenv("LISTEN"), rs.ListenAddr)

	archive, err := block.NewFileArchive(cfg.Node.BlockArchiveDir)
	if err != nil {
		sugar.Fatalw("archive_open_failed", "err", err)
	}
	store := block.NewStore(archive)
	gc := block.NewGC(store, sugar)
	store.SetGC(gc)

	index, err := storage.OpenCommittedIndex(cfg.Node.CommittedIndexPath)
	if err != nil {
		sugar.Fatalw("committed_index_open_failed", "err", err)
	}
	defer index.Close()

	mvm := vm.NewMockVM()
	lastCommittedHeight, lastCommittedVMBlock := restoreVM(index, mvm, sugar)
	spec := vm.NewSpeculation(lastCommittedHeight, sugar)
	bridge := vm.NewBridge(mvm, spec, sugar)
	bridge.SetTarget(cfg.VM.ProposalBufferTarget)
	bridge.SetCommitRecorder(index)

	pacer := consensus.NewPacemaker(consensus.PacemakerTimers{
		ProposeTimeout: cfg.Pacemaker.ProposeTimeout,
		Delta:          cfg.Pacemaker.Delta,
	}, util.RealClock{})

	core := consensus.NewCore(rs.SelfID, rs.SecretKey, rs, store, gc, index, bridge, nil, pacer, sugar)
	if lastCommittedVMBlock != "" {
		seedRestore(core, store, index, sugar)
	}

	registry := fetch.NewRegistry(rs.IsValidReplica)
	fetchServer := fetch.NewServer(store)

	pipeline := netevent.NewPipeline(store, registry, core, sugar)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var bootstrap []string
	for id, r := range rs.Replicas {
		if id != rs.SelfID && r.Multiaddr != "" {
			bootstrap = append(bootstrap, r.Multiaddr)
		}
	}

	node, err := p2p.NewNode(ctx, p2p.Config{
		ListenAddr: rs.ListenAddr,
		Bootstrap:  bootstrap,
		Self:       rs.SelfID,
		Replicas:   rs,
		Pipeline:   pipeline,
		Server:     fetchServer,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("p2p_init_failed", "err", err)
	}
	core.SetNetwork(node)

	for id := range rs.Replicas {
		if id == rs.SelfID {
			continue
		}
		w := fetch.NewWorker(id, registry, node, util.RealClock{}, sugar)
		go w.Run(ctx)
	}

	statusServer := status.NewServer(core, store, sugar)
	core.AddObserver(statusServer)
	statusServer.Run()

	go func() {
		sugar.Infow("status_api_starting", "addr", cfg.Node.StatusAddr)
		if err := http.ListenAndServe(cfg.Node.StatusAddr, statusServer.Handler()); err != nil {
			sugar.Errorw("status_api_failed", "err", err)
		}
	}()

	go pipeline.Run(ctx)
	go gc.Run(ctx)
	go bridge.Run(ctx)

	leader := consensus.RoundRobinElector{IDs: sortedIDs(rs)}
	core.SetLeaderHook(func(nextHeight uint64) {
		bridge.SetProposer(leader.LeaderOf(nextHeight) == rs.SelfID)
	})

	go proposerLoop(ctx, core, bridge, pacer, sugar)

	sugar.Infow("node_started", "self", rs.SelfID, "replicas", rs.NReplicas, "majority", rs.NMajority)

	<-ctx.Done()
	sugar.Info("node_shutting_down")
}

// proposerLoop mints a block from each speculative body the VM bridge
// produces, per spec.md §4.6's propose path: DoPropose then
// RegisterOwnProposal once the block's real height is known, then pace the
// next proposal on the pacemaker so a leader never outruns the quorum by
// more than one propose-timeout's worth of unconfirmed heights.
func proposerLoop(ctx context.Context, core *consensus.Core, bridge *vm.Bridge, pacer *consensus.Pacemaker, sugar interface {
	Debugw(string, ...interface{})
	Fatalw(string, ...interface{})
}) {
	for {
		body, ok := bridge.GetProposal()
		if !ok {
			return
		}
		blk, err := core.DoPropose(ctx, body)
		if err != nil {
			var inv *consensus.Invariant
			if errors.As(err, &inv) {
				sugar.Fatalw("propose_invariant_violated", "err", err)
			}
			sugar.Debugw("propose_failed", "err", err)
			continue
		}
		bridge.RegisterOwnProposal(blk)
		pacer.WaitForHeight(ctx, blk.Height())
	}
}

func restoreVM(index *storage.CommittedIndex, mvm *vm.MockVM, sugar interface {
	Infow(string, ...interface{})
}) (uint64, string) {
	latest, ok, err := index.Latest()
	if err != nil {
		sugar.Infow("committed_index_empty", "err", err)
		return 0, ""
	}
	if !ok {
		return 0, ""
	}
	if err := mvm.InitFromDisk(latest.Height, vm.BlockID(latest.VMBlock)); err != nil {
		sugar.Infow("vm_restore_failed", "err", err)
	}
	return latest.Height, latest.VMBlock
}

// seedRestore looks up the latest committed record's block in the store's
// in-memory cache and, when it is there, passes it to Core.Restore as
// b_exec, b_lock, hqc block and b_leaf alike (with the core's current hqc
// QC and vheight set to its height). It does not read the block archive or
// walk ancestors: when the block is not cached it logs a warning and the
// core stays at genesis. A freshly started replica with an empty index skips
// this entirely and starts at genesis.
func seedRestore(core *consensus.Core, store *block.Store, index *storage.CommittedIndex, sugar interface {
	Warnw(string, ...interface{})
}) {
	latest, ok, err := index.Latest()
	if err != nil || !ok {
		return
	}
	b, ok := store.Get(latest.Hash)
	if !ok {
		sugar.Warnw("restore_block_not_in_cache", "height", latest.Height, "hash", latest.Hash.String())
		return
	}
	_, qc := core.HQC()
	core.Restore(b, qc, b, b, b, b.Height())
}

// sortedIDs returns every replica id in ascending order, giving
// RoundRobinElector a deterministic rotation that every replica computes
// identically.
func sortedIDs(rs *replicaset.Config) []replicaset.ID {
	ids := make([]replicaset.ID, 0, len(rs.Replicas))
	for id := range rs.Replicas {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
