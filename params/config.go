// Package params holds process-wide settings loaded from the environment:
// pacemaker timers, the VM proposal buffer target, and file paths. Grounded
// on the teacher's params/config.go (Default() + LoadFromEnv() via
// github.com/joho/godotenv, env-var overrides of duration/bool fields).
// Replica membership itself is NOT here; that lives in pkg/replicaset's
// static replica-set file, per spec.md §6's "Configuration" split between
// per-process tuning and fixed membership.
package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Pacemaker holds the liveness timers of spec.md §4.7.
type Pacemaker struct {
	ProposeTimeout time.Duration
	Delta          time.Duration
}

// VM holds the tunables of the VM bridge, per spec.md §4.6.
type VM struct {
	ProposalBufferTarget int
}

// Node holds per-process paths and addresses.
type Node struct {
	ReplicaSetPath     string
	BlockArchiveDir    string
	CommittedIndexPath string
	StatusAddr         string
	LogFile            string
	Verbose            bool
}

type Config struct {
	Pacemaker Pacemaker
	VM        VM
	Node      Node
}

func Default() Config {
	return Config{
		Pacemaker: Pacemaker{
			ProposeTimeout: 2 * time.Second,
			Delta:          150 * time.Millisecond,
		},
		VM: VM{
			ProposalBufferTarget: 3,
		},
		Node: Node{
			ReplicaSetPath:      "replicaset.json",
			BlockArchiveDir:     "data/blocks",
			CommittedIndexPath: "data/committed",
			StatusAddr:          ":8080",
			LogFile:             "data/node.log",
		},
	}
}

// LoadFromEnv loads Default(), then applies an optional .env file and
// environment variable overrides. Priority: ENV > .env file > defaults,
// matching the teacher's LoadFromEnv.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("PACEMAKER_PROPOSE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Pacemaker.ProposeTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("PACEMAKER_DELTA_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Pacemaker.Delta = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("VM_PROPOSAL_BUFFER_TARGET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VM.ProposalBufferTarget = n
		}
	}
	if v := os.Getenv("REPLICA_SET_PATH"); v != "" {
		cfg.Node.ReplicaSetPath = v
	}
	if v := os.Getenv("BLOCK_ARCHIVE_DIR"); v != "" {
		cfg.Node.BlockArchiveDir = v
	}
	if v := os.Getenv("COMMITTED_INDEX_PATH"); v != "" {
		cfg.Node.CommittedIndexPath = v
	}
	if v := os.Getenv("STATUS_ADDR"); v != "" {
		cfg.Node.StatusAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("VERBOSE"); v != "" {
		cfg.Node.Verbose = v == "true"
	}

	return cfg
}
