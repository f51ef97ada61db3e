// Package replicaset holds the static replica membership: ids, hostnames,
// public keys, and the derived quorum thresholds. It is immutable after load.
package replicaset

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bft-hotstuff/engine/pkg/crypto"
)

// ID identifies a replica in [0, N). It is an alias of crypto.ReplicaID so
// that Config satisfies crypto.QuorumVerifier directly.
type ID = crypto.ReplicaID

// Replica is one member of the fixed validator set. Multiaddr is the full
// dialable libp2p address including the /p2p/<peer-id> suffix, used to bind
// this replica's id to a peer.ID at startup (pkg/p2p.Node.BindPeer).
type Replica struct {
	ID        ID               `json:"id"`
	Hostname  string           `json:"hostname"`
	Multiaddr string           `json:"multiaddr"`
	PublicKey crypto.PublicKey `json:"public_key"`
}

// Config is the immutable membership + quorum view every component reads.
type Config struct {
	Replicas   map[ID]Replica
	NReplicas  int
	NMajority  int // N - floor(N/3)
	SelfID     ID
	SecretKey  crypto.SecretKey // this replica's signing key, loaded separately
	ListenAddr string
	Bootstrap  []string
}

// fileFormat is the on-disk JSON shape for the replica set file.
type fileFormat struct {
	SelfID     ID        `json:"self_id"`
	SecretKey  string    `json:"secret_key_hex"`
	ListenAddr string    `json:"listen_addr"`
	Bootstrap  []string  `json:"bootstrap"`
	Replicas   []Replica `json:"replicas"`
}

// Load reads the static replica-set file used by this process: membership,
// this replica's id, and this replica's secret key. No runtime reconfiguration
// is supported once loaded, matching spec.md §6 "Configuration".
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("replicaset: read %s: %w", path, err)
	}
	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return nil, fmt.Errorf("replicaset: parse %s: %w", path, err)
	}

	sk, err := crypto.SecretKeyFromHex(ff.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("replicaset: secret key: %w", err)
	}

	cfg := &Config{
		Replicas:   make(map[ID]Replica, len(ff.Replicas)),
		SelfID:     ff.SelfID,
		SecretKey:  sk,
		ListenAddr: ff.ListenAddr,
		Bootstrap:  ff.Bootstrap,
	}
	for _, r := range ff.Replicas {
		cfg.Replicas[r.ID] = r
	}
	cfg.NReplicas = len(cfg.Replicas)
	cfg.NMajority = cfg.NReplicas - cfg.NReplicas/3

	if _, ok := cfg.Replicas[cfg.SelfID]; !ok {
		return nil, fmt.Errorf("replicaset: self id %d not present in replica set", cfg.SelfID)
	}
	return cfg, nil
}

// IsValidReplica reports whether id names a known member of the set.
// Per spec.md §9, this must return true only for valid ids; requests that
// fail this check are dropped by the caller, not forwarded.
func (c *Config) IsValidReplica(id ID) bool {
	_, ok := c.Replicas[id]
	return ok
}

// PublicKey looks up a replica's verification key.
func (c *Config) PublicKey(id ID) (crypto.PublicKey, bool) {
	r, ok := c.Replicas[id]
	if !ok {
		return crypto.PublicKey{}, false
	}
	return r.PublicKey, true
}

// Majority returns nmajority = N - floor(N/3), satisfying crypto.QuorumVerifier.
func (c *Config) Majority() int { return c.NMajority }

// Default builds an in-process Config for tests and single-process demos,
// generating a fresh BLS keypair per replica (grounded on the teacher's
// params.Default() single-node devnet defaults in params/config.go).
func Default(n int, self ID) (*Config, []*crypto.KeyPair, error) {
	keys := make([]*crypto.KeyPair, n)
	replicas := make(map[ID]Replica, n)
	for i := 0; i < n; i++ {
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, nil, err
		}
		keys[i] = kp
		replicas[ID(i)] = Replica{ID: ID(i), Hostname: fmt.Sprintf("replica-%d", i), PublicKey: kp.PublicKey}
	}
	cfg := &Config{
		Replicas:  replicas,
		NReplicas: n,
		NMajority: n - n/3,
		SelfID:    self,
		SecretKey: keys[self].SecretKey,
	}
	return cfg, keys, nil
}
