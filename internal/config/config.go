// Package config loads a replica's identity and peer table, the way the
// teacher's cmd/coordinator read MY_ID/TOTAL_REPLICAS from the environment
// and its docker-compose peer discovery, generalized to a static peer
// table that can come from the environment or a YAML file.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds every timeout/period/delay named in the specification,
// with the reference-deployment defaults.
type Tuning struct {
	StabilisationDelay time.Duration // bully bootstrap settle, ~15s
	ProbeInterval      time.Duration // bully health-probe period, ~10s
	ProbeTimeout       time.Duration // bully healthcheck call timeout, ~2s
	ElectionTimeout    time.Duration // bully election POST timeout, ~1s
	CoordinatorTimeout time.Duration // bully coordinator POST timeout, ~0.5s

	TokenStartupDelay time.Duration // replica 1 seeds the ring after this delay, ~5s
	TokenPassDelay    time.Duration // observability delay before an idle pass, ~1s
	TokenPassTimeout  time.Duration // token POST timeout, up to ~10s

	DeliveryLoopPeriod time.Duration // total-order delivery scan period, ~1s
	BroadcastTimeout   time.Duration // total-order/causal/gossip fire-and-forget POST timeout, ~0.5s
	LamportSeedFactor  int           // total-order clock seed = factor * self id
}

// DefaultTuning matches the values named throughout spec.md.
func DefaultTuning() Tuning {
	return Tuning{
		StabilisationDelay: 15 * time.Second,
		ProbeInterval:      10 * time.Second,
		ProbeTimeout:       2 * time.Second,
		ElectionTimeout:    1 * time.Second,
		CoordinatorTimeout: 500 * time.Millisecond,

		TokenStartupDelay: 5 * time.Second,
		TokenPassDelay:    1 * time.Second,
		TokenPassTimeout:  10 * time.Second,

		DeliveryLoopPeriod: 1 * time.Second,
		BroadcastTimeout:   500 * time.Millisecond,
		LamportSeedFactor:  5,
	}
}

// Config is the immutable-after-start peer table plus this process's identity.
type Config struct {
	SelfID int
	Peers  map[int]string // replica id -> base URL, e.g. "http://host-2:8000"
	Tuning Tuning
}

// PeerIDs returns every replica id in the cluster, self included, ascending.
func (c Config) PeerIDs() []int {
	ids := make([]int, 0, len(c.Peers))
	for id := range c.Peers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Others returns every replica id except self, ascending.
func (c Config) Others() []int {
	ids := c.PeerIDs()
	out := ids[:0:0]
	for _, id := range ids {
		if id != c.SelfID {
			out = append(out, id)
		}
	}
	return out
}

// N is the cluster size.
func (c Config) N() int {
	return len(c.Peers)
}

// IndexOf returns the 0-based position of id within the sorted peer set,
// used to index into fixed-length vector clocks consistently across replicas.
func (c Config) IndexOf(id int) int {
	for i, pid := range c.PeerIDs() {
		if pid == id {
			return i
		}
	}
	return -1
}

// NextID is the successor of self in the logical token ring: (self mod N) + 1.
// Only meaningful when replica ids are the contiguous range 1..N.
func (c Config) NextID() int {
	return (c.SelfID % c.N()) + 1
}

// URL joins a peer's base URL with a request path.
func (c Config) URL(id int, path string) string {
	base := strings.TrimRight(c.Peers[id], "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// Env var names, matching the originals' PROCESS_ID/MY_ID conventions.
const (
	envSelfID   = "PROCESS_ID"
	envSelfIDAlt = "MY_ID"
	envPeers    = "PEERS"
	envPeersFile = "PEERS_FILE"
)

// Load builds a Config from the environment: a required replica id and a
// peer table supplied either inline (PEERS="1=http://host-1:8000,...") or
// via a YAML file (PEERS_FILE=peers.yaml). A missing or invalid id is a
// fatal configuration error per spec.md §6.
func Load() (Config, error) {
	idStr := os.Getenv(envSelfID)
	if idStr == "" {
		idStr = os.Getenv(envSelfIDAlt)
	}
	if idStr == "" {
		return Config{}, fmt.Errorf("config: neither %s nor %s is set", envSelfID, envSelfIDAlt)
	}
	selfID, err := strconv.Atoi(idStr)
	if err != nil || selfID <= 0 {
		return Config{}, fmt.Errorf("config: invalid replica id %q", idStr)
	}

	var peers map[int]string
	if inline := os.Getenv(envPeers); inline != "" {
		peers, err = ParsePeers(inline)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	} else if path := os.Getenv(envPeersFile); path != "" {
		peers, err = LoadPeersFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
	} else {
		return Config{}, fmt.Errorf("config: neither %s nor %s is set", envPeers, envPeersFile)
	}

	if _, ok := peers[selfID]; !ok {
		return Config{}, fmt.Errorf("config: replica id %d is not present in its own peer table", selfID)
	}

	return Config{SelfID: selfID, Peers: peers, Tuning: DefaultTuning()}, nil
}

// ParsePeers parses the inline "id=url,id=url" form.
func ParsePeers(inline string) (map[int]string, error) {
	peers := make(map[int]string)
	for _, entry := range strings.Split(inline, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed peer entry %q (want id=url)", entry)
		}
		id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("malformed peer id in %q: %w", entry, err)
		}
		peers[id] = strings.TrimSpace(parts[1])
	}
	if len(peers) == 0 {
		return nil, fmt.Errorf("empty peer table")
	}
	return peers, nil
}

// peersFile mirrors the teacher's DockerCompose struct, adapted from
// parsing container names out of docker-compose.yml to parsing a direct
// replica-id -> base-URL peer table.
type peersFile struct {
	Peers map[int]string `yaml:"peers"`
}

// LoadPeersFile reads a YAML peer table of the form:
//
//	peers:
//	  1: http://host-1:8000
//	  2: http://host-2:8000
//	  3: http://host-3:8000
func LoadPeersFile(path string) (map[int]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read peers file: %w", err)
	}

	var pf peersFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse peers file: %w", err)
	}
	if len(pf.Peers) == 0 {
		return nil, fmt.Errorf("peers file %s defines no peers", path)
	}
	return pf.Peers, nil
}
