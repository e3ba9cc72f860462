// Package cis implements the Client-Interface Service: the fan-in front
// door that turns one client RPC into a metadata lookup plus one or
// many memory-server calls. It is generalized from the teacher's
// IngestMuxer — a Target list of remote servers, per-target connection
// state, and aggregate failure tracking — from "ingest entries to N
// indexers" to "allocate/copy/backup across N memory servers".
package cis

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/openfam/famsvc/config"
	"github.com/openfam/famsvc/famerr"
	"github.com/openfam/famsvc/log"
	"github.com/openfam/famsvc/metadata"
	"github.com/openfam/famsvc/transport"
)

// MemserverTarget is one participating MS node: its dial address and
// the stable id other metadata records reference it by.
type MemserverTarget struct {
	ID      uint64
	Address string
}

// Service is the CIS: stateless except for its MS target list and its
// metadata store handle, matching §4.3 "the CIS is stateless; any
// number of threads may handle unrelated requests in parallel."
type Service struct {
	cfg *config.FAMConfig
	lgr *log.Logger
	mds *metadata.Store

	mu      sync.RWMutex
	targets []MemserverTarget
	byID    map[uint64]MemserverTarget
}

// New constructs a Service fronting mds with no memory servers yet
// registered; call SetMemservers before
// routing any requests.
func New(cfg *config.FAMConfig, lgr *log.Logger, mds *metadata.Store) *Service {
	return &Service{cfg: cfg, lgr: lgr, mds: mds, byID: make(map[uint64]MemserverTarget)}
}

// SetMemservers installs the full list of participating memory
// servers, replacing any prior list (the CIS analogue of the teacher's
// Target-list reconfiguration).
func (s *Service) SetMemservers(targets []MemserverTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = targets
	s.byID = make(map[uint64]MemserverTarget, len(targets))
	for _, t := range targets {
		s.byID[t.ID] = t
	}
}

func (s *Service) snapshotTargets() []MemserverTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MemserverTarget, len(s.targets))
	copy(out, s.targets)
	return out
}

func (s *Service) targetByID(id uint64) (MemserverTarget, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	return t, ok
}

// hashMS picks a deterministic MS index for name among n candidates,
// the single-MS placement rule for non-interleaved regions and
// DATAITEM-level allocate (§4.3 "hash(name) mod N_memservers").
func hashMS(name string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(name) % uint64(n))
}

func dial(addr string) (*transport.Client, error) {
	c, err := transport.Dial(addr, dialTimeout)
	if err != nil {
		return nil, famerr.Wrap("dial", famerr.Fabric, "failed to connect to memory server", err)
	}
	return c, nil
}
