// Package memserver implements the per-node Memory Service: local heaps,
// fabric memory registration, server-executed atomics, and the async
// copy/backup/restore pipelines. It is the ~45% of the system that owns
// physical bytes; everything else (CIS, MDS) only ever references what a
// Server here reports back.
package memserver

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/openfam/famsvc/config"
	"github.com/openfam/famsvc/fabric"
	"github.com/openfam/famsvc/heap"
	"github.com/openfam/famsvc/log"
)

// Server is one memory server node: its local heaps, its region-resource
// table, its hashed CAS-lock array, and the worker pool servicing async
// copy/backup/restore work items (§5).
type Server struct {
	cfg *config.FAMConfig
	lgr *log.Logger

	heaps     *heap.Manager
	resources *fabric.Table
	casLocks  *fabric.CASLockArray
	garbage   *fabric.GarbageQueue

	mu         sync.RWMutex
	selfID     uint64            // this server's own stable id, set via SetSelfID
	addrByMSID map[uint64]string // peer MS fabric addresses, installed by update_memserver_addrlist

	jobs *jobQueue

	// copyLimiter throttles bytes/sec read off the fabric during async
	// copy and backup, the Go-native analogue of the teacher's
	// RateLimitBps ingest throttle. Unlimited until SetCopyRateLimit is
	// called.
	copyLimiter *rate.Limiter

	backupDir string
}

// New constructs a Server rooted at dataDir for heap files and backupDir
// for backup store directories.
func New(cfg *config.FAMConfig, lgr *log.Logger, dataDir, backupDir string) *Server {
	s := &Server{
		cfg:        cfg,
		lgr:        lgr,
		heaps:      heap.NewManager(dataDir),
		resources:  fabric.NewTable(),
		casLocks:   fabric.NewCASLockArray(),
		garbage:    fabric.NewGarbageQueue(1024),
		addrByMSID:  make(map[uint64]string),
		backupDir:   backupDir,
		copyLimiter: rate.NewLimiter(rate.Inf, 0),
	}
	s.jobs = newJobQueue(s, int(cfg.NumConsumer))
	return s
}

// SetCopyRateLimit caps the async copy/backup pipeline's fabric read
// rate at bytesPerSec, with a burst of the same size.
func (s *Server) SetCopyRateLimit(bytesPerSec int) {
	s.copyLimiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

// Start runs the background garbage-collector; async jobs need no
// workers started here, as each gets its own goroutine on submission.
// Callers stop the collector and cancel the job queue's context via Close.
func (s *Server) Start() {
	go s.garbage.Run(s.resources)
	s.jobs.start()
}

// Close stops the background workers. It does not close any open heaps;
// callers that want a clean shutdown should also range over open regions
// and call heap.Manager.Close themselves.
func (s *Server) Close() {
	s.garbage.Stop()
	s.jobs.stop()
}

// SetSelfID records this server's own stable memserver id, the same
// xxhash-of-address scheme the CIS uses to build its target list
// (cmd/famcis's memserverTargets). runCopy compares a chunk's owning
// extent id against this to decide local-vs-remote read routing.
func (s *Server) SetSelfID(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfID = id
}

func (s *Server) isSelf(msID uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return msID == 0 || msID == s.selfID
}

// UpdateMemserverAddrlist installs a fresh snapshot of peer MS fabric
// addresses, keyed by memserver id, so cross-MS copy can dial a peer by
// id without going through CIS (§4.1 update_memserver_addrlist).
func (s *Server) UpdateMemserverAddrlist(addrs map[uint64]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addrByMSID = addrs
}

func (s *Server) peerAddr(msID uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.addrByMSID[msID]
	return a, ok
}
