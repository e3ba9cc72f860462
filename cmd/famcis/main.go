// Command famcis runs the Client-Interface Service: the stateless
// front door that turns a client's create_region/allocate/copy/backup
// call into a metadata lookup plus one or more memory-server RPCs.
package main

import (
	dlog "log"
	"net"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/openfam/famsvc/cis"
	"github.com/openfam/famsvc/config"
	"github.com/openfam/famsvc/log"
	"github.com/openfam/famsvc/metadata"
	"github.com/openfam/famsvc/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		dlog.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Verify(); err != nil {
		dlog.Fatalf("invalid configuration: %v", err)
	}

	lg, err := log.NewStderrLogger("")
	if err != nil {
		dlog.Fatalf("failed to create logger: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.MetadataDBPath), 0700); err != nil {
		lg.Fatal("failed to create metadata directory: " + err.Error())
	}
	mds, err := metadata.Open(cfg.MetadataDBPath)
	if err != nil {
		lg.Fatal("failed to open metadata store: " + err.Error())
	}
	defer mds.Close()

	svc := cis.New(cfg, lg, mds)
	svc.SetMemservers(memserverTargets(cfg.Memservers()))

	addr := config.AppendDefaultPort(cfg.ListenAddr, config.DefaultCISPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		lg.Fatal("failed to listen on " + addr + ": " + err.Error())
	}

	ts := transport.NewServer(ln, lg)
	cis.RegisterHandlers(ts, svc)

	lg.Infof("CIS listening on %s, fronting %d memory servers", addr, len(cfg.Memservers()))

	errCh := make(chan error, 1)
	go func() { errCh <- ts.Serve() }()

	sch := make(chan os.Signal, 1)
	signal.Notify(sch, os.Interrupt)
	select {
	case <-sch:
		lg.Infof("received interrupt, shutting down")
		ln.Close()
	case err := <-errCh:
		if err != nil {
			lg.Errorf("transport server exited: %v", err)
		}
	}
}

// memserverTargets assigns each configured memory-server address a
// stable id, the same xxhash-of-name scheme hashMS uses to pick a
// single-MS placement deterministically across restarts.
func memserverTargets(addrs []string) []cis.MemserverTarget {
	out := make([]cis.MemserverTarget, len(addrs))
	for i, a := range addrs {
		out[i] = cis.MemserverTarget{ID: xxhash.Sum64String(a), Address: a}
	}
	return out
}
