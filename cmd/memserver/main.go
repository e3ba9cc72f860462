// Command memserver runs one Fabric-Attached-Memory memory-server node:
// it owns a local mmap-backed heap per region, serves server-executed
// atomics, and participates in fan-out copy/backup/restore jobs issued
// by a CIS.
package main

import (
	dlog "log"
	"net"
	"os"
	"os/signal"

	"github.com/cespare/xxhash/v2"

	"github.com/openfam/famsvc/config"
	"github.com/openfam/famsvc/log"
	"github.com/openfam/famsvc/memserver"
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

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		lg.Fatal("failed to create data directory: " + err.Error())
	}
	if err := os.MkdirAll(cfg.BackupDir, 0700); err != nil {
		lg.Fatal("failed to create backup directory: " + err.Error())
	}

	srv := memserver.New(cfg, lg, cfg.DataDir, cfg.BackupDir)
	if cfg.CopyRateLimitBPS > 0 {
		srv.SetCopyRateLimit(int(cfg.CopyRateLimitBPS))
	}
	srv.Start()
	defer srv.Close()

	addr := config.AppendDefaultPort(cfg.ListenAddr, config.DefaultMemserverPort)
	// Must match the CIS's memserverTargets scheme (cmd/famcis) so both
	// sides agree on this server's id for interleaved-copy routing.
	srv.SetSelfID(xxhash.Sum64String(addr))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		lg.Fatal("failed to listen on " + addr + ": " + err.Error())
	}

	ts := transport.NewServer(ln, lg)
	memserver.RegisterHandlers(ts, srv)

	lg.Infof("memory server listening on %s", addr)

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
