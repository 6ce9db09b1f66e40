// Package main implements the sPin peer daemon: one process holding the
// durable metadata store, the object file store, the registry client, and
// the replication engine behind a single HTTP surface.
//
// Startup order matters only at the edges: the stores must open before
// anything can serve, and the listener must be bound before the registry
// loops start so the advertised port is the real one. Everything after
// that runs concurrently until a shutdown signal arrives:
//
//	┌────────────────────────────────────────────┐
//	│                 peer process               │
//	├────────────────────────────────────────────┤
//	│  HTTP: /add /get /del /info /status /health│
//	│  Loops:                                    │
//	│    registry advertise  (UDP, every 30s)    │
//	│    registry poll+gossip (HTTP, every 30s)  │
//	│    maintenance          (every 90s)        │
//	└────────────────────────────────────────────┘
//
// Configuration comes from SPIN_* environment variables, an optional .env
// file, and an optional YAML file named by SPIN_CONFIG; see internal/config.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antithalian/spin/internal/config"
	"github.com/antithalian/spin/internal/meta"
	"github.com/antithalian/spin/internal/object"
	"github.com/antithalian/spin/internal/peer"
	"github.com/antithalian/spin/internal/registry"
)

// logFatal is a variable to allow intercepting fatal exits in tests.
var logFatal = logrus.StandardLogger().Fatalf

func main() {
	log := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logFatal("config: %v", err)
		return
	}

	host, err := advertiseHost(cfg)
	if err != nil {
		logFatal("resolving hostname: %v", err)
		return
	}

	// Startup failures (config, identity, on-disk layout, the listener)
	// abort the process; once serving, everything degrades and retries.
	metaStore, err := meta.Open(filepath.Join(cfg.DataDir, "meta"), cfg.MaxPinLogEntries, cfg.MaxDelLogEntries, log)
	if err != nil {
		logFatal("opening metadata store: %v", err)
		return
	}
	defer metaStore.Close()

	objStore, err := object.Open(cfg.DataDir, cfg.MaxCacheBytes, log)
	if err != nil {
		logFatal("opening object store: %v", err)
		return
	}

	table := registry.NewTable()
	engine := peer.New(cfg, metaStore, objStore, table, log)

	// Bind before advertising so the registry learns the real port even
	// when an ephemeral one was requested.
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		logFatal("listen: %v", err)
		return
	}
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.NewClient(table, log.WithField("peer", engine.Name()))
	reg.AdvertAddr = cfg.RegistryAdvertAddr()
	reg.QueryURL = cfg.RegistryQueryURL()
	reg.Type = cfg.Type
	reg.Owner = cfg.Owner
	reg.SelfUUID = engine.Name()
	reg.Port = port
	reg.Wait = cfg.NameserverWait
	reg.Staleness = cfg.NameserverStaleness
	reg.OnPoll = func() { engine.Broadcast(ctx) }

	s := &http.Server{
		Handler:           engine.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("peer %s listening on %s:%d", engine.Name(), host, port)
		if err := s.Serve(ln); err != nil && err != http.ErrServerClosed {
			logFatal("serve: %v", err)
		}
	}()

	reg.Start(ctx)
	engine.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	// Stop taking requests, then stop the loops, then let in-flight work
	// drain before the stores close.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Warnf("server shutdown: %v", err)
	}

	cancel()
	reg.Stop()
	engine.Stop()
	log.Info("peer stopped")
}

// advertiseHost resolves the hostname peers and clients should reach this
// process at: the configured override, else the machine's hostname.
func advertiseHost(cfg config.Config) (string, error) {
	if cfg.Host != "" {
		return cfg.Host, nil
	}
	return os.Hostname()
}
