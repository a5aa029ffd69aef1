package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ccyuki/zeppelin/internal/server"
)

var (
	localIP     = flag.String("ip", "127.0.0.1", "local ip")
	localPort   = flag.Int("port", 9221, "local base port; consensus and command ports are derived")
	members     = flag.String("members", "", "comma-separated meta members (ip:port, base ports)")
	dataDir     = flag.String("data-dir", "./meta-data", "data directory for consensus state")
	metricsAddr = flag.String("metrics-addr", "", "metrics listen address (disabled if empty)")
	nodeTimeout = flag.Duration("node-timeout", 60*time.Second, "data node heartbeat timeout")
)

func main() {
	flag.Parse()

	cfg := server.DefaultConfig()
	cfg.LocalIP = *localIP
	cfg.LocalPort = *localPort
	cfg.DataDir = *dataDir
	cfg.MetricsAddr = *metricsAddr
	cfg.NodeAliveTimeout = *nodeTimeout

	if *members == "" {
		log.Fatal("members list is required")
	}
	cfg.Members = strings.Split(*members, ",")

	store, err := server.OpenConsensus(cfg)
	if err != nil {
		log.Fatalf("Failed to open consensus store: %v", err)
	}

	srv := server.NewServer(cfg, store)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Println("Shutting down...")
	case err := <-errCh:
		if err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}

	srv.Stop()
	if err := store.Close(); err != nil {
		log.Printf("Error closing consensus store: %v", err)
	}
}
