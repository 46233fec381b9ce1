package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshkv/core/pkg/client"
	"github.com/meshkv/core/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "path to a meshkvd YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("meshkvd: config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	node, err := client.New(cfg, client.Options{Registry: registry})
	if err != nil {
		log.Fatalf("meshkvd: building node: %v", err)
	}

	admin := client.NewAdminServer(node, cfg.AdminListenAddr, registry)
	go func() {
		if err := admin.ListenAndServe(); err != nil {
			log.Printf("meshkvd: admin server: %v", err)
		}
	}()

	log.Printf("meshkvd: starting node_id=%s client_id=%s broker=%s:%d admin=%s",
		cfg.NodeID, cfg.ClientID, cfg.MQTTHost, cfg.MQTTPort, cfg.AdminListenAddr)

	if err := node.Start(ctx); err != nil {
		log.Fatalf("meshkvd: starting node: %v", err)
	}

	<-ctx.Done()
	log.Printf("meshkvd: shutting down")

	node.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "meshkvd: admin shutdown: %v\n", err)
	}
}
