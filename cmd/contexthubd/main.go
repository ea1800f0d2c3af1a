// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command contexthubd runs the context hierarchy engine as a daemon.
//
// The daemon opens the configured store, starts the cache warming
// sweep, and serves Prometheus metrics until interrupted.
//
// Usage:
//
//	go run ./cmd/contexthubd -config ~/.contexthub/contexthub.yaml
//	go run ./cmd/contexthubd -store-path /var/lib/contexthub -metrics-addr :9100
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/contexthub/pkg/logging"
	contexthub "github.com/AleutianAI/contexthub/services/contexthub"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	storePath := flag.String("store-path", "", "Store directory (overrides config)")
	metricsAddr := flag.String("metrics-addr", ":9100", "Prometheus metrics listen address")
	logDir := flag.String("log-dir", "", "Log directory (empty for stderr only)")
	logLevel := flag.String("log-level", "info", "Minimum log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(*logLevel),
		LogDir:  *logDir,
		Service: "contexthubd",
	})
	defer logger.Close()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
		cfg.Store.InMemory = false
	}

	engine, err := contexthub.New(cfg, contexthub.Deps{Logger: logger.Slog()})
	if err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	metricsServer := &http.Server{
		Addr:              *metricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("contexthubd started",
		"store_path", cfg.Store.Path,
		"in_memory", cfg.Store.InMemory,
		"metrics_addr", *metricsAddr,
	)
	fmt.Printf("contexthubd listening for metrics on %s\n", *metricsAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	_ = metricsServer.Close()
}

// loadConfig reads the config file, or returns defaults when no path
// is given.
func loadConfig(path string) (contexthub.Config, error) {
	if path == "" {
		return contexthub.DefaultConfig(), nil
	}
	return contexthub.LoadConfig(path)
}
