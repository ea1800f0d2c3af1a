// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Warming defaults.
const (
	DefaultWarmInterval    = 30 * time.Second
	DefaultWarmTopN        = 8
	DefaultWarmConcurrency = 4
	DefaultWarmTimeout     = 5 * time.Second
)

// FetchFunc loads one key through the regular read path, populating the
// cache as a side effect. The warmer never inspects the value; it only
// cares that the entry lands in the cache.
type FetchFunc func(ctx context.Context, key Key) error

// WarmerConfig configures the warming scheduler.
type WarmerConfig struct {
	// Interval is how often the prediction sweep runs.
	Interval time.Duration `yaml:"interval" json:"interval"`

	// TopN is how many predicted keys are pre-fetched per owner per
	// sweep.
	TopN int `yaml:"top_n" json:"top_n"`

	// Concurrency bounds parallel prefetches within a sweep.
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// Timeout bounds each individual prefetch.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting Go duration
// strings for interval and timeout. Absent keys keep the values already
// present on the receiver.
func (c *WarmerConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Interval    string `yaml:"interval"`
		TopN        int    `yaml:"top_n"`
		Concurrency int    `yaml:"concurrency"`
		Timeout     string `yaml:"timeout"`
	}{
		TopN:        c.TopN,
		Concurrency: c.Concurrency,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.TopN = raw.TopN
	c.Concurrency = raw.Concurrency
	if raw.Interval != "" {
		d, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		c.Interval = d
	}
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		c.Timeout = d
	}
	return nil
}

// DefaultWarmerConfig returns sensible defaults.
func DefaultWarmerConfig() WarmerConfig {
	return WarmerConfig{
		Interval:    DefaultWarmInterval,
		TopN:        DefaultWarmTopN,
		Concurrency: DefaultWarmConcurrency,
		Timeout:     DefaultWarmTimeout,
	}
}

// Warmer pre-populates cache entries before they are requested.
//
// Two triggers drive it: explicit ancestor prefetch when a Task is
// accessed (Prefetch), and a periodic sweep that pre-fetches the top
// predicted keys per owner from the access tracker. Warming is strictly
// best-effort; a failure is logged and never propagates to the request
// that triggered it.
//
// Thread Safety: Safe for concurrent use.
type Warmer struct {
	cfg     WarmerConfig
	tracker *AccessTracker
	fetch   FetchFunc
	logger  *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewWarmer creates a warming scheduler. Start must be called to begin
// periodic sweeps; Prefetch works without Start.
func NewWarmer(cfg WarmerConfig, tracker *AccessTracker, fetch FetchFunc, logger *slog.Logger) *Warmer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultWarmInterval
	}
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultWarmTopN
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultWarmConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultWarmTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Warmer{
		cfg:     cfg,
		tracker: tracker,
		fetch:   fetch,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the periodic prediction sweep. Subsequent calls are
// no-ops.
func (w *Warmer) Start() {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run()
	})
}

// Stop halts the sweep and waits for the current one to finish. Safe
// to call more than once, and without a prior Start.
func (w *Warmer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		if w.started.Load() {
			<-w.doneCh
		}
	})
}

func (w *Warmer) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Sweep(context.Background())
		}
	}
}

// Sweep runs one prediction pass over all active owners.
//
// Exported so tests and callers with their own scheduling can trigger a
// sweep directly.
func (w *Warmer) Sweep(ctx context.Context) {
	if w.tracker == nil {
		return
	}

	ctx, span := startWarmSpan(ctx, "Sweep")
	defer span.End()

	for _, owner := range w.tracker.Owners() {
		candidates := w.tracker.Predict(owner, w.cfg.TopN)
		if len(candidates) == 0 {
			continue
		}

		g, groupCtx := errgroup.WithContext(ctx)
		g.SetLimit(w.cfg.Concurrency)
		for _, key := range candidates {
			key := key
			g.Go(func() error {
				w.fetchOne(groupCtx, key)
				return nil
			})
		}
		// Workers swallow their errors; Wait only orders shutdown.
		_ = g.Wait()
	}
}

// Prefetch asynchronously warms the given keys.
//
// Used for business-rule triggers, e.g. a Task access pre-fetching its
// Branch and Project ancestors. Returns immediately; the caller's
// request never waits on warming.
func (w *Warmer) Prefetch(keys ...Key) {
	if len(keys) == 0 {
		return
	}
	go func() {
		for _, key := range keys {
			select {
			case <-w.stopCh:
				return
			default:
			}
			w.fetchOne(context.Background(), key)
		}
	}()
}

// fetchOne loads one key with the warming timeout. Failures are logged
// at debug; warming must never fail a caller.
func (w *Warmer) fetchOne(ctx context.Context, key Key) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	err := w.fetch(fetchCtx, key)
	recordWarmingPrefetch(ctx, err == nil)
	if err != nil {
		w.logger.Debug("cache warming prefetch failed",
			slog.String("key", key.String()),
			slog.String("error", err.Error()),
		)
	}
}
