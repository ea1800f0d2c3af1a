// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contexthub

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/contexthub/services/contexthub/cache"
	"github.com/AleutianAI/contexthub/services/contexthub/coordinate"
	"github.com/AleutianAI/contexthub/services/contexthub/store"
)

// configValidate is the validator instance for engine configuration.
var configValidate = validator.New()

// CacheConfig is the serializable subset of the cache settings.
type CacheConfig struct {
	// HotBudget, WarmBudget and ColdBudget bound the per-bucket entry
	// counts. Zero selects the default.
	HotBudget  int `yaml:"hot_budget" json:"hot_budget" validate:"min=0"`
	WarmBudget int `yaml:"warm_budget" json:"warm_budget" validate:"min=0"`
	ColdBudget int `yaml:"cold_budget" json:"cold_budget" validate:"min=0"`

	// MinTTL and MaxTTL clamp the adaptive TTL. Zero selects the
	// defaults.
	MinTTL time.Duration `yaml:"min_ttl" json:"min_ttl" validate:"min=0"`
	MaxTTL time.Duration `yaml:"max_ttl" json:"max_ttl" validate:"min=0"`
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting Go duration
// strings for the TTL bounds. Absent keys keep the values already
// present on the receiver.
func (c *CacheConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		HotBudget  int    `yaml:"hot_budget"`
		WarmBudget int    `yaml:"warm_budget"`
		ColdBudget int    `yaml:"cold_budget"`
		MinTTL     string `yaml:"min_ttl"`
		MaxTTL     string `yaml:"max_ttl"`
	}{
		HotBudget:  c.HotBudget,
		WarmBudget: c.WarmBudget,
		ColdBudget: c.ColdBudget,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.HotBudget = raw.HotBudget
	c.WarmBudget = raw.WarmBudget
	c.ColdBudget = raw.ColdBudget
	if raw.MinTTL != "" {
		d, err := time.ParseDuration(raw.MinTTL)
		if err != nil {
			return fmt.Errorf("min_ttl: %w", err)
		}
		c.MinTTL = d
	}
	if raw.MaxTTL != "" {
		d, err := time.ParseDuration(raw.MaxTTL)
		if err != nil {
			return fmt.Errorf("max_ttl: %w", err)
		}
		c.MaxTTL = d
	}
	return nil
}

// options translates the serializable settings into cache options.
func (c CacheConfig) options() []cache.Option {
	var opts []cache.Option
	if c.HotBudget > 0 {
		opts = append(opts, cache.WithBucketBudget(cache.Hot, c.HotBudget))
	}
	if c.WarmBudget > 0 {
		opts = append(opts, cache.WithBucketBudget(cache.Warm, c.WarmBudget))
	}
	if c.ColdBudget > 0 {
		opts = append(opts, cache.WithBucketBudget(cache.Cold, c.ColdBudget))
	}
	if c.MinTTL > 0 || c.MaxTTL > 0 {
		minTTL, maxTTL := c.MinTTL, c.MaxTTL
		defaults := cache.DefaultOptions()
		if minTTL <= 0 {
			minTTL = defaults.MinTTL
		}
		if maxTTL <= 0 {
			maxTTL = defaults.MaxTTL
		}
		opts = append(opts, cache.WithTTLBounds(minTTL, maxTTL))
	}
	return opts
}

// Config holds the engine configuration.
type Config struct {
	// Store configures the embedded Badger store. Ignored when a Store
	// is injected through Deps.
	Store store.BadgerConfig `yaml:"store" json:"store"`

	// Retry configures the optimistic lock retry cycle.
	Retry coordinate.RetryConfig `yaml:"retry" json:"retry"`

	// Cache configures the multi-tier cache.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Warmer configures predictive cache warming.
	Warmer cache.WarmerConfig `yaml:"warmer" json:"warmer"`

	// DisableWarming turns the periodic warming sweep off. Ancestor
	// prefetch on Task access stays active.
	DisableWarming bool `yaml:"disable_warming" json:"disable_warming"`
}

// DefaultConfig returns a Config with sensible defaults. The store
// runs in-memory until a path is set.
func DefaultConfig() Config {
	return Config{
		Store:  store.InMemoryBadgerConfig(),
		Retry:  coordinate.DefaultRetryConfig(),
		Warmer: cache.DefaultWarmerConfig(),
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Retry != (coordinate.RetryConfig{}) {
		if err := c.Retry.Validate(); err != nil {
			return fmt.Errorf("invalid retry config: %w", err)
		}
	}
	if c.Cache.MinTTL > 0 && c.Cache.MaxTTL > 0 && c.Cache.MinTTL > c.Cache.MaxTTL {
		return fmt.Errorf("invalid cache config: min_ttl %s exceeds max_ttl %s", c.Cache.MinTTL, c.Cache.MaxTTL)
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("invalid store config: path required unless in_memory is set")
	}
	return nil
}

// LoadConfig reads a YAML configuration file. Fields absent from the
// file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
