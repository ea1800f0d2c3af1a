// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
)

// Key layout in BadgerDB:
//
//	ce/<owner>/<tier>/<id>  JSON-encoded entity row
//	cg/<owner>              id of the owner's single Global entity
const (
	entityPrefix = "ce/"
	globalPrefix = "cg/"
)

// casTxnRetries bounds internal retries when Badger's own optimistic
// transaction loses a commit race. The entity-level version check still
// decides the outcome; this only shields callers from ErrConflict.
const casTxnRetries = 3

// BadgerConfig holds configuration for the Badger-backed store.
type BadgerConfig struct {
	// Path is the directory for database files.
	// Required unless InMemory is true.
	Path string `yaml:"path" json:"path"`

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`

	// GCInterval is how often to run value log garbage collection.
	// Zero disables GC. Ignored for in-memory databases.
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`

	// Logger receives Badger's internal logs. Nil disables them.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting a Go duration
// string for the GC interval. Absent keys keep the values already
// present on the receiver.
func (c *BadgerConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Path           string  `yaml:"path"`
		InMemory       bool    `yaml:"in_memory"`
		SyncWrites     bool    `yaml:"sync_writes"`
		GCInterval     string  `yaml:"gc_interval"`
		GCDiscardRatio float64 `yaml:"gc_discard_ratio"`
	}{
		Path:           c.Path,
		InMemory:       c.InMemory,
		SyncWrites:     c.SyncWrites,
		GCDiscardRatio: c.GCDiscardRatio,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Path = raw.Path
	c.InMemory = raw.InMemory
	c.SyncWrites = raw.SyncWrites
	c.GCDiscardRatio = raw.GCDiscardRatio
	if raw.GCInterval != "" {
		d, err := time.ParseDuration(raw.GCInterval)
		if err != nil {
			return fmt.Errorf("gc_interval: %w", err)
		}
		c.GCInterval = d
	}
	return nil
}

// DefaultBadgerConfig returns production defaults.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns configuration optimized for testing.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{
		InMemory:   true,
		SyncWrites: false,
	}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is the durable Store implementation on BadgerDB.
//
// Thread Safety: Safe for concurrent use. Atomicity comes from Badger's
// serializable transactions; the per-entity version check on top of them
// implements the engine's optimistic locking contract.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time

	gcStop chan struct{}
	gcDone chan struct{}
}

// OpenBadger opens a Badger-backed store with the given configuration.
//
// Description:
//
//	Opens BadgerDB at the configured path, or in memory if InMemory is
//	true. Creates the directory if it doesn't exist and starts the GC
//	loop when GCInterval is configured.
//
// Inputs:
//   - cfg: Store configuration. Path is required unless InMemory is true.
//
// Outputs:
//   - *BadgerStore: The opened store. Caller must call Close when done.
//   - error: Non-nil if the path is invalid or the database fails to open.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: cfg.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	return s, nil
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	if s.gcStop != nil {
		close(s.gcStop)
		<-s.gcDone
		s.gcStop = nil
	}
	return s.db.Close()
}

func (s *BadgerStore) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				if s.logger != nil {
					s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
				}
			}
		}
	}
}

func entityKey(tier hierarchy.Tier, id, ownerID string) []byte {
	return []byte(entityPrefix + ownerID + "/" + tier.String() + "/" + id)
}

func globalKey(ownerID string) []byte {
	return []byte(globalPrefix + ownerID)
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, tier hierarchy.Tier, id, ownerID string) (*hierarchy.Entity, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var entity *hierarchy.Entity
	err := s.db.View(func(txn *badger.Txn) error {
		e, err := readEntity(txn, entityKey(tier, id, ownerID))
		if err != nil {
			return err
		}
		entity = e
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s entity %s: %w", tier, id, err)
	}
	if entity == nil || entity.Deleted {
		return nil, false, nil
	}
	return entity, true, nil
}

// Create implements Store.
func (s *BadgerStore) Create(ctx context.Context, tier hierarchy.Tier, id, ownerID, parentID string, fields hierarchy.Fields) (*hierarchy.Entity, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if id == "" {
		id = uuid.NewString()
	}

	candidate := &hierarchy.Entity{
		ID:       id,
		Tier:     tier,
		ParentID: parentID,
		OwnerID:  ownerID,
		Fields:   fields.Clone(),
		Version:  1,
	}
	if err := candidate.Validate(); err != nil {
		return nil, false, err
	}

	var (
		result  *hierarchy.Entity
		existed bool
	)
	err := s.withRetry(func(txn *badger.Txn) error {
		result, existed = nil, false

		// One Global per owner: the cg/ pointer wins over the requested id.
		if tier == hierarchy.TierGlobal {
			existingID, err := readString(txn, globalKey(ownerID))
			if err != nil {
				return err
			}
			if existingID != "" {
				existing, err := readEntity(txn, entityKey(tier, existingID, ownerID))
				if err != nil {
					return err
				}
				if existing != nil && !existing.Deleted {
					result, existed = existing, true
					return nil
				}
			}
		}

		key := entityKey(tier, id, ownerID)
		existing, err := readEntity(txn, key)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Deleted {
				return fmt.Errorf("%s entity %s is tombstoned: %w", tier, id, hierarchy.ErrAlreadyExists)
			}
			result, existed = existing, true
			return nil
		}

		now := s.now()
		candidate.CreatedAt = now
		candidate.UpdatedAt = now
		if err := writeEntity(txn, key, candidate); err != nil {
			return err
		}
		if tier == hierarchy.TierGlobal {
			if err := txn.Set(globalKey(ownerID), []byte(id)); err != nil {
				return err
			}
		}
		result = candidate.Clone()
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, existed, nil
}

// CAS implements Store.
func (s *BadgerStore) CAS(ctx context.Context, tier hierarchy.Tier, id, ownerID string, expectedVersion int64, newFields hierarchy.Fields) (int64, bool, error) {
	return s.checkedWrite(ctx, tier, id, ownerID, expectedVersion, func(e *hierarchy.Entity) {
		e.Fields = newFields.Clone()
	})
}

// Tombstone implements Store.
func (s *BadgerStore) Tombstone(ctx context.Context, tier hierarchy.Tier, id, ownerID string, expectedVersion int64) (int64, bool, error) {
	return s.checkedWrite(ctx, tier, id, ownerID, expectedVersion, func(e *hierarchy.Entity) {
		e.Deleted = true
	})
}

// checkedWrite performs a version-guarded mutation of one entity row.
func (s *BadgerStore) checkedWrite(ctx context.Context, tier hierarchy.Tier, id, ownerID string, expectedVersion int64, mutate func(*hierarchy.Entity)) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	var (
		storedVersion int64
		ok            bool
	)
	err := s.withRetry(func(txn *badger.Txn) error {
		key := entityKey(tier, id, ownerID)
		existing, err := readEntity(txn, key)
		if err != nil {
			return err
		}
		if existing == nil || existing.Deleted {
			return &hierarchy.NotFoundError{Tier: tier, ID: id, OwnerID: ownerID}
		}
		if existing.Version != expectedVersion {
			storedVersion, ok = existing.Version, false
			return nil
		}

		updated := existing.Clone()
		mutate(updated)
		updated.Version = expectedVersion + 1
		updated.UpdatedAt = s.now()
		if err := writeEntity(txn, key, updated); err != nil {
			return err
		}
		storedVersion, ok = updated.Version, true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return storedVersion, ok, nil
}

// withRetry runs fn in a read-write transaction, retrying a bounded
// number of times when Badger reports a commit conflict.
func (s *BadgerStore) withRetry(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < casTxnRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readEntity(txn *badger.Txn, key []byte) (*hierarchy.Entity, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entity hierarchy.Entity
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &entity)
	}); err != nil {
		return nil, fmt.Errorf("decode entity row: %w", err)
	}
	return &entity, nil
}

func writeEntity(txn *badger.Txn, key []byte, entity *hierarchy.Entity) error {
	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("encode entity row: %w", err)
	}
	return txn.Set(key, data)
}

func readString(txn *badger.Txn, key []byte) (string, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var out string
	err = item.Value(func(val []byte) error {
		out = string(val)
		return nil
	})
	return out, err
}
