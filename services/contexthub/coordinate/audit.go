// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package coordinate

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
)

// ConflictType classifies an audited conflict.
type ConflictType string

const (
	// ConflictMerge is a field-level merge conflict resolved by fallback.
	ConflictMerge ConflictType = "merge_conflict"

	// ConflictVersion is a lost CAS race.
	ConflictVersion ConflictType = "version_conflict"
)

// AuditEvent is a structured conflict report for external logging.
type AuditEvent struct {
	Tier         hierarchy.Tier `json:"tier"`
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	ConflictType ConflictType   `json:"conflict_type"`
	Details      string         `json:"details"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Audit receives conflict events. Fire-and-forget from the engine's
// perspective: a failing sink never affects the operation that raised
// the event.
type Audit interface {
	Record(ctx context.Context, event AuditEvent)
}

// NopAudit discards all events.
type NopAudit struct{}

// Record implements Audit.
func (NopAudit) Record(context.Context, AuditEvent) {}

// SlogAudit writes audit events to a structured logger.
type SlogAudit struct {
	logger *slog.Logger
}

// NewSlogAudit creates an audit sink over the given logger.
// Nil selects slog.Default.
func NewSlogAudit(logger *slog.Logger) *SlogAudit {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAudit{logger: logger}
}

// Record implements Audit.
func (a *SlogAudit) Record(ctx context.Context, event AuditEvent) {
	a.logger.InfoContext(ctx, "context conflict",
		slog.String("tier", event.Tier.String()),
		slog.String("id", event.ID),
		slog.String("owner_id", event.OwnerID),
		slog.String("conflict_type", string(event.ConflictType)),
		slog.String("details", event.Details),
		slog.Time("timestamp", event.Timestamp),
	)
}
