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
	"time"

	"github.com/AleutianAI/contexthub/services/contexthub/hierarchy"
)

// ChangeEvent describes one successful entity write.
type ChangeEvent struct {
	Tier          hierarchy.Tier `json:"tier"`
	ID            string         `json:"id"`
	OwnerID       string         `json:"owner_id"`
	NewVersion    int64          `json:"new_version"`
	ChangedFields []string       `json:"changed_fields"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Notifier is the external notification sink.
//
// Delivery is at-most-once and best-effort: a publish failure is logged
// by the coordinator and never fails the write. Implementations must
// not block for long; the coordinator publishes on the write path.
type Notifier interface {
	Publish(ctx context.Context, event ChangeEvent) error
}

// NopNotifier discards all events.
type NopNotifier struct{}

// Publish implements Notifier.
func (NopNotifier) Publish(context.Context, ChangeEvent) error { return nil }

// ChannelNotifier delivers events to a buffered channel, dropping when
// the buffer is full. Useful for in-process fan-out and tests.
type ChannelNotifier struct {
	ch chan ChangeEvent
}

// NewChannelNotifier creates a notifier with the given buffer size.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelNotifier{ch: make(chan ChangeEvent, buffer)}
}

// Events returns the receive side of the notifier.
func (n *ChannelNotifier) Events() <-chan ChangeEvent { return n.ch }

// Publish implements Notifier. A full buffer drops the event rather
// than blocking the write path.
func (n *ChannelNotifier) Publish(_ context.Context, event ChangeEvent) error {
	select {
	case n.ch <- event:
	default:
	}
	return nil
}
