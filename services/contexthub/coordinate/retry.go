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
	"errors"
	"fmt"
	"math/rand"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig configures the coordinator's retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of CAS attempts (including the
	// initial one). Default: 5.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" validate:"omitempty,min=1"`

	// InitialBackoff is the wait before the first retry. Default: 1s.
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`

	// MaxBackoff caps the wait between retries. Default: 30s.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`

	// BackoffFactor is the exponential multiplier. Default: 2.0.
	BackoffFactor float64 `yaml:"backoff_factor" json:"backoff_factor" validate:"omitempty,min=1"`

	// JitterFactor is the maximum jitter as a fraction of the backoff.
	// Default: 0.1 (±10%).
	JitterFactor float64 `yaml:"jitter_factor" json:"jitter_factor" validate:"min=0,max=1"`
}

// DefaultRetryConfig returns the contract defaults: base 1s, factor 2,
// cap 30s, jitter ±10%, five attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.1,
	}
}

// UnmarshalYAML implements yaml.Unmarshaler, accepting Go duration
// strings ("100ms", "30s") for the backoff fields. Absent keys keep the
// values already present on the receiver.
func (c *RetryConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		MaxAttempts    int     `yaml:"max_attempts"`
		InitialBackoff string  `yaml:"initial_backoff"`
		MaxBackoff     string  `yaml:"max_backoff"`
		BackoffFactor  float64 `yaml:"backoff_factor"`
		JitterFactor   float64 `yaml:"jitter_factor"`
	}{
		MaxAttempts:   c.MaxAttempts,
		BackoffFactor: c.BackoffFactor,
		JitterFactor:  c.JitterFactor,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.MaxAttempts = raw.MaxAttempts
	c.BackoffFactor = raw.BackoffFactor
	c.JitterFactor = raw.JitterFactor
	if raw.InitialBackoff != "" {
		d, err := time.ParseDuration(raw.InitialBackoff)
		if err != nil {
			return fmt.Errorf("initial_backoff: %w", err)
		}
		c.InitialBackoff = d
	}
	if raw.MaxBackoff != "" {
		d, err := time.ParseDuration(raw.MaxBackoff)
		if err != nil {
			return fmt.Errorf("max_backoff: %w", err)
		}
		c.MaxBackoff = d
	}
	return nil
}

// Validate checks the retry configuration.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	if c.InitialBackoff <= 0 {
		return errors.New("initial_backoff must be positive")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return errors.New("max_backoff must not be below initial_backoff")
	}
	if c.BackoffFactor < 1.0 {
		return errors.New("backoff_factor must be at least 1")
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		return errors.New("jitter_factor must be within [0, 1]")
	}
	return nil
}

// retryState is one state of the retry machine.
type retryState int

const (
	// stateAttempt means the machine permits another CAS attempt.
	stateAttempt retryState = iota

	// stateBackoff means the machine is waiting out a backoff period.
	stateBackoff

	// stateFailed means the attempt budget is exhausted.
	stateFailed
)

func (s retryState) String() string {
	switch s {
	case stateAttempt:
		return "attempt"
	case stateBackoff:
		return "backoff"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// retryMachine drives the ATTEMPT → BACKOFF → ATTEMPT → ... → FAILED
// cycle with exponential backoff and jitter.
//
// Modeling the loop as explicit states keeps the maximum-attempt and
// cancellation contracts independently testable: the transition logic
// never sleeps, and the sleep never transitions.
//
// Thread Safety: Not safe for concurrent use; each update owns one
// machine.
type retryMachine struct {
	cfg     RetryConfig
	state   retryState
	attempt int
	backoff time.Duration

	// sleep is replaceable in tests. Defaults to a cancellable wait.
	sleep func(ctx context.Context, d time.Duration) error
}

// newRetryMachine creates a machine positioned before the first attempt.
func newRetryMachine(cfg RetryConfig) *retryMachine {
	return &retryMachine{
		cfg:     cfg,
		state:   stateAttempt,
		backoff: cfg.InitialBackoff,
		sleep:   sleepContext,
	}
}

// Attempts returns the number of attempts granted so far.
func (m *retryMachine) Attempts() int { return m.attempt }

// Next reports whether another attempt is permitted and accounts for it.
func (m *retryMachine) Next() bool {
	if m.state != stateAttempt {
		return false
	}
	if m.attempt >= m.cfg.MaxAttempts {
		m.state = stateFailed
		return false
	}
	m.attempt++
	return true
}

// Backoff transitions ATTEMPT → BACKOFF, waits out the jittered period,
// and transitions back to ATTEMPT, or to FAILED when the budget is
// spent or the context is cancelled.
//
// Outputs:
//   - error: The context's error if cancelled during the wait.
func (m *retryMachine) Backoff(ctx context.Context) error {
	if m.attempt >= m.cfg.MaxAttempts {
		m.state = stateFailed
		return nil
	}

	m.state = stateBackoff
	wait := jitter(m.backoff, m.cfg.JitterFactor)
	if err := m.sleep(ctx, wait); err != nil {
		m.state = stateFailed
		return err
	}

	m.backoff = nextBackoff(m.backoff, m.cfg.BackoffFactor, m.cfg.MaxBackoff)
	m.state = stateAttempt
	return nil
}

// Failed reports whether the machine has terminated.
func (m *retryMachine) Failed() bool { return m.state == stateFailed }

// sleepContext waits for d or until the context is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// jitter spreads a backoff across [base*(1-f), base*(1+f)].
func jitter(base time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return base
	}
	spread := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(base) * (1.0 + spread))
}

// nextBackoff grows the backoff exponentially up to the cap.
func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
