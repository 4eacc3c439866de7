// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package triggers is the front door of the condition system. It owns the
// poller lifecycle and relays fired conditions to whoever polls for them.
//
// The poller writes TriggerMessages to a channel. The server moves them
// into a FIFO buffer on every drain tick and on every CheckTriggers call,
// and hands each buffered message out exactly once.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/SAIC-MONTREAL/SAGE/services/conditions"
	"github.com/SAIC-MONTREAL/SAGE/services/observability"
)

const (
	// DefaultDrainInterval is how often Run moves poller messages into the
	// buffer.
	DefaultDrainInterval = time.Second

	// DefaultChannelSize is the capacity of the poller to server channel.
	DefaultChannelSize = 64
)

// ErrInvalidMessage is returned by TriggerManually for a message without a
// user or a command.
var ErrInvalidMessage = errors.New("invalid trigger message")

var validate = validator.New()

// Config configures a Server.
type Config struct {
	// DrainInterval defaults to DefaultDrainInterval.
	DrainInterval time.Duration

	// ChannelSize defaults to DefaultChannelSize.
	ChannelSize int

	// Poller is the template for every poller the server starts. Its
	// Metrics and Logger default to the server's.
	Poller conditions.PollerConfig

	// Clock drives the drain ticker. Nil means the wall clock.
	Clock conditions.Clock

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Status is a point-in-time view of the server.
type Status struct {
	Status     string `json:"status"`
	Poller     string `json:"poller"`
	Epoch      uint64 `json:"epoch"`
	Conditions int    `json:"conditions"`
	Pending    int    `json:"pending"`
}

// Server buffers fired conditions and restarts the poller whenever a
// condition is added.
//
// # Description
//
// The registry is the durable state. Restarting the poller stops the old
// instance without waiting for it, advances the registry epoch so the old
// instance can no longer record results, and starts a new poller over the
// same registry. Messages the old poller already sent stay in the channel
// and are still delivered. Reset is the only operation that discards
// messages.
//
// # Thread Safety
//
// All methods are safe for concurrent use. CheckTriggers never waits on
// the poller.
type Server struct {
	registry      *conditions.Registry
	messages      chan conditions.TriggerMessage
	drainInterval time.Duration
	clock         conditions.Clock
	metrics       *observability.Metrics
	logger        *slog.Logger

	// lifecycle serializes AddCondition, Reset, SetInterval and Close.
	lifecycle sync.Mutex
	pollerCfg conditions.PollerConfig
	poller    *conditions.Poller
	ctx       context.Context
	cancel    context.CancelFunc

	// mu guards the buffer.
	mu            sync.Mutex
	buffer        []conditions.TriggerMessage
	discardBefore uint64
}

// NewServer creates a server over registry. No poller runs until the
// first condition is added.
func NewServer(registry *conditions.Registry, cfg Config) *Server {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = DefaultChannelSize
	}
	if cfg.Clock == nil {
		cfg.Clock = conditions.SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Poller.Metrics == nil {
		cfg.Poller.Metrics = cfg.Metrics
	}
	if cfg.Poller.Logger == nil {
		cfg.Poller.Logger = cfg.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		registry:      registry,
		messages:      make(chan conditions.TriggerMessage, cfg.ChannelSize),
		drainInterval: cfg.DrainInterval,
		clock:         cfg.Clock,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With("component", "trigger_server"),
		pollerCfg:     cfg.Poller,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Registry returns the registry the server restarts pollers over.
func (s *Server) Registry() *conditions.Registry {
	return s.registry
}

// Run drains the poller channel every drain interval until ctx ends, then
// stops the poller. It always returns nil.
func (s *Server) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.drainInterval)
	defer ticker.Stop()
	s.logger.Info("trigger server running", slog.Duration("drain_interval", s.drainInterval))

	for {
		select {
		case <-ctx.Done():
			s.Close()
			s.logger.Info("trigger server stopped")
			return nil
		case <-ticker.Chan():
			s.mu.Lock()
			s.drainLocked()
			s.mu.Unlock()
		}
	}
}

// Close stops the running poller. Buffered messages stay available.
func (s *Server) Close() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stopPollerLocked()
	s.cancel()
}

// CheckTriggers removes and returns the oldest fired message. ok is false
// when nothing is pending.
func (s *Server) CheckTriggers() (msg conditions.TriggerMessage, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked()
	if len(s.buffer) == 0 {
		return conditions.TriggerMessage{}, false
	}
	msg = s.buffer[0]
	s.buffer[0] = conditions.TriggerMessage{}
	s.buffer = s.buffer[1:]
	s.metrics.RecordDelivered(len(s.buffer))
	return msg, true
}

// TriggerManually appends msg to the buffer without involving the poller.
func (s *Server) TriggerManually(msg conditions.TriggerMessage) error {
	if err := validate.Struct(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	msg.Epoch = 0
	if msg.FiredAt.IsZero() {
		msg.FiredAt = s.clock.Now().UTC()
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, msg)
	depth := len(s.buffer)
	s.mu.Unlock()

	s.metrics.RecordEnqueued(observability.SourceManual, depth)
	s.logger.Info("manual trigger enqueued", slog.String("user", msg.User))
	return nil
}

// AddCondition merges codes into the registry, adds rec and restarts the
// poller.
//
// # Inputs
//
//   - codes: Routines to register. May be empty when rec refers to a
//     routine that is already registered.
//   - rec: The condition record.
//
// # Outputs
//
//   - error: Wraps conditions.ErrInvalidCondition or
//     conditions.ErrUnknownRoutine. The poller is left untouched on error.
//     Codes merged before a record error stay registered.
func (s *Server) AddCondition(codes map[string]conditions.CodeEntry, rec conditions.Record) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if err := s.registry.Merge(codes); err != nil {
		return err
	}
	if err := s.registry.AddCondition(rec); err != nil {
		return err
	}
	s.restartPollerLocked()
	s.logger.Info("condition added",
		slog.String("routine", rec.FunctionName),
		slog.String("user", rec.UserName),
		slog.Int("conditions", s.registry.Len()))
	return nil
}

// Reset stops the poller and clears the registry, the buffer and any
// message still in the channel.
func (s *Server) Reset() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.stopPollerLocked()
	s.registry.Reset()
	epoch := s.registry.Epoch()

	s.mu.Lock()
	s.buffer = nil
	s.discardBefore = epoch
	dropped := s.drainLocked()
	s.mu.Unlock()

	s.metrics.SetBufferDepth(0)
	s.logger.Info("trigger server reset", slog.Uint64("epoch", epoch), slog.Int("dropped", dropped))
}

// Conditions returns a copy of the registry.
func (s *Server) Conditions() conditions.Snapshot {
	return s.registry.Snapshot()
}

// Pending returns the number of buffered messages, including those still
// in the channel.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainLocked()
	return len(s.buffer)
}

// Status reports the poller state and queue sizes.
func (s *Server) Status() Status {
	s.lifecycle.Lock()
	state := conditions.StateStopped
	if s.poller != nil {
		state = s.poller.State()
	}
	s.lifecycle.Unlock()

	return Status{
		Status:     "ok",
		Poller:     state.String(),
		Epoch:      s.registry.Epoch(),
		Conditions: s.registry.Len(),
		Pending:    s.Pending(),
	}
}

// SetInterval changes the poll interval of the running poller and of
// every poller started later.
func (s *Server) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.pollerCfg.Interval = d
	if s.poller != nil {
		s.poller.SetInterval(d)
	}
}

// restartPollerLocked requires s.lifecycle.
func (s *Server) restartPollerLocked() {
	restarted := s.poller != nil
	s.stopPollerLocked()
	s.registry.Advance()

	p := conditions.NewPoller(s.registry, s.messages, s.pollerCfg)
	p.Start(s.ctx)
	s.poller = p
	if restarted {
		s.metrics.RecordPollerRestart()
	}
}

// stopPollerLocked requires s.lifecycle.
func (s *Server) stopPollerLocked() {
	if s.poller == nil {
		return
	}
	s.poller.Stop()
	s.poller = nil
}

// drainLocked moves every pending channel message into the buffer and
// returns how many were dropped as belonging to a reset registry.
// Requires s.mu.
func (s *Server) drainLocked() (dropped int) {
	for {
		select {
		case msg := <-s.messages:
			if msg.Epoch < s.discardBefore {
				dropped++
				continue
			}
			s.buffer = append(s.buffer, msg)
			s.metrics.RecordEnqueued(observability.SourcePoller, len(s.buffer))
		default:
			return dropped
		}
	}
}
