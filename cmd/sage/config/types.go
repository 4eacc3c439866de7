// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"time"

	"github.com/SAIC-MONTREAL/SAGE/pkg/telemetry"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendMongo  = "mongo"
)

// SageConfig is the content of ~/.sage/config.yaml.
type SageConfig struct {
	// Server: the trigger server and simulated device API
	Server ServerConfig `yaml:"server"`

	// Store: where device state trees and session logs live
	Store StoreConfig `yaml:"store"`

	// Poller: condition evaluation cadence. Reloaded while serving.
	Poller PollerConfig `yaml:"poller"`

	// Sandbox: limits for condition routines
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Devices: command interpreter behavior
	Devices DevicesConfig `yaml:"devices"`

	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

type ServerConfig struct {
	// Addr is the listen address, e.g. :6789.
	Addr string `yaml:"addr" validate:"required"`

	// URL is where CLI subcommands reach the server.
	URL string `yaml:"url" validate:"required,url"`

	DrainInterval time.Duration `yaml:"drain_interval" validate:"gte=0"`
	ChannelSize   int           `yaml:"channel_size" validate:"gte=0"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace" validate:"gte=0"`
}

type StoreConfig struct {
	Backend string `yaml:"backend" validate:"oneof=memory badger mongo"`

	// BadgerPath is the database directory. A leading ~ is expanded.
	BadgerPath     string        `yaml:"badger_path" validate:"required_if=Backend badger"`
	SyncWrites     bool          `yaml:"sync_writes"`
	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lt=1"`

	MongoURI      string `yaml:"mongo_uri" validate:"required_if=Backend mongo"`
	MongoDatabase string `yaml:"mongo_database"`
}

type PollerConfig struct {
	Interval          time.Duration `yaml:"interval" validate:"gt=0"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

type SandboxConfig struct {
	MaxSteps uint64        `yaml:"max_steps"`
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
}

type DevicesConfig struct {
	// DefaultSession is used by device requests and routines that name
	// no session.
	DefaultSession string   `yaml:"default_session"`
	RateLimit      float64  `yaml:"rate_limit" validate:"gte=0"`
	Burst          int      `yaml:"burst" validate:"gte=0"`
	AuditLog       bool     `yaml:"audit_log"`
	APIHosts       []string `yaml:"api_hosts"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

func DefaultConfig() SageConfig {
	return SageConfig{
		Server: ServerConfig{
			Addr:          ":6789",
			URL:           "http://localhost:6789",
			DrainInterval: time.Second,
			ChannelSize:   64,
			ShutdownGrace: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:        BackendMemory,
			BadgerPath:     "~/.sage/state",
			SyncWrites:     true,
			GCInterval:     5 * time.Minute,
			GCDiscardRatio: 0.5,
			MongoURI:       "mongodb://localhost:27017",
			MongoDatabase:  "test_logs",
		},
		Poller: PollerConfig{
			Interval:          10 * time.Second,
			EvaluationTimeout: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			MaxSteps: 10_000_000,
			Timeout:  30 * time.Second,
		},
		Devices: DevicesConfig{
			DefaultSession: "default",
			RateLimit:      20,
			Burst:          40,
			AuditLog:       true,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "~/.sage/logs",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}
