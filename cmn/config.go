// Package cmn provides types, error taxonomy, configuration, and other
// utilities shared across the page server core.
// This file defines the process-wide Config struct and YAML loading.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// RemoteStorageKind selects the concrete backend behind the Remote Storage
// Adapter. Concrete backends are collaborators; this config only says
// which one to construct.
type RemoteStorageKind string

const (
	RemoteLocalFS RemoteStorageKind = "localfs"
	RemoteS3      RemoteStorageKind = "s3"
	RemoteAzure   RemoteStorageKind = "azure"
	RemoteGCS     RemoteStorageKind = "gcs"
)

// SemaphoreConfig bounds inflight requests per operation kind.
type SemaphoreConfig struct {
	Get        int64 `yaml:"get"`
	Put        int64 `yaml:"put"`
	List       int64 `yaml:"list"`
	Delete     int64 `yaml:"delete"`
	Copy       int64 `yaml:"copy"`
	TimeTravel int64 `yaml:"time_travel"`
}

func DefaultSemaphoreConfig() SemaphoreConfig {
	return SemaphoreConfig{Get: 100, Put: 100, List: 20, Delete: 20, Copy: 20, TimeTravel: 2}
}

// RemoteStorageConfig configures one Remote Storage Adapter instance.
type RemoteStorageConfig struct {
	Kind           RemoteStorageKind `yaml:"kind"`
	Bucket         string            `yaml:"bucket"`
	Region         string            `yaml:"region"`
	Endpoint       string            `yaml:"endpoint,omitempty"`
	PrefixInBucket string            `yaml:"prefix_in_bucket,omitempty"`
	LocalRoot      string            `yaml:"local_root,omitempty"`
	AccountName    string            `yaml:"account_name,omitempty"`
	AccountKey     string            `yaml:"account_key,omitempty"`
	RequestTimeout time.Duration     `yaml:"request_timeout"`
	Semaphores     SemaphoreConfig   `yaml:"semaphores"`
	// TimeTravelVersionLimit bounds the accumulated object-version list a
	// time-travel restore will hold in memory. Kept configurable rather
	// than hard-coded, since the right cap depends on the backend.
	TimeTravelVersionLimit int `yaml:"time_travel_version_limit"`
}

func DefaultRemoteStorageConfig() RemoteStorageConfig {
	return RemoteStorageConfig{
		Kind:                   RemoteLocalFS,
		RequestTimeout:         30 * time.Second,
		Semaphores:             DefaultSemaphoreConfig(),
		TimeTravelVersionLimit: 100_000,
	}
}

// Config is the process-wide configuration, loaded once at startup.
// GCOSet swaps the global handle atomically; no signal handler reloads it.
type Config struct {
	RemoteStorage RemoteStorageConfig `yaml:"remote_storage"`

	// WarmupConcurrency bounds concurrent cold-start attaches.
	WarmupConcurrency int `yaml:"warmup_concurrency"`
	// InitdbConcurrency is the configured limit on concurrent initdb
	// subprocess spawns. No code in this module reads it or spawns initdb.
	InitdbConcurrency int `yaml:"initdb_concurrency"`
	// DeleteBatchSize is the configured remote-storage delete chunk size.
	// No code in this module reads it: the backends and the deletion queue
	// chunk deletes at a fixed 1000 keys.
	DeleteBatchSize int `yaml:"delete_batch_size"`

	// WorkDir is the local directory holding per-tenant-shard,
	// per-timeline working directories, purged of stale entries on warmup.
	WorkDir string `yaml:"work_dir"`
}

func DefaultConfig() *Config {
	return &Config{
		RemoteStorage:     DefaultRemoteStorageConfig(),
		WarmupConcurrency: 8,
		InitdbConcurrency: 8,
		DeleteBatchSize:   1000,
		WorkDir:           "./pageserver_data",
	}
}

// GCO ("global configuration owner") is a single process-wide,
// atomically-swapped config handle. Tests should build their own *Config
// and pass it explicitly rather than touch this global.
var globalConfig atomic.Value

func init() { globalConfig.Store(DefaultConfig()) }

func GCOGet() *Config  { return globalConfig.Load().(*Config) }
func GCOSet(c *Config) { globalConfig.Store(c) }

// LoadConfig reads a YAML config file over DefaultConfig(): fields the file
// omits keep their defaults, fields it sets (even to zero) take its value.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewError(ErrOther, "read config %s", path).Wrap(err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewError(ErrBadRequest, "parse config %s", path).Wrap(err)
	}
	return cfg, nil
}
