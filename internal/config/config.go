package config

import (
	"fmt"
	"time"
)

// Config is the on-disk configuration of a fanout run.
type Config struct {
	Endpoint  Endpoint  `yaml:"endpoint"`
	Chunking  Chunking  `yaml:"chunking"`
	Autoscale Autoscale `yaml:"autoscale"`
	Retry     Retry     `yaml:"retry"`
	Progress  Progress  `yaml:"progress"`
	Persist   Persist   `yaml:"persist"`
	Publish   Publish   `yaml:"publish"`
	Telemetry struct {
		Enabled        bool   `yaml:"enabled"`
		MonitoringAddr string `yaml:"monitoring_addr"`
	} `yaml:"telemetry"`
	Cluster Cluster `yaml:"cluster"`
}

// Endpoint describes the remote inference service.
type Endpoint struct {
	URL            string            `yaml:"url"`
	Model          string            `yaml:"model"`
	APIKeyEnv      string            `yaml:"api_key_env"`
	APIKey         string            `yaml:"-"`
	Headers        map[string]string `yaml:"headers"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	System         string            `yaml:"system"`
	// RequestsPerSecond paces each worker's requests. 0 disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// Timeout returns the per-request timeout.
func (e Endpoint) Timeout() time.Duration { return time.Duration(e.TimeoutSeconds) * time.Second }

type Chunking struct {
	ChunkSize       int `yaml:"chunk_size"`
	MinChunkSize    int `yaml:"min_chunk_size"`
	MaxRequestBytes int `yaml:"max_request_bytes"`
	// Tasks is the desired logical task count. 0 means derive from ChunkSize.
	Tasks int `yaml:"tasks"`
}

type Autoscale struct {
	Mode           string `yaml:"mode"`
	ThresholdBytes int    `yaml:"threshold_bytes"`
	Factor         int    `yaml:"factor"`
}

type Retry struct {
	MaxRetries           int `yaml:"max_retries"`
	DelayMS              int `yaml:"delay_ms"`
	NetworkResetLimit    int `yaml:"network_reset_limit"`
	ChunkDeadlineSeconds int `yaml:"chunk_deadline_seconds"`
}

// Delay returns the base backoff delay.
func (r Retry) Delay() time.Duration { return time.Duration(r.DelayMS) * time.Millisecond }

// ChunkDeadline returns the wall-clock ceiling for one chunk, 0 when disabled.
func (r Retry) ChunkDeadline() time.Duration {
	return time.Duration(r.ChunkDeadlineSeconds) * time.Second
}

type Progress struct {
	WorkerEvery            int `yaml:"worker_every"`
	ClusterIntervalSeconds int `yaml:"cluster_interval_seconds"`
}

type Persist struct {
	Dir          string `yaml:"dir"`
	SQLite       string `yaml:"sqlite"`
	PreviewBytes int    `yaml:"preview_bytes"`
	SFTP         SFTP   `yaml:"sftp"`
}

// SFTP configures uploading responses to a remote host.
type SFTP struct {
	Addr       string `yaml:"addr"`
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
	RemoteDir  string `yaml:"remote_dir"`
}

// Enabled reports whether an SFTP target is configured.
func (s SFTP) Enabled() bool { return s.Addr != "" }

type Publish struct {
	RedisURL     string `yaml:"redis_url"`
	RedisChannel string `yaml:"redis_channel"`
}

type Cluster struct {
	Coordinator        string `yaml:"coordinator"`
	JoinTimeoutSeconds int    `yaml:"join_timeout_seconds"`
}

// JoinTimeout returns how long a worker keeps dialing the coordinator.
func (c Cluster) JoinTimeout() time.Duration {
	return time.Duration(c.JoinTimeoutSeconds) * time.Second
}

// Autoscale modes.
const (
	ModeNone    = "none"
	ModeChunks  = "chunks"
	ModeThreads = "threads"
)

// Default returns a configuration with every field at its default value.
// Load decodes the YAML file over it, so absent keys keep these values.
func Default() Config {
	var cfg Config
	cfg.ApplyDefaults()
	cfg.Retry.NetworkResetLimit = 2
	cfg.Autoscale.ThresholdBytes = 1 << 20
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Endpoint.URL == "" {
		c.Endpoint.URL = "http://127.0.0.1:8088/v1/chat/completions"
	}
	if c.Endpoint.Model == "" {
		c.Endpoint.Model = "default"
	}
	if c.Endpoint.APIKeyEnv == "" {
		c.Endpoint.APIKeyEnv = "FANOUT_API_KEY"
	}
	if c.Endpoint.TimeoutSeconds <= 0 {
		c.Endpoint.TimeoutSeconds = 60
	}
	if c.Chunking.ChunkSize <= 0 {
		c.Chunking.ChunkSize = 4096
	}
	if c.Chunking.MinChunkSize <= 0 {
		c.Chunking.MinChunkSize = 256
	}
	if c.Chunking.MaxRequestBytes <= 0 {
		c.Chunking.MaxRequestBytes = 1 << 20
	}
	if c.Autoscale.Mode == "" {
		c.Autoscale.Mode = ModeNone
	}
	if c.Autoscale.Factor <= 0 {
		c.Autoscale.Factor = 2
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.DelayMS <= 0 {
		c.Retry.DelayMS = 500
	}
	if c.Retry.NetworkResetLimit < 0 {
		c.Retry.NetworkResetLimit = 0
	}
	if c.Progress.WorkerEvery <= 0 {
		c.Progress.WorkerEvery = 10
	}
	if c.Progress.ClusterIntervalSeconds <= 0 {
		c.Progress.ClusterIntervalSeconds = 30
	}
	if c.Persist.PreviewBytes <= 0 {
		c.Persist.PreviewBytes = 160
	}
	if c.Publish.RedisChannel == "" {
		c.Publish.RedisChannel = "fanout:summary"
	}
	if c.Cluster.Coordinator == "" {
		c.Cluster.Coordinator = "127.0.0.1:7070"
	}
	if c.Cluster.JoinTimeoutSeconds <= 0 {
		c.Cluster.JoinTimeoutSeconds = 30
	}
}

// ValidationError represents an invalid configuration value
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// Validate checks ranges and enumerations. Call after ApplyDefaults.
func (c *Config) Validate() error {
	switch c.Autoscale.Mode {
	case ModeNone, ModeChunks, ModeThreads:
	default:
		return ValidationError{Field: "autoscale.mode", Value: c.Autoscale.Mode, Message: "must be one of none, chunks, threads"}
	}
	if c.Autoscale.ThresholdBytes < 0 {
		return ValidationError{Field: "autoscale.threshold_bytes", Value: fmt.Sprintf("%d", c.Autoscale.ThresholdBytes), Message: "must be >= 0"}
	}
	if c.Chunking.Tasks < 0 {
		return ValidationError{Field: "chunking.tasks", Value: fmt.Sprintf("%d", c.Chunking.Tasks), Message: "must be >= 0"}
	}
	if c.Chunking.MinChunkSize > c.Chunking.ChunkSize {
		return ValidationError{Field: "chunking.min_chunk_size", Value: fmt.Sprintf("%d", c.Chunking.MinChunkSize), Message: "must not exceed chunking.chunk_size"}
	}
	if c.Retry.ChunkDeadlineSeconds < 0 {
		return ValidationError{Field: "retry.chunk_deadline_seconds", Value: fmt.Sprintf("%d", c.Retry.ChunkDeadlineSeconds), Message: "must be >= 0"}
	}
	if c.Endpoint.RequestsPerSecond < 0 {
		return ValidationError{Field: "endpoint.requests_per_second", Value: fmt.Sprintf("%g", c.Endpoint.RequestsPerSecond), Message: "must be >= 0"}
	}
	if c.Endpoint.URL == "" {
		return ValidationError{Field: "endpoint.url", Value: "", Message: "endpoint url is required"}
	}
	return nil
}
