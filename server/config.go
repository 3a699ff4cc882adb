// Copyright 2026 The CryMatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"encoding/json"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"
)

// Mode selects which roles a process runs.
type Mode string

const (
	// ModeStandalone runs the Director and a Matchmaker in one process,
	// by default over the in-memory state.
	ModeStandalone Mode = "Standalone"
	// ModeMatchmaker runs only a matchmaker. Requires Redis.
	ModeMatchmaker Mode = "Matchmaker"
	// ModeDirector runs only the Director. Requires Redis.
	ModeDirector Mode = "Director"
)

// Config is the CryMatch server configuration.
type Config interface {
	GetListenEndpoint() string
	GetCertificatePath() string
	GetPrivateKeyPath() string
	GetMode() Mode
	GetMatchmakerThreads() int
	GetUseRedis() bool
	GetRedisConfigurationOptions() string
	GetMaxDowntimeBeforeOffline() time.Duration
	GetMatchmakerUpdateDelay() time.Duration
	GetDirectorUpdateDelay() time.Duration
	GetMatchmakerMinGatherTime() time.Duration
	GetMatchmakerPoolCapacity() int
	GetMaxMatchFailures() int
	GetLogger() *LoggerConfig
	GetMetrics() *MetricsConfig
}

// ParseArgs loads configuration from an optional `--config <file>` JSON file
// and validates it. Invalid values that have a safe fallback are clamped
// with a warning; contradictory timing settings are fatal.
func ParseArgs(logger *zap.Logger, args []string) Config {
	c := NewConfig()

	for i := 1; i < len(args)-1; i++ {
		if args[i] == "--config" {
			configPath := args[i+1]
			data, err := os.ReadFile(configPath)
			if err != nil {
				logger.Fatal("Could not read config file", zap.String("path", configPath), zap.Error(err))
			}
			if err := json.Unmarshal(data, c); err != nil {
				logger.Fatal("Could not parse config file", zap.String("path", configPath), zap.Error(err))
			}
		}
	}

	c.Validate(logger)
	return c
}

type config struct {
	ListenEndpoint            string         `json:"ListenEndpoint" usage:"Host and port the server listens on."`
	CertificatePath           string         `json:"CertificatePath" usage:"Path to the PEM certificate. TLS is enabled when both certificate and key resolve."`
	PrivateKeyPath            string         `json:"PrivateKeyPath" usage:"Path to the PEM private key."`
	Mode                      Mode           `json:"Mode" usage:"Standalone, Matchmaker or Director. Non-Standalone modes require Redis."`
	MatchmakerThreads         int            `json:"MatchmakerThreads" usage:"Matchmaker worker thread count, 1-128."`
	UseRedis                  bool           `json:"UseRedis" usage:"Use the Redis state backend."`
	RedisConfigurationOptions string         `json:"RedisConfigurationOptions" usage:"Redis connection string."`
	MaxDowntimeBeforeOffline  float64        `json:"MaxDowntimeBeforeOffline" usage:"Seconds before an unresponsive role is considered offline. Must exceed both update delays."`
	MatchmakerUpdateDelay     float64        `json:"MatchmakerUpdateDelay" usage:"Seconds between matchmaker update loops."`
	DirectorUpdateDelay       float64        `json:"DirectorUpdateDelay" usage:"Seconds between Director update loops."`
	MatchmakerMinGatherTime   float64        `json:"MatchmakerMinGatherTime" usage:"Minimum seconds a pool gathers tickets before matching."`
	MatchmakerPoolCapacity    int            `json:"MatchmakerPoolCapacity" usage:"Maximum tickets matched in one round per pool."`
	MaxMatchFailures          int            `json:"MaxMatchFailures" usage:"Failed rounds before a ticket is consumed unmatched."`
	Logger                    *LoggerConfig  `json:"Logger" usage:"Log level and output."`
	Metrics                   *MetricsConfig `json:"Metrics" usage:"Metrics exporter settings."`
}

// NewConfig constructs the configuration with its defaults.
func NewConfig() *config {
	threads := runtime.NumCPU()
	if threads > 2 {
		threads = 2
	}
	return &config{
		ListenEndpoint:           "0.0.0.0:5000",
		Mode:                     ModeStandalone,
		MatchmakerThreads:        threads,
		MaxDowntimeBeforeOffline: 10,
		MatchmakerUpdateDelay:    1,
		DirectorUpdateDelay:      1,
		MatchmakerMinGatherTime:  2,
		MatchmakerPoolCapacity:   10000,
		MaxMatchFailures:         10,
		Logger:                   NewLoggerConfig(),
		Metrics:                  NewMetricsConfig(),
	}
}

// Validate applies the documented bounds. Values with a safe fallback are
// clamped with a warning; a timing configuration that cannot work is fatal.
func (c *config) Validate(logger *zap.Logger) {
	switch c.Mode {
	case ModeStandalone:
	case ModeMatchmaker, ModeDirector:
		if !c.UseRedis {
			logger.Warn("Non-Standalone mode requires the Redis state backend, enabling it")
			c.UseRedis = true
		}
	default:
		logger.Fatal("Mode must be one of Standalone, Matchmaker or Director", zap.String("mode", string(c.Mode)))
	}

	if c.MatchmakerThreads < 1 || c.MatchmakerThreads > 128 {
		logger.Warn("MatchmakerThreads out of range, using 1", zap.Int("value", c.MatchmakerThreads))
		c.MatchmakerThreads = 1
	}
	if c.MaxDowntimeBeforeOffline < 0.1 {
		logger.Warn("MaxDowntimeBeforeOffline below 0.1s, clamping", zap.Float64("value", c.MaxDowntimeBeforeOffline))
		c.MaxDowntimeBeforeOffline = 0.1
	}
	if c.MatchmakerUpdateDelay < 0.01 {
		logger.Warn("MatchmakerUpdateDelay below 0.01s, clamping", zap.Float64("value", c.MatchmakerUpdateDelay))
		c.MatchmakerUpdateDelay = 0.01
	}
	if c.DirectorUpdateDelay < 0.01 {
		logger.Warn("DirectorUpdateDelay below 0.01s, clamping", zap.Float64("value", c.DirectorUpdateDelay))
		c.DirectorUpdateDelay = 0.01
	}
	if c.MaxDowntimeBeforeOffline <= c.MatchmakerUpdateDelay || c.MaxDowntimeBeforeOffline <= c.DirectorUpdateDelay {
		logger.Fatal("MaxDowntimeBeforeOffline must exceed both update delays",
			zap.Float64("max_downtime", c.MaxDowntimeBeforeOffline),
			zap.Float64("matchmaker_update_delay", c.MatchmakerUpdateDelay),
			zap.Float64("director_update_delay", c.DirectorUpdateDelay))
	}
	if c.MatchmakerMinGatherTime < 0 {
		logger.Warn("MatchmakerMinGatherTime below zero, clamping", zap.Float64("value", c.MatchmakerMinGatherTime))
		c.MatchmakerMinGatherTime = 0
	}
	if c.MatchmakerPoolCapacity < 10 {
		logger.Warn("MatchmakerPoolCapacity below 10, clamping", zap.Int("value", c.MatchmakerPoolCapacity))
		c.MatchmakerPoolCapacity = 10
	}
	if c.MaxMatchFailures <= 0 {
		logger.Warn("MaxMatchFailures must be positive, using 1", zap.Int("value", c.MaxMatchFailures))
		c.MaxMatchFailures = 1
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func (c *config) GetListenEndpoint() string {
	return c.ListenEndpoint
}

func (c *config) GetCertificatePath() string {
	return c.CertificatePath
}

func (c *config) GetPrivateKeyPath() string {
	return c.PrivateKeyPath
}

func (c *config) GetMode() Mode {
	return c.Mode
}

func (c *config) GetMatchmakerThreads() int {
	return c.MatchmakerThreads
}

func (c *config) GetUseRedis() bool {
	return c.UseRedis
}

func (c *config) GetRedisConfigurationOptions() string {
	return c.RedisConfigurationOptions
}

func (c *config) GetMaxDowntimeBeforeOffline() time.Duration {
	return seconds(c.MaxDowntimeBeforeOffline)
}

func (c *config) GetMatchmakerUpdateDelay() time.Duration {
	return seconds(c.MatchmakerUpdateDelay)
}

func (c *config) GetDirectorUpdateDelay() time.Duration {
	return seconds(c.DirectorUpdateDelay)
}

func (c *config) GetMatchmakerMinGatherTime() time.Duration {
	return seconds(c.MatchmakerMinGatherTime)
}

func (c *config) GetMatchmakerPoolCapacity() int {
	return c.MatchmakerPoolCapacity
}

func (c *config) GetMaxMatchFailures() int {
	return c.MaxMatchFailures
}

func (c *config) GetLogger() *LoggerConfig {
	return c.Logger
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level  string `json:"Level" usage:"Log level: debug, info, warn or error."`
	File   string `json:"File" usage:"Also log to this file."`
	Stdout bool   `json:"Stdout" usage:"Log only to stdout even when a file is configured."`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:  "info",
		Stdout: true,
	}
}

// MetricsConfig is configuration for the Prometheus exporter.
type MetricsConfig struct {
	PrometheusPort int `json:"PrometheusPort" usage:"Port for the Prometheus scrape endpoint. Zero disables the exporter."`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{}
}
