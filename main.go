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

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/crymatch/crymatch/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version string = "1.0.0"

var usage = `CryMatch matchmaking server.

Usage:
  crymatch [--config <path>]

The optional JSON config file overrides the built-in defaults.`

func main() {
	semver := version

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel)

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--version", "-v":
			tmpLogger.Info(semver)
			return
		case "--help", "-h":
			tmpLogger.Info(usage)
			return
		}
	}

	config := server.ParseArgs(tmpLogger, os.Args)
	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("CryMatch starting", zap.String("version", semver), zap.String("mode", string(config.GetMode())))

	var state server.State
	if config.GetUseRedis() {
		redisState, err := server.NewRedisState(context.Background(), startupLogger, config.GetRedisConfigurationOptions())
		if err != nil {
			startupLogger.Fatal("Could not connect to Redis", zap.Error(err))
		}
		state = redisState
		startupLogger.Info("Using the Redis state backend")
	} else {
		state = server.NewMemoryState()
		startupLogger.Info("Using the in-memory state backend")
	}

	metrics := server.NewMetrics(logger, config)
	plugins := server.NewPluginRegistry()

	var director *server.Director
	var matchmaker *server.Matchmaker
	var err error

	switch config.GetMode() {
	case server.ModeStandalone:
		director, err = server.NewDirector(logger, config, state, metrics)
		if err != nil {
			startupLogger.Fatal("Could not start Director", zap.Error(err))
		}
		matchmaker = server.NewMatchmaker(logger, config, state, metrics, plugins)
	case server.ModeDirector:
		director, err = server.NewDirector(logger, config, state, metrics)
		if err != nil {
			startupLogger.Fatal("Could not start Director", zap.Error(err))
		}
	case server.ModeMatchmaker:
		matchmaker = server.NewMatchmaker(logger, config, state, metrics, plugins)
	}

	apiServer := server.StartApiServer(logger, config)

	startupLogger.Info("Startup done")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-c

	logger.Info("Shutting down")

	apiServer.Stop()
	if matchmaker != nil {
		matchmaker.Stop()
	}
	if director != nil {
		director.Stop()
	}
	metrics.Stop(logger)

	logger.Info("Shutdown complete")
	os.Exit(0)
}
