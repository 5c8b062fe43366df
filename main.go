// Copyright 2026 The EchoTools Authors
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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/echotools/gameconsole/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const startupReplayTimeout = 15 * time.Second

var (
	version  string = "dev"
	commitID string = "dev"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, server.JSONFormat)

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println(semver)
		os.Exit(0)
	}

	config := server.ParseArgs(tmpLogger, os.Args[1:])
	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	if problems := server.CheckConfig(startupLogger, config); len(problems) > 0 {
		for field, problem := range problems {
			startupLogger.Error("Invalid configuration", zap.String("field", field), zap.String("problem", problem))
		}
		startupLogger.Fatal("Configuration check failed")
	}

	startupLogger.Info("Console starting", zap.String("version", semver), zap.String("name", config.GetName()), zap.String("container", config.GetContainer().Name))
	startupLogger.Info("Data directory", zap.String("path", config.GetDataDir()))

	metrics := server.NewLocalMetrics(logger, startupLogger, config)

	runtime, err := server.NewDockerRuntime(logger, config)
	if err != nil {
		startupLogger.Fatal("Could not create container runtime client", zap.Error(err))
	}

	var geo server.GeoResolver
	if token := config.GetPresence().IPInfoToken; token != "" {
		geo = server.NewIPinfoCache(logger, token)
	}

	store := server.NewPresenceStore(logger, metrics, config.GetPresence().StorePath)
	entries, err := store.Load()
	if err != nil {
		// Continue with an empty roster. The next save overwrites the unreadable file.
		startupLogger.Error("Could not load presence store", zap.String("path", config.GetPresence().StorePath), zap.Error(err))
	}
	tracker := server.NewPresenceTracker(logger, metrics, config, store, geo)
	tracker.Restore(entries)

	parser := server.NewLogParser(config.GetSocket().MaxLineLength)

	// Reconcile the roster with recent history before anyone subscribes.
	if lines := config.GetContainer().ReplayLines; lines > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), startupReplayTimeout)
		raw, err := runtime.RecentOutput(ctx, lines, true)
		cancel()
		if err != nil {
			startupLogger.Warn("Could not read container history for presence replay", zap.Error(err))
		} else {
			events := tracker.Replay(parser.ParseStampedLines(server.DemuxChunk(raw)))
			startupLogger.Info("Presence replay complete", zap.Int("events", len(events)), zap.Int("online", tracker.OnlineCount()))
		}
	}

	notifier, err := server.NewPresenceNotifier(logger, config)
	if err != nil {
		startupLogger.Fatal("Could not create presence notifier", zap.Error(err))
	}

	supervisor := server.NewStreamSupervisor(logger, metrics, config, runtime, parser, tracker)
	commands := server.NewCommandChannel(logger, metrics, config, runtime)
	hub := server.NewConsoleHub(logger, metrics, config, runtime, parser, supervisor, tracker, commands, notifier)
	auth := server.NewTokenAuthenticator(config)

	consoleServer, err := server.StartConsoleServer(logger, startupLogger, config, metrics, auth, hub)
	if err != nil {
		startupLogger.Fatal("Could not start console server", zap.Error(err))
	}

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	startupLogger.Info("Startup done")

	// Wait for a termination signal.
	<-c

	startupLogger.Info("Shutting down")

	consoleServer.Stop()
	commands.Close()
	// Stopping the tracker performs the final presence write.
	tracker.Stop()
	notifier.Stop()
	if err := runtime.Close(); err != nil {
		logger.Debug("Error closing container runtime client", zap.Error(err))
	}
	metrics.Stop(logger)

	startupLogger.Info("Shutdown complete")

	os.Exit(0)
}
