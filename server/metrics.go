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

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
)

type Metrics interface {
	Stop(logger *zap.Logger)

	CountWebsocketOpened(delta int64)
	CountWebsocketClosed(delta int64)
	CountAuthFailure(reason string)
	GaugeSubscribers(value float64)
	CountSubscriberDropped(delta int64)
	MessageBytesSent(sentBytes int64)

	CountLinesBroadcast(delta int64)
	CountUpstreamRestart(delta int64)
	CountUpstreamError(delta int64)

	CountPresenceEvent(event string)
	GaugePlayersOnline(value float64)
	PresencePersist(elapsed time.Duration, failed bool)

	Command(path string, success bool, elapsed time.Duration)
}

var _ Metrics = (*LocalMetrics)(nil)

type LocalMetrics struct {
	logger *zap.Logger
	config Config

	registry *prom.Registry
	scope    tally.Scope
	closer   io.Closer

	httpServer *http.Server
}

func NewLocalMetrics(logger, startupLogger *zap.Logger, config Config) *LocalMetrics {
	m := &LocalMetrics{
		logger:   logger,
		config:   config,
		registry: prom.NewRegistry(),
	}

	reporter := prometheus.NewReporter(prometheus.Options{
		Registerer: m.registry,
		OnRegisterError: func(err error) {
			logger.Error("Error registering Prometheus metric", zap.Error(err))
		},
	})

	tags := map[string]string{"node_name": config.GetName()}
	if namespace := config.GetMetrics().Namespace; namespace != "" {
		tags["namespace"] = namespace
	}
	m.scope, m.closer = tally.NewRootScope(tally.ScopeOptions{
		Prefix:          config.GetMetrics().Prefix,
		Tags:            tags,
		CachedReporter:  reporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

	if port := config.GetMetrics().PrometheusPort; port > 0 {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
		m.httpServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Handler:      handlers.CompressHandler(router),
		}

		startupLogger.Info("Starting Prometheus server for metrics requests", zap.Int("port", port))
		go func() {
			if err := m.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				startupLogger.Fatal("Prometheus listener failed", zap.Error(err))
			}
		}()
	}

	return m
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if m.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.httpServer.Shutdown(ctx); err != nil {
			logger.Error("Prometheus listener shutdown failed", zap.Error(err))
		}
	}
	if err := m.closer.Close(); err != nil {
		logger.Error("Error stopping metrics scope", zap.Error(err))
	}
}

// Registry exposes the Prometheus registry backing the tally reporter.
func (m *LocalMetrics) Registry() *prom.Registry {
	return m.registry
}

func (m *LocalMetrics) CountWebsocketOpened(delta int64) {
	m.scope.Counter("socket_ws_opened").Inc(delta)
}

func (m *LocalMetrics) CountWebsocketClosed(delta int64) {
	m.scope.Counter("socket_ws_closed").Inc(delta)
}

func (m *LocalMetrics) CountAuthFailure(reason string) {
	m.scope.Tagged(map[string]string{"reason": reason}).Counter("socket_auth_failures").Inc(1)
}

func (m *LocalMetrics) GaugeSubscribers(value float64) {
	m.scope.Gauge("subscribers").Update(value)
}

func (m *LocalMetrics) CountSubscriberDropped(delta int64) {
	m.scope.Counter("subscribers_dropped").Inc(delta)
}

func (m *LocalMetrics) MessageBytesSent(sentBytes int64) {
	m.scope.Counter("socket_sent_bytes").Inc(sentBytes)
	m.scope.Counter("socket_sent_messages").Inc(1)
}

func (m *LocalMetrics) CountLinesBroadcast(delta int64) {
	m.scope.Counter("log_lines_broadcast").Inc(delta)
}

func (m *LocalMetrics) CountUpstreamRestart(delta int64) {
	m.scope.Counter("upstream_restarts").Inc(delta)
}

func (m *LocalMetrics) CountUpstreamError(delta int64) {
	m.scope.Counter("upstream_errors").Inc(delta)
}

func (m *LocalMetrics) CountPresenceEvent(event string) {
	m.scope.Tagged(map[string]string{"event": event}).Counter("presence_events").Inc(1)
}

func (m *LocalMetrics) GaugePlayersOnline(value float64) {
	m.scope.Gauge("players_online").Update(value)
}

func (m *LocalMetrics) PresencePersist(elapsed time.Duration, failed bool) {
	if failed {
		m.scope.Counter("presence_persist_failures").Inc(1)
		return
	}
	m.scope.Timer("presence_persist_latency").Record(elapsed)
}

func (m *LocalMetrics) Command(path string, success bool, elapsed time.Duration) {
	result := "ok"
	if !success {
		result = "failed"
	}
	scope := m.scope.Tagged(map[string]string{"path": path, "result": result})
	scope.Counter("commands").Inc(1)
	scope.Timer("command_latency").Record(elapsed)
}
