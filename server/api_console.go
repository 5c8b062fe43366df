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
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	logger     *zap.Logger
	config     Config
	hub        *ConsoleHub
	httpServer *http.Server
}

// NewConsoleRouter builds the HTTP surface: the subscriber socket and a healthcheck.
func NewConsoleRouter(logger *zap.Logger, config Config, metrics Metrics, auth Authenticator, hub *ConsoleHub) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(config.GetSocket().Path, NewConsoleSocketAcceptor(logger, config, metrics, auth, hub)).Methods(http.MethodGet)
	router.HandleFunc("/healthcheck", hub.HealthcheckHandler).Methods(http.MethodGet)

	var handler http.Handler = router
	handler = handlers.ProxyHeaders(handler)
	handler = handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(logger)), handlers.PrintRecoveryStack(true))(handler)
	return handler
}

func StartConsoleServer(logger, startupLogger *zap.Logger, config Config, metrics Metrics, auth Authenticator, hub *ConsoleHub) (*ConsoleServer, error) {
	addr := net.JoinHostPort(config.GetSocket().Address, fmt.Sprintf("%d", config.GetSocket().Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("console listener %s: %w", addr, err)
	}

	s := &ConsoleServer{
		logger: logger,
		config: config,
		hub:    hub,
		httpServer: &http.Server{
			ReadHeaderTimeout: 10 * time.Second,
			Handler:           NewConsoleRouter(logger, config, metrics, auth, hub),
			ErrorLog:          zap.NewStdLog(logger),
		},
	}

	startupLogger.Info("Starting console server for socket requests", zap.String("address", listener.Addr().String()), zap.String("path", config.GetSocket().Path))
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			startupLogger.Fatal("Console server listener failed", zap.Error(err))
		}
	}()

	return s, nil
}

// Stop refuses new connections, disconnects subscribers and waits up to the configured grace period for handlers to
// return.
func (s *ConsoleServer) Stop() {
	grace := time.Duration(s.config.GetSocket().ShutdownGraceSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown, so close them through the hub.
	s.hub.Close()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("Console server shutdown incomplete", zap.Error(err))
	}
}
