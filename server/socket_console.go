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
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close codes sent when the handshake token is rejected.
const (
	CloseMissingToken = 4001
	CloseInvalidToken = 4003
)

func NewConsoleSocketAcceptor(logger *zap.Logger, config Config, metrics Metrics, auth Authenticator, hub *ConsoleHub) func(http.ResponseWriter, *http.Request) {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  config.GetSocket().ReadBufferSizeBytes,
		WriteBufferSize: config.GetSocket().WriteBufferSizeBytes,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	writeWait := time.Duration(config.GetSocket().WriteWaitMs) * time.Millisecond

	return func(w http.ResponseWriter, r *http.Request) {
		token := tokenFromRequest(r)

		// Upgrade first so browsers can see why they were rejected.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// http.Error is invoked automatically from within the Upgrade function.
			logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
			return
		}

		if token == "" {
			metrics.CountAuthFailure("missing_token")
			rejectConnection(logger, conn, CloseMissingToken, "missing token", writeWait)
			return
		}
		identity, ok := auth.Verify(token)
		if !ok {
			metrics.CountAuthFailure("invalid_token")
			rejectConnection(logger, conn, CloseInvalidToken, "invalid token", writeWait)
			return
		}

		clientIP := clientIPFromRequest(r)
		sessionID := uuid.Must(uuid.NewV4())

		// Mark the start of the session.
		metrics.CountWebsocketOpened(1)

		session := NewConsoleSession(logger, config, metrics, sessionID, identity, clientIP, conn, hub)

		// Replay recent history before going live. A failed fetch still admits the subscriber.
		ctx, cancel := context.WithTimeout(session.Context(), backlogFetchTimeout)
		backlog, err := hub.Backlog(ctx)
		cancel()
		if err != nil {
			session.Logger().Warn("Could not fetch backlog", zap.Error(err))
		} else if err := session.SendDirect(backlog); err != nil {
			session.Logger().Debug("Could not send backlog", zap.Error(err))
			session.Close("could not send backlog", websocket.CloseInternalServerErr)
			metrics.CountWebsocketClosed(1)
			return
		}

		if !hub.Register(session) {
			session.Close("server shutting down", websocket.CloseGoingAway)
			metrics.CountWebsocketClosed(1)
			return
		}

		// Allow the server to begin processing incoming messages from this session.
		session.Consume()

		// Mark the end of the session.
		metrics.CountWebsocketClosed(1)
	}
}

// tokenFromRequest reads a bearer token from the Authorization header, or the token query parameter. Other
// Authorization schemes are ignored.
func tokenFromRequest(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		if token := strings.TrimSpace(auth[len(prefix):]); token != "" {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

func rejectConnection(logger *zap.Logger, conn *websocket.Conn, code int, reason string, writeWait time.Duration) {
	logger.Debug("Rejected console connection", zap.Int("code", code), zap.String("reason", reason), zap.String("remote", conn.RemoteAddr().String()))
	if err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait)); err != nil {
		logger.Debug("Could not send close message", zap.Error(err))
	}
	_ = conn.Close()
}

func clientIPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
