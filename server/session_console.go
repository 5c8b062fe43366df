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
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrSessionQueueFull = errors.New("session outgoing queue full")
	ErrRateLimited      = errors.New("rate limited")
)

type consoleSession struct {
	sync.Mutex
	logger   *zap.Logger
	config   Config
	metrics  Metrics
	id       uuid.UUID
	identity *Identity
	clientIP string

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	hub     *ConsoleHub
	limiter *rate.Limiter

	pingPeriodDuration time.Duration
	pongWaitDuration   time.Duration
	writeWaitDuration  time.Duration

	receivedMessageCounter int
	pingTimer              *time.Timer
	pingTimerCAS           *atomic.Uint32
	outgoingCh             chan []byte
	closeMu                sync.Mutex
	stopped                bool
	conn                   *websocket.Conn
}

func NewConsoleSession(logger *zap.Logger, config Config, metrics Metrics, sessionID uuid.UUID, identity *Identity, clientIP string, conn *websocket.Conn, hub *ConsoleHub) *consoleSession {
	sessionLogger := logger.With(zap.String("sid", sessionID.String()), zap.String("subscriber", identity.String()))
	sessionLogger.Info("New console session connected", zap.String("client_ip", clientIP))

	ctx, ctxCancelFn := context.WithCancel(context.Background())
	socketCfg := config.GetSocket()

	return &consoleSession{
		logger:   sessionLogger,
		config:   config,
		metrics:  metrics,
		id:       sessionID,
		identity: identity,
		clientIP: clientIP,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		hub:     hub,
		limiter: rate.NewLimiter(rate.Limit(socketCfg.CommandRatePerSec), socketCfg.CommandBurst),

		pingPeriodDuration: time.Duration(socketCfg.PingPeriodMs) * time.Millisecond,
		pongWaitDuration:   time.Duration(socketCfg.PongWaitMs) * time.Millisecond,
		writeWaitDuration:  time.Duration(socketCfg.WriteWaitMs) * time.Millisecond,

		receivedMessageCounter: socketCfg.PingBackoffThreshold,
		pingTimer:              time.NewTimer(time.Duration(socketCfg.PingPeriodMs) * time.Millisecond),
		pingTimerCAS:           atomic.NewUint32(1),
		outgoingCh:             make(chan []byte, socketCfg.OutgoingQueueSize),
		conn:                   conn,
	}
}

func (s *consoleSession) Logger() *zap.Logger {
	return s.logger
}

func (s *consoleSession) ID() uuid.UUID {
	return s.id
}

func (s *consoleSession) Identity() *Identity {
	return s.identity
}

func (s *consoleSession) Context() context.Context {
	return s.ctx
}

// SendDirect writes payloads straight to the connection, bypassing the outgoing queue. It is only used before Consume,
// for the backlog replay, so a large backlog cannot overflow the queue.
func (s *consoleSession) SendDirect(payloads [][]byte) error {
	s.Lock()
	defer s.Unlock()
	for _, payload := range payloads {
		if s.stopped {
			return net.ErrClosed
		}
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration)); err != nil {
			return err
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return err
		}
		s.metrics.MessageBytesSent(int64(len(payload)))
	}
	return nil
}

func (s *consoleSession) Consume() {
	s.conn.SetReadLimit(s.config.GetSocket().MaxMessageSizeBytes)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration)); err != nil {
		s.logger.Warn("Failed to set initial read deadline", zap.Error(err))
		go s.Close("failed to set initial read deadline", websocket.CloseInternalServerErr)
		return
	}
	s.conn.SetPongHandler(func(string) error {
		s.maybeResetPingTimer()
		return nil
	})

	// Start a routine to process outbound messages.
	go s.processOutgoing()

	var reason string
	code := websocket.CloseNormalClosure

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			// Ignore "normal" WebSocket errors.
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				// Ignore underlying connection being shut down while read is waiting for data.
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Debug("Error reading message from client", zap.Error(err))
					reason = err.Error()
				}
			}
			break
		}
		if messageType != websocket.TextMessage {
			s.logger.Debug("Received unexpected WebSocket message type", zap.Int("actual", messageType))
			reason = "received unexpected WebSocket message type"
			code = websocket.CloseUnsupportedData
			break
		}

		s.receivedMessageCounter--
		if s.receivedMessageCounter <= 0 {
			s.receivedMessageCounter = s.config.GetSocket().PingBackoffThreshold
			if !s.maybeResetPingTimer() {
				// Problems resetting the ping timer indicate an error so we need to close the loop.
				reason = "error updating ping timer"
				break
			}
		}

		request := &inboundMessage{}
		if err := json.Unmarshal(data, request); err != nil {
			// If the payload is malformed the client is incompatible or misbehaving, either way disconnect it now.
			s.logger.Warn("Received malformed payload", zap.Binary("data", data))
			reason = "received malformed payload"
			code = websocket.CloseUnsupportedData
			break
		}

		switch request.Type {
		case MessageTypePing:
			_ = s.SendBytes(pongPayload)
		case MessageTypeCommand:
			s.handleCommand(request.Payload)
		default:
			s.logger.Debug("Received unknown message type", zap.String("type", request.Type))
			if payload, err := marshalError("unknown message type: " + request.Type); err == nil {
				_ = s.SendBytes(payload)
			}
		}
	}

	s.Close(reason, code)
}

// handleCommand runs the command off the read loop. Only the requesting subscriber sees the response.
func (s *consoleSession) handleCommand(command string) {
	if !s.limiter.Allow() {
		payload, err := marshalCommandResult(&CommandResult{
			Command: strings.TrimSpace(command),
			Error:   ErrRateLimited.Error(),
		})
		if err == nil {
			_ = s.SendBytes(payload)
		}
		return
	}

	go func() {
		if payload := s.hub.ExecuteCommand(s.ctx, s, command); payload != nil {
			_ = s.SendBytes(payload)
		}
	}()
}

func (s *consoleSession) maybeResetPingTimer() bool {
	// If there's already a reset in progress there's no need to wait.
	if !s.pingTimerCAS.CompareAndSwap(1, 0) {
		return true
	}
	defer s.pingTimerCAS.CompareAndSwap(0, 1)

	s.Lock()
	if s.stopped {
		s.Unlock()
		return false
	}
	// CAS ensures concurrency is not a problem here.
	if !s.pingTimer.Stop() {
		select {
		case <-s.pingTimer.C:
		default:
		}
	}
	s.pingTimer.Reset(s.pingPeriodDuration)
	err := s.conn.SetReadDeadline(time.Now().Add(s.pongWaitDuration))
	s.Unlock()
	if err != nil {
		s.logger.Warn("Failed to set read deadline", zap.Error(err))
		s.Close("failed to set read deadline", websocket.CloseInternalServerErr)
		return false
	}
	return true
}

func (s *consoleSession) processOutgoing() {
	var reason string
OutgoingLoop:
	for {
		select {
		case <-s.ctx.Done():
			// Session is closing, close the outgoing process routine.
			break OutgoingLoop
		case <-s.pingTimer.C:
			// Periodically send pings.
			if msg, ok := s.pingNow(); !ok {
				// If ping fails the session will be stopped, clean up the loop.
				reason = msg
				break OutgoingLoop
			}
		case payload := <-s.outgoingCh:
			s.Lock()
			if s.stopped {
				// The connection may have stopped between the payload being queued on the outgoing channel and reaching here.
				s.Unlock()
				break OutgoingLoop
			}
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration)); err != nil {
				s.Unlock()
				s.logger.Warn("Failed to set write deadline", zap.Error(err))
				reason = err.Error()
				break OutgoingLoop
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.Unlock()
				s.logger.Warn("Could not write message", zap.Error(err))
				reason = err.Error()
				break OutgoingLoop
			}
			s.Unlock()

			s.metrics.MessageBytesSent(int64(len(payload)))
		}
	}
	s.Close(reason, websocket.CloseNormalClosure)
}

func (s *consoleSession) pingNow() (string, bool) {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return "", false
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWaitDuration)); err != nil {
		s.Unlock()
		s.logger.Warn("Could not set write deadline to ping", zap.Error(err))
		return err.Error(), false
	}
	err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
	s.Unlock()
	if err != nil {
		s.logger.Warn("Could not send ping", zap.Error(err))
		return err.Error(), false
	}

	return "", true
}

// SendBytes queues payload without blocking. A full queue means the subscriber cannot keep up, so it is disconnected.
func (s *consoleSession) SendBytes(payload []byte) error {
	select {
	case s.outgoingCh <- payload:
		return nil
	default:
		s.logger.Warn("Could not write message, session outgoing queue full")
		// Close in a goroutine as the method can block
		go s.Close(ErrSessionQueueFull.Error(), websocket.ClosePolicyViolation)
		return ErrSessionQueueFull
	}
}

func (s *consoleSession) Close(msg string, code int) {
	s.closeMu.Lock()
	// Cancel any ongoing operations tied to this session.
	s.ctxCancelFn()
	s.closeMu.Unlock()

	s.Lock()
	if s.stopped {
		s.Unlock()
		return
	}
	s.stopped = true
	s.Unlock()

	s.hub.Unregister(s.id)

	// Clean up internals.
	s.pingTimer.Stop()

	// Send close message.
	if err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateCloseReason(msg)), time.Now().Add(s.writeWaitDuration)); err != nil {
		// This may not be possible if the socket was already fully closed by an error.
		s.logger.Debug("Could not send close message", zap.Error(err))
	}
	// Close WebSocket.
	if err := s.conn.Close(); err != nil {
		s.logger.Debug("Could not close", zap.Error(err))
	}

	s.logger.Info("Closed client connection", zap.String("reason", msg))
}

// Close frame payloads are limited to 125 bytes, two of which hold the code.
func truncateCloseReason(msg string) string {
	const maxReason = 123
	if len(msg) <= maxReason {
		return msg
	}
	return msg[:maxReason]
}
