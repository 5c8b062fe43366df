package server

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func loggerForTest(t *testing.T) *zap.Logger {
	return NewJSONLogger(os.Stdout, zapcore.ErrorLevel, JSONFormat)
}

func configForTest(t *testing.T) *config {
	cfg := NewConfig(zap.NewNop())
	cfg.DataDir = t.TempDir()
	cfg.Presence.StorePath = filepath.Join(cfg.DataDir, "presence.json")
	cfg.Session.EncryptionKey = "test-encryption-key"
	cfg.Socket.PingPeriodMs = 200
	cfg.Socket.PongWaitMs = 1000
	cfg.Socket.WriteWaitMs = 1000
	cfg.Container.RestartDelayMs = 50
	cfg.Container.FallbackWaitMs = 20
	return cfg
}

func metricsForTest(t *testing.T, cfg Config) *LocalMetrics {
	logger := loggerForTest(t)
	m := NewLocalMetrics(logger, logger, cfg)
	t.Cleanup(func() { m.Stop(logger) })
	return m
}
