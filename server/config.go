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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config interface is the console process configuration.
type Config interface {
	GetName() string
	GetDataDir() string
	GetConfigFile() string
	GetLogger() *LoggerConfig
	GetSocket() *SocketConfig
	GetSession() *SessionConfig
	GetContainer() *ContainerConfig
	GetPresence() *PresenceConfig
	GetMetrics() *MetricsConfig
	GetDiscord() *DiscordConfig
}

type config struct {
	Name      string           `yaml:"name" validate:"required"`
	DataDir   string           `yaml:"data_dir" validate:"required"`
	Config    string           `yaml:"-"`
	Logger    *LoggerConfig    `yaml:"logger" validate:"required"`
	Socket    *SocketConfig    `yaml:"socket" validate:"required"`
	Session   *SessionConfig   `yaml:"session" validate:"required"`
	Container *ContainerConfig `yaml:"container" validate:"required"`
	Presence  *PresenceConfig  `yaml:"presence" validate:"required"`
	Metrics   *MetricsConfig   `yaml:"metrics" validate:"required"`
	Discord   *DiscordConfig   `yaml:"discord" validate:"required"`
}

// NewConfig constructs a Config struct which represents server settings, and populates it with default values.
func NewConfig(logger *zap.Logger) *config {
	cwd, err := os.Getwd()
	if err != nil {
		logger.Fatal("Error getting current working directory.", zap.Error(err))
	}
	return &config{
		Name:      "console",
		DataDir:   filepath.Join(cwd, "data"),
		Logger:    NewLoggerConfig(),
		Socket:    NewSocketConfig(),
		Session:   NewSessionConfig(),
		Container: NewContainerConfig(),
		Presence:  NewPresenceConfig(),
		Metrics:   NewMetricsConfig(),
		Discord:   NewDiscordConfig(),
	}
}

func (c *config) GetName() string { return c.Name }
func (c *config) GetDataDir() string { return c.DataDir }
func (c *config) GetConfigFile() string { return c.Config }
func (c *config) GetLogger() *LoggerConfig { return c.Logger }
func (c *config) GetSocket() *SocketConfig { return c.Socket }
func (c *config) GetSession() *SessionConfig { return c.Session }
func (c *config) GetContainer() *ContainerConfig { return c.Container }
func (c *config) GetPresence() *PresenceConfig { return c.Presence }
func (c *config) GetMetrics() *MetricsConfig { return c.Metrics }
func (c *config) GetDiscord() *DiscordConfig { return c.Discord }

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn error"`
	Stdout     bool   `yaml:"stdout"`
	File       string `yaml:"file"`
	Rotation   bool   `yaml:"rotation"`
	MaxSize    int    `yaml:"max_size" validate:"gte=0"`
	MaxAge     int    `yaml:"max_age" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	LocalTime  bool   `yaml:"local_time"`
	Compress   bool   `yaml:"compress"`
	Format     string `yaml:"format" validate:"oneof=json stackdriver"`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      "info",
		Stdout:     true,
		File:       "",
		Rotation:   false,
		MaxSize:    100,
		MaxAge:     0,
		MaxBackups: 0,
		LocalTime:  false,
		Compress:   false,
		Format:     "json",
	}
}

// SocketConfig is configuration relevant to the subscriber socket.
type SocketConfig struct {
	Address              string  `yaml:"address"`
	Port                 int     `yaml:"port" validate:"gte=1,lte=65535"`
	Path                 string  `yaml:"path" validate:"startswith=/"`
	MaxMessageSizeBytes  int64   `yaml:"max_message_size_bytes" validate:"gt=0"`
	ReadBufferSizeBytes  int     `yaml:"read_buffer_size_bytes" validate:"gt=0"`
	WriteBufferSizeBytes int     `yaml:"write_buffer_size_bytes" validate:"gt=0"`
	PingPeriodMs         int     `yaml:"ping_period_ms" validate:"gt=0,ltfield=PongWaitMs"`
	PongWaitMs           int     `yaml:"pong_wait_ms" validate:"gt=0"`
	WriteWaitMs          int     `yaml:"write_wait_ms" validate:"gt=0"`
	PingBackoffThreshold int     `yaml:"ping_backoff_threshold" validate:"gt=0"`
	OutgoingQueueSize    int     `yaml:"outgoing_queue_size" validate:"gt=0"`
	BacklogLines         int     `yaml:"backlog_lines" validate:"gte=0"`
	MaxLineLength        int     `yaml:"max_line_length" validate:"gte=0"`
	CommandRatePerSec    float64 `yaml:"command_rate_per_sec" validate:"gt=0"`
	CommandBurst         int     `yaml:"command_burst" validate:"gt=0"`
	ShutdownGraceSec     int     `yaml:"shutdown_grace_sec" validate:"gte=0"`
}

func NewSocketConfig() *SocketConfig {
	return &SocketConfig{
		Address:              "",
		Port:                 7350,
		Path:                 "/ws",
		MaxMessageSizeBytes:  4096,
		ReadBufferSizeBytes:  4096,
		WriteBufferSizeBytes: 4096,
		PingPeriodMs:         15000,
		PongWaitMs:           25000,
		WriteWaitMs:          5000,
		PingBackoffThreshold: 20,
		OutgoingQueueSize:    64,
		BacklogLines:         200,
		MaxLineLength:        8192,
		CommandRatePerSec:    5,
		CommandBurst:         10,
		ShutdownGraceSec:     5,
	}
}

// SessionConfig is configuration relevant to subscriber authentication.
type SessionConfig struct {
	EncryptionKey string   `yaml:"encryption_key"`
	ServerKeys    []string `yaml:"server_keys"`
}

func NewSessionConfig() *SessionConfig {
	return &SessionConfig{
		EncryptionKey: "defaultencryptionkey",
		ServerKeys:    []string{},
	}
}

// ContainerConfig is configuration relevant to the managed container and the upstream pipeline.
type ContainerConfig struct {
	Host             string `yaml:"host"`
	Name             string `yaml:"name" validate:"required"`
	ReplayLines      int    `yaml:"replay_lines" validate:"gte=0"`
	RestartDelayMs   int    `yaml:"restart_delay_ms" validate:"gt=0"`
	FallbackWaitMs   int    `yaml:"fallback_wait_ms" validate:"gt=0"`
	FallbackPipePath string `yaml:"fallback_pipe_path"`
	FallbackStdinFd  string `yaml:"fallback_stdin_fd"`
	MaxFrameBytes    int    `yaml:"max_frame_bytes" validate:"gt=0"`
	MaxBacklogBytes  int64  `yaml:"max_backlog_bytes" validate:"gt=0"`
}

func NewContainerConfig() *ContainerConfig {
	return &ContainerConfig{
		Host:             "",
		Name:             "game-server",
		ReplayLines:      500,
		RestartDelayMs:   3000,
		FallbackWaitMs:   1000,
		FallbackPipePath: "/tmp/console.pipe",
		FallbackStdinFd:  "/proc/1/fd/0",
		MaxFrameBytes:    1 << 20,
		MaxBacklogBytes:  8 << 20,
	}
}

// PresenceConfig is configuration relevant to player presence tracking.
type PresenceConfig struct {
	StorePath   string `yaml:"store_path"`
	LogTimezone string `yaml:"log_timezone"`
	MinNameLen  int    `yaml:"min_name_length" validate:"gte=1"`
	IPInfoToken string `yaml:"ipinfo_token"`
}

func NewPresenceConfig() *PresenceConfig {
	return &PresenceConfig{
		StorePath:   "",
		LogTimezone: "UTC",
		MinNameLen:  3,
		IPInfoToken: "",
	}
}

// MetricsConfig is configuration relevant to metrics capturing and output.
type MetricsConfig struct {
	ReportingFreqSec int    `yaml:"reporting_freq_sec" validate:"gt=0"`
	Namespace        string `yaml:"namespace"`
	PrometheusPort   int    `yaml:"prometheus_port" validate:"gte=0,lte=65535"`
	Prefix           string `yaml:"prefix"`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ReportingFreqSec: 60,
		Namespace:        "",
		PrometheusPort:   0,
		Prefix:           "console",
	}
}

// DiscordConfig is configuration for the optional presence notifier.
type DiscordConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	QueueSize  int    `yaml:"queue_size" validate:"gt=0"`
}

func NewDiscordConfig() *DiscordConfig {
	return &DiscordConfig{
		WebhookURL: "",
		QueueSize:  32,
	}
}

// ParseArgs loads configuration from an optional .env file, an optional YAML file and command line flags, in that order.
func ParseArgs(logger *zap.Logger, args []string) Config {
	mainConfig := NewConfig(logger)

	fs := pflag.NewFlagSet("console", pflag.ContinueOnError)
	configFile := fs.String("config", "", "The absolute file path to the configuration YAML file.")
	envFile := fs.String("env-file", ".env", "Optional dotenv file loaded before configuration is read.")
	fs.StringVar(&mainConfig.Name, "name", mainConfig.Name, "Name of this console instance.")
	fs.StringVar(&mainConfig.DataDir, "data-dir", mainConfig.DataDir, "Directory for the presence store and log files.")
	fs.StringVar(&mainConfig.Logger.Level, "logger.level", mainConfig.Logger.Level, "Log level: debug, info, warn, error.")
	fs.StringVar(&mainConfig.Logger.File, "logger.file", mainConfig.Logger.File, "Log output to a file, relative to data dir when not absolute.")
	fs.IntVar(&mainConfig.Socket.Port, "socket.port", mainConfig.Socket.Port, "The port for accepting subscriber connections.")
	fs.StringVar(&mainConfig.Session.EncryptionKey, "session.encryption_key", mainConfig.Session.EncryptionKey, "HMAC key used to verify subscriber tokens.")
	fs.StringVar(&mainConfig.Container.Name, "container.name", mainConfig.Container.Name, "Name or ID of the managed game server container.")
	fs.StringVar(&mainConfig.Container.Host, "container.host", mainConfig.Container.Host, "Container runtime endpoint, defaults to the environment.")
	fs.StringVar(&mainConfig.Presence.StorePath, "presence.store_path", mainConfig.Presence.StorePath, "Path of the presence JSON document.")
	fs.IntVar(&mainConfig.Metrics.PrometheusPort, "metrics.prometheus_port", mainConfig.Metrics.PrometheusPort, "Port to expose Prometheus metrics, 0 disables.")

	if err := fs.Parse(args); err != nil {
		logger.Fatal("Could not parse command line arguments", zap.Error(err))
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("Could not load env file", zap.String("path", *envFile), zap.Error(err))
		}
	}

	if *configFile != "" {
		if err := loadConfigFile(*configFile, mainConfig); err != nil {
			logger.Fatal("Could not read config file", zap.String("path", *configFile), zap.Error(err))
		}
		mainConfig.Config = *configFile
		// Flags take precedence over the file, so parse them a second time.
		if err := fs.Parse(args); err != nil {
			logger.Fatal("Could not parse command line arguments", zap.Error(err))
		}
	}

	applyEnvOverrides(mainConfig)

	if mainConfig.Presence.StorePath == "" {
		mainConfig.Presence.StorePath = filepath.Join(mainConfig.DataDir, "presence.json")
	}
	if mainConfig.Logger.File != "" && !filepath.IsAbs(mainConfig.Logger.File) {
		mainConfig.Logger.File = filepath.Join(mainConfig.DataDir, mainConfig.Logger.File)
	}

	return mainConfig
}

func loadConfigFile(path string, c *config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("could not decode %s: %w", path, err)
	}
	return nil
}

// Secrets are commonly injected through the environment rather than the config file.
func applyEnvOverrides(c *config) {
	if v := os.Getenv("CONSOLE_ENCRYPTION_KEY"); v != "" {
		c.Session.EncryptionKey = v
	}
	if v := os.Getenv("CONSOLE_SERVER_KEYS"); v != "" {
		c.Session.ServerKeys = strings.Split(v, ",")
	}
	if v := os.Getenv("CONSOLE_IPINFO_TOKEN"); v != "" {
		c.Presence.IPInfoToken = v
	}
	if v := os.Getenv("CONSOLE_DISCORD_WEBHOOK_URL"); v != "" {
		c.Discord.WebhookURL = v
	}
}

// CheckConfig validates the configuration and returns a map of invalid fields to the reason they failed.
func CheckConfig(logger *zap.Logger, c Config) map[string]string {
	problems := make(map[string]string)

	cfg, ok := c.(*config)
	if !ok {
		problems["config"] = "unsupported config implementation"
		return problems
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			for _, fe := range validationErrors {
				problems[fe.Namespace()] = fmt.Sprintf("failed '%s' check with value %v", fe.Tag(), fe.Value())
			}
		} else {
			problems["config"] = err.Error()
		}
	}

	if _, err := time.LoadLocation(cfg.Presence.LogTimezone); err != nil {
		problems["config.Presence.LogTimezone"] = err.Error()
	}
	if cfg.Session.EncryptionKey == "defaultencryptionkey" {
		logger.Warn("WARNING: insecure default parameter value, change this for production!", zap.String("param", "session.encryption_key"))
	}
	if cfg.Session.EncryptionKey == "" && len(cfg.Session.ServerKeys) == 0 {
		problems["config.Session"] = "either encryption_key or server_keys must be set"
	}

	return problems
}
