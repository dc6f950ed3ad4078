// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "MQTTLITE_"

// maxClientIDLength is the MQTT 3.1 client identifier limit.
const maxClientIDLength = 23

// Config holds all configuration for the mqttlite publisher.
type Config struct {
	Broker  BrokerConfig  `yaml:"broker" envPrefix:"BROKER_"`
	Session SessionConfig `yaml:"session" envPrefix:"SESSION_"`
	Publish PublishConfig `yaml:"publish" envPrefix:"PUBLISH_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
}

// BrokerConfig locates the broker and configures the transport.
type BrokerConfig struct {
	Hostname     string        `yaml:"hostname" env:"HOSTNAME"`
	IP           string        `yaml:"ip" env:"IP"` // Skips DNS when set
	Port         uint16        `yaml:"port" env:"PORT"`
	Transport    string        `yaml:"transport" env:"TRANSPORT"` // "tcp" or "ws"
	WSPath       string        `yaml:"ws_path" env:"WS_PATH"`
	SOCKS5Proxy  string        `yaml:"socks5_proxy" env:"SOCKS5_PROXY"`
	DNSServers   []string      `yaml:"dns_servers" env:"DNS_SERVERS"`
	BufferSize   int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
	ReplyTimeout time.Duration `yaml:"reply_timeout" env:"REPLY_TIMEOUT"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`

	TLS     TLSConfig     `yaml:"tls" envPrefix:"TLS_"`
	Breaker BreakerConfig `yaml:"breaker" envPrefix:"BREAKER_"`
}

// TLSConfig holds client TLS settings.
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled" env:"ENABLED"`
	CAFile             string `yaml:"ca_file" env:"CA_FILE"`
	CertFile           string `yaml:"cert_file" env:"CERT_FILE"` // Client certificate for mTLS
	KeyFile            string `yaml:"key_file" env:"KEY_FILE"`
	ServerName         string `yaml:"server_name" env:"SERVER_NAME"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// BreakerConfig configures failing fast against an unreachable broker.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	FailureThreshold uint32        `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// SessionConfig holds the MQTT session options.
type SessionConfig struct {
	ClientID         string     `yaml:"client_id" env:"CLIENT_ID"`
	GenerateClientID bool       `yaml:"generate_client_id" env:"GENERATE_CLIENT_ID"`
	ClientIDPrefix   string     `yaml:"client_id_prefix" env:"CLIENT_ID_PREFIX"`
	Username         string     `yaml:"username" env:"USERNAME"`
	Password         string     `yaml:"password" env:"PASSWORD"`
	KeepAlive        uint16     `yaml:"keep_alive" env:"KEEP_ALIVE"` // Seconds
	CleanSession     bool       `yaml:"clean_session" env:"CLEAN_SESSION"`
	Dup              bool       `yaml:"dup" env:"DUP"`
	Retain           bool       `yaml:"retain" env:"RETAIN"`
	QoS              byte       `yaml:"qos" env:"QOS"` // Default publish QoS, 0 or 1
	Will             WillConfig `yaml:"will" envPrefix:"WILL_"`
}

// WillConfig holds the last will. An empty topic means no will.
type WillConfig struct {
	Topic   string `yaml:"topic" env:"TOPIC"`
	Message string `yaml:"message" env:"MESSAGE"`
	QoS     byte   `yaml:"qos" env:"QOS"`
	Retain  bool   `yaml:"retain" env:"RETAIN"`
}

// PublishConfig describes what the publisher sends.
type PublishConfig struct {
	Topic    string        `yaml:"topic" env:"TOPIC"`
	Message  string        `yaml:"message" env:"MESSAGE"`
	Gzip     bool          `yaml:"gzip" env:"GZIP"`
	Count    int           `yaml:"count" env:"COUNT"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Rate     float64       `yaml:"rate" env:"RATE"` // Publishes per second, 0 disables limiting
	Burst    int           `yaml:"burst" env:"BURST"`

	// Per-topic limits, applied on top of Rate. Zero TopicRate disables them.
	TopicRate  float64 `yaml:"topic_rate" env:"TOPIC_RATE"`
	TopicBurst int     `yaml:"topic_burst" env:"TOPIC_BURST"`
}

// StorageConfig selects where the packet identifier is persisted.
type StorageConfig struct {
	Type      string `yaml:"type" env:"TYPE"` // "none", "memory" or "badger"
	BadgerDir string `yaml:"badger_dir" env:"BADGER_DIR"`
	// Reset deletes the persisted state before connecting, so packet
	// identifiers start again from zero.
	Reset bool `yaml:"reset" env:"RESET"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
	// Packets logs every packet sent and received at debug level.
	Packets bool `yaml:"packets" env:"PACKETS"`
}

// MetricsConfig holds OpenTelemetry export settings.
type MetricsConfig struct {
	Enabled         bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint        string  `yaml:"endpoint" env:"ENDPOINT"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name" env:"SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"SERVICE_VERSION"`
	Traces          bool    `yaml:"traces" env:"TRACES"`
	TraceSampleRate float64 `yaml:"trace_sample_rate" env:"TRACE_SAMPLE_RATE"` // 0.0 to 1.0
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Hostname:     "localhost",
			Port:         1883,
			Transport:    "tcp",
			WSPath:       "/mqtt",
			BufferSize:   4096,
			ReplyTimeout: 5000 * time.Millisecond,
			DialTimeout:  10 * time.Second,
			Breaker: BreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Session: SessionConfig{
			GenerateClientID: true,
			ClientIDPrefix:   "mqttlite-",
			KeepAlive:        60,
			CleanSession:     true,
		},
		Publish: PublishConfig{
			Count: 1,
			Burst: 1,
		},
		Storage: StorageConfig{
			Type: "none",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "mqttlite",
			ServiceVersion:  "dev",
			TraceSampleRate: 1.0,
		},
	}
}

// Load loads configuration from a YAML file, then applies MQTTLITE_*
// environment overrides. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.Session.ClientID = cfg.Session.clientID()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// clientID returns the configured client id, or a generated one when none
// is set and generation is enabled.
func (s SessionConfig) clientID() string {
	if s.ClientID != "" || !s.GenerateClientID {
		return s.ClientID
	}

	id := s.ClientIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > maxClientIDLength {
		id = id[:maxClientIDLength]
	}
	return id
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.Hostname == "" && c.Broker.IP == "" {
		return fmt.Errorf("broker.hostname or broker.ip is required")
	}
	if c.Broker.Port == 0 {
		return fmt.Errorf("broker.port cannot be 0")
	}
	if c.Broker.Transport != "tcp" && c.Broker.Transport != "ws" {
		return fmt.Errorf("broker.transport must be one of: tcp, ws")
	}
	if c.Broker.BufferSize < 0 {
		return fmt.Errorf("broker.buffer_size cannot be negative")
	}
	if c.Broker.ReplyTimeout < 0 || c.Broker.DialTimeout < 0 {
		return fmt.Errorf("broker timeouts cannot be negative")
	}
	if c.Broker.TLS.Enabled && (c.Broker.TLS.CertFile == "") != (c.Broker.TLS.KeyFile == "") {
		return fmt.Errorf("broker.tls.cert_file and broker.tls.key_file must be set together")
	}
	if c.Broker.Breaker.Enabled && c.Broker.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("broker.breaker.failure_threshold must be at least 1")
	}

	if c.Session.ClientID == "" {
		return fmt.Errorf("session.client_id is required unless session.generate_client_id is set")
	}
	if c.Session.QoS > 1 {
		return fmt.Errorf("session.qos must be 0 or 1")
	}
	if c.Session.Will.QoS > 2 {
		return fmt.Errorf("session.will.qos must be 0, 1 or 2")
	}
	if c.Session.Will.Topic != "" && c.Session.Will.Message == "" {
		return fmt.Errorf("session.will.message required when session.will.topic is set")
	}
	if c.Session.Password != "" && c.Session.Username == "" {
		return fmt.Errorf("session.username required when session.password is set")
	}

	if c.Publish.Topic == "" {
		return fmt.Errorf("publish.topic cannot be empty")
	}
	if c.Publish.Count < 1 {
		return fmt.Errorf("publish.count must be at least 1")
	}
	if c.Publish.Rate < 0 {
		return fmt.Errorf("publish.rate cannot be negative")
	}
	if c.Publish.Rate > 0 && c.Publish.Burst < 1 {
		return fmt.Errorf("publish.burst must be at least 1 when publish.rate is set")
	}
	if c.Publish.TopicRate < 0 {
		return fmt.Errorf("publish.topic_rate cannot be negative")
	}
	if c.Publish.TopicRate > 0 && c.Publish.TopicBurst < 1 {
		return fmt.Errorf("publish.topic_burst must be at least 1 when publish.topic_rate is set")
	}

	validStorage := map[string]bool{"none": true, "memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: none, memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Endpoint == "" {
			return fmt.Errorf("metrics.endpoint cannot be empty when metrics enabled")
		}
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty when metrics enabled")
		}
		if c.Metrics.TraceSampleRate < 0.0 || c.Metrics.TraceSampleRate > 1.0 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
