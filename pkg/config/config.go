// Package config loads meshkvd's configuration from a YAML file with
// environment-variable overrides, layering env-var overrides over the
// base file, which is parsed with gopkg.in/yaml.v3.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	kverrors "github.com/meshkv/core/pkg/errors"
)

const (
	EnvPrefix     = "MESHKV_"
	PathDelimiter = "__"
)

// Config is the full set of options meshkvd accepts.
type Config struct {
	MQTTHost  string `yaml:"mqtt_host"`
	MQTTPort  int    `yaml:"mqtt_port"`
	UseTLS    bool   `yaml:"mqtt_use_tls"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	ClientID  string `yaml:"client_id"`
	NodeID    string `yaml:"node_id"`
	TopicRoot string `yaml:"topic_prefix"`

	KeepAliveSeconds          int `yaml:"keep_alive_seconds"`
	ConnectionTimeoutSeconds  int `yaml:"connection_timeout_seconds"`
	AntiEntropyIntervalMS     int64 `yaml:"anti_entropy_interval_ms"`
	TombstoneRetentionMS      int64 `yaml:"tombstone_retention_ms"`

	PersistenceEnabled bool   `yaml:"persistence_enabled"`
	StoragePath        string `yaml:"storage_path"`
	StorageDriver      string `yaml:"storage_driver"` // "sqlite3" or "postgres"

	ReplicationCanPublishEvents   bool `yaml:"replication_can_publish_events"`
	ReplicationCanSubscribeEvents bool `yaml:"replication_can_subscribe_events"`

	IdempotencyTTLMS     int64 `yaml:"idempotency_ttl_ms"`
	PublishQueueCapacity int   `yaml:"publish_queue_capacity"`
	CommandTimeoutMS     int64 `yaml:"command_timeout_ms"`

	AdminListenAddr string `yaml:"admin_listen_addr"`
}

// Defaults returns the documented defaults before file/env
// layering is applied.
func Defaults() Config {
	return Config{
		MQTTPort:                      1883,
		KeepAliveSeconds:              30,
		ConnectionTimeoutSeconds:      10,
		AntiEntropyIntervalMS:         60000,
		TombstoneRetentionMS:          86400000,
		PersistenceEnabled:            false,
		StoragePath:                   os.TempDir(),
		StorageDriver:                 "sqlite3",
		ReplicationCanPublishEvents:   false,
		ReplicationCanSubscribeEvents: true,
		IdempotencyTTLMS:              300000,
		PublishQueueCapacity:          4096,
		CommandTimeoutMS:              5000,
		AdminListenAddr:               "127.0.0.1:9090",
	}
}

// Load reads path (if non-empty and present) over Defaults(), then
// applies MESHKV_* environment overrides, then validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, kverrors.Wrap(kverrors.InvalidRequest, "reading config file", err)
			}
		} else {
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, kverrors.Wrap(kverrors.InvalidRequest, "parsing config yaml", err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides scans os.Environ for MESHKV_<FIELD> keys and
// applies them onto the matching struct field by yaml tag name,
// uppercased. Nested paths aren't needed since Config is flat.
func applyEnvOverrides(cfg *Config) {
	fields := map[string]func(string){
		"MQTT_HOST":                        func(v string) { cfg.MQTTHost = v },
		"MQTT_PORT":                        func(v string) { cfg.MQTTPort = atoiOr(v, cfg.MQTTPort) },
		"MQTT_USE_TLS":                     func(v string) { cfg.UseTLS = boolOr(v, cfg.UseTLS) },
		"USERNAME":                         func(v string) { cfg.Username = v },
		"PASSWORD":                         func(v string) { cfg.Password = v },
		"CLIENT_ID":                        func(v string) { cfg.ClientID = v },
		"NODE_ID":                          func(v string) { cfg.NodeID = v },
		"TOPIC_PREFIX":                     func(v string) { cfg.TopicRoot = v },
		"KEEP_ALIVE_SECONDS":               func(v string) { cfg.KeepAliveSeconds = atoiOr(v, cfg.KeepAliveSeconds) },
		"CONNECTION_TIMEOUT_SECONDS":       func(v string) { cfg.ConnectionTimeoutSeconds = atoiOr(v, cfg.ConnectionTimeoutSeconds) },
		"ANTI_ENTROPY_INTERVAL_MS":         func(v string) { cfg.AntiEntropyIntervalMS = atoi64Or(v, cfg.AntiEntropyIntervalMS) },
		"TOMBSTONE_RETENTION_MS":           func(v string) { cfg.TombstoneRetentionMS = atoi64Or(v, cfg.TombstoneRetentionMS) },
		"PERSISTENCE_ENABLED":              func(v string) { cfg.PersistenceEnabled = boolOr(v, cfg.PersistenceEnabled) },
		"STORAGE_PATH":                     func(v string) { cfg.StoragePath = v },
		"STORAGE_DRIVER":                   func(v string) { cfg.StorageDriver = v },
		"REPLICATION_CAN_PUBLISH_EVENTS":   func(v string) { cfg.ReplicationCanPublishEvents = boolOr(v, cfg.ReplicationCanPublishEvents) },
		"REPLICATION_CAN_SUBSCRIBE_EVENTS": func(v string) { cfg.ReplicationCanSubscribeEvents = boolOr(v, cfg.ReplicationCanSubscribeEvents) },
		"IDEMPOTENCY_TTL_MS":               func(v string) { cfg.IdempotencyTTLMS = atoi64Or(v, cfg.IdempotencyTTLMS) },
		"PUBLISH_QUEUE_CAPACITY":           func(v string) { cfg.PublishQueueCapacity = atoiOr(v, cfg.PublishQueueCapacity) },
		"COMMAND_TIMEOUT_MS":               func(v string) { cfg.CommandTimeoutMS = atoi64Or(v, cfg.CommandTimeoutMS) },
		"ADMIN_LISTEN_ADDR":                func(v string) { cfg.AdminListenAddr = v },
	}
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], EnvPrefix) {
			continue
		}
		key := strings.TrimPrefix(parts[0], EnvPrefix)
		key = strings.ReplaceAll(key, PathDelimiter, "_")
		if setter, ok := fields[key]; ok {
			setter(parts[1])
		}
	}
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return n
}

func atoi64Or(s string, def int64) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return def
	}
	return n
}

func boolOr(s string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return b
}

// Validate rejects known boundary violations: empty
// client_id, node_id over 128 chars, a topic_prefix containing
// wildcard characters, and credentials without TLS.
func (c Config) Validate() error {
	if strings.TrimSpace(c.MQTTHost) == "" {
		return kverrors.New(kverrors.InvalidRequest, "mqtt_host is required")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return kverrors.New(kverrors.InvalidRequest, "client_id is required")
	}
	if strings.TrimSpace(c.NodeID) == "" {
		return kverrors.New(kverrors.InvalidRequest, "node_id is required")
	}
	if len([]rune(c.NodeID)) > 128 {
		return kverrors.New(kverrors.InvalidRequest, "node_id must not exceed 128 characters")
	}
	if strings.TrimSpace(c.TopicRoot) == "" {
		return kverrors.New(kverrors.InvalidRequest, "topic_prefix is required")
	}
	if strings.ContainsAny(c.TopicRoot, "+#") {
		return kverrors.New(kverrors.InvalidRequest, "topic_prefix must not contain MQTT wildcards")
	}
	if c.KeepAliveSeconds < 30 || c.KeepAliveSeconds > 600 {
		return kverrors.New(kverrors.InvalidRequest, "keep_alive_seconds must be between 30 and 600")
	}
	if c.ConnectionTimeoutSeconds < 1 {
		return kverrors.New(kverrors.InvalidRequest, "connection_timeout_seconds must be at least 1")
	}
	if (c.Username != "" || c.Password != "") && !c.UseTLS {
		return kverrors.New(kverrors.InvalidRequest, "credentials require mqtt_use_tls")
	}
	if c.MQTTPort <= 0 {
		return kverrors.New(kverrors.InvalidRequest, "mqtt_port must be positive")
	}
	return nil
}

// KeepAlive returns the configured keep-alive interval as a duration.
func (c Config) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// ConnectionTimeout returns the configured connect timeout as a duration.
func (c Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSeconds) * time.Second
}

// AntiEntropyInterval returns the anti-entropy loop period as a duration.
func (c Config) AntiEntropyInterval() time.Duration {
	return time.Duration(c.AntiEntropyIntervalMS) * time.Millisecond
}

// TombstoneRetention returns the tombstone GC retention window.
func (c Config) TombstoneRetention() time.Duration {
	return time.Duration(c.TombstoneRetentionMS) * time.Millisecond
}

// IdempotencyTTL returns the idempotency cache entry lifetime.
func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLMS) * time.Millisecond
}

// CommandTimeout returns the per-command deadline.
func (c Config) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutMS) * time.Millisecond
}
