package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "meshkv.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func baseValidYAML() string {
	return "" +
		"mqtt_host: broker.local\n" +
		"client_id: node-1-client\n" +
		"node_id: node-1\n" +
		"topic_prefix: meshkv/prod\n"
}

func TestLoad_AppliesDefaultsAndValidates(t *testing.T) {
	path := writeTempConfig(t, baseValidYAML())
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTTPort != 1883 {
		t.Fatalf("expected default mqtt_port 1883, got %d", cfg.MQTTPort)
	}
	if cfg.AntiEntropyIntervalMS != 60000 {
		t.Fatalf("expected default anti_entropy_interval_ms 60000, got %d", cfg.AntiEntropyIntervalMS)
	}
	if !cfg.ReplicationCanSubscribeEvents {
		t.Fatalf("expected replication_can_subscribe_events default true")
	}
}

func TestLoad_MissingFileUsesDefaultsButStillValidates(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatalf("expected validation error when required fields are absent")
	}
}

func TestLoad_EnvOverridesFileValue(t *testing.T) {
	path := writeTempConfig(t, baseValidYAML()+"mqtt_port: 1883\n")
	t.Setenv("MESHKV_MQTT_PORT", "8883")
	t.Setenv("MESHKV_MQTT_USE_TLS", "true")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTTPort != 8883 {
		t.Fatalf("expected env override to win, got port %d", cfg.MQTTPort)
	}
	if !cfg.UseTLS {
		t.Fatalf("expected mqtt_use_tls overridden to true")
	}
}

func TestValidate_RejectsEmptyClientID(t *testing.T) {
	cfg := Defaults()
	cfg.MQTTHost = "h"
	cfg.NodeID = "n"
	cfg.TopicRoot = "prefix"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for missing client_id")
	}
}

func TestValidate_RejectsOversizeNodeID(t *testing.T) {
	cfg := Defaults()
	cfg.MQTTHost = "h"
	cfg.ClientID = "c"
	cfg.TopicRoot = "prefix"
	long := make([]byte, 129)
	for i := range long {
		long[i] = 'a'
	}
	cfg.NodeID = string(long)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for node_id over 128 chars")
	}
}

func TestValidate_RejectsWildcardTopicPrefix(t *testing.T) {
	cfg := Defaults()
	cfg.MQTTHost = "h"
	cfg.ClientID = "c"
	cfg.NodeID = "n"
	cfg.TopicRoot = "meshkv/+/bad"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for topic_prefix containing wildcard")
	}
}

func TestValidate_RejectsCredentialsWithoutTLS(t *testing.T) {
	cfg := Defaults()
	cfg.MQTTHost = "h"
	cfg.ClientID = "c"
	cfg.NodeID = "n"
	cfg.TopicRoot = "prefix"
	cfg.Username = "u"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for credentials set without TLS")
	}
}

func TestValidate_RejectsOutOfRangeKeepAlive(t *testing.T) {
	cfg := Defaults()
	cfg.MQTTHost = "h"
	cfg.ClientID = "c"
	cfg.NodeID = "n"
	cfg.TopicRoot = "prefix"
	cfg.KeepAliveSeconds = 10
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error for keep_alive_seconds below 30")
	}
}
