package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
site:
  id: "test-home"
  name: "Test Home"
  timezone: "Europe/London"
  location:
    latitude: 51.5
    longitude: -0.1
storage:
  data_dir: "/tmp/hearth"
mqtt:
  enabled: true
  broker:
    host: "broker.local"
    port: 1883
    client_id: "hearth-test"
  qos: 1
recorder:
  enabled: true
  retention_days: 7
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Site.ID != "test-home" {
		t.Errorf("Site.ID = %q, want test-home", cfg.Site.ID)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q", cfg.MQTT.Broker.Host)
	}
	if cfg.Recorder.Retention() != 7*24*time.Hour {
		t.Errorf("Retention() = %v, want 168h", cfg.Recorder.Retention())
	}
	if cfg.Location().String() != "Europe/London" {
		t.Errorf("Location() = %v", cfg.Location())
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `site: {id: "home"}`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.DataDir != "./data" {
		t.Errorf("Storage.DataDir = %q, want ./data", cfg.Storage.DataDir)
	}
	if cfg.Recorder.RetentionDays != 10 {
		t.Errorf("Recorder.RetentionDays = %d, want 10", cfg.Recorder.RetentionDays)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT.QoS = %d, want 1", cfg.MQTT.QoS)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "site: [unbalanced")); err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HEARTH_MQTT_HOST", "env-broker")
	t.Setenv("HEARTH_INFLUXDB_TOKEN", "env-token")
	t.Setenv("HEARTH_DATA_DIR", "/var/lib/hearth")

	cfg, err := Load(writeConfig(t, `
site: {id: "home"}
mqtt:
  broker: {host: "file-broker"}
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTT.Broker.Host != "env-broker" {
		t.Errorf("MQTT.Broker.Host = %q, want env-broker", cfg.MQTT.Broker.Host)
	}
	if cfg.InfluxDB.Token != "env-token" {
		t.Errorf("InfluxDB.Token = %q, want env-token", cfg.InfluxDB.Token)
	}
	if cfg.Storage.DataDir != "/var/lib/hearth" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing site id", `site: {id: ""}`, "site.id is required"},
		{"bad timezone", `site: {id: "h", timezone: "Mars/Olympus"}`, "not a valid IANA zone"},
		{"bad latitude", `site: {id: "h", location: {latitude: 100}}`, "latitude"},
		{"bad qos", "site: {id: h}\nmqtt: {qos: 3}", "mqtt.qos"},
		{"mqtt enabled no host", "site: {id: h}\nmqtt: {enabled: true, broker: {host: \"\", port: 1883}}", "mqtt.broker.host"},
		{"influx enabled no url", "site: {id: h}\ninfluxdb: {enabled: true}", "influxdb.url"},
		{"recorder bad retention", "site: {id: h}\nrecorder: {enabled: true, retention_days: -1}", "retention_days"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}
