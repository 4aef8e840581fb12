package influxdb_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/hearth-core/internal/infrastructure/influxdb"
)

// testConfig matches the local dev InfluxDB from docker-compose.
func testConfig() influxdb.Config {
	return influxdb.Config{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "hearth-dev-token",
		Org:           "hearth",
		Bucket:        "states",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func skipIfNoInfluxDB(t *testing.T) *influxdb.Client {
	t.Helper()
	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Skip("InfluxDB not available, skipping integration test")
	}
	return client
}

func TestConnectDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	if _, err := influxdb.Connect(cfg); !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:1" // nothing listens here
	if _, err := influxdb.Connect(cfg); !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestHealthCheckAfterClose(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	client.Close()
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}
}

func TestWriteState(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	defer client.Close()

	// Async pipeline: success here means no panic and a clean flush;
	// delivery errors would hit the callback.
	var asyncErr error
	client.SetOnError(func(err error) { asyncErr = err })

	client.WriteState("sensor", "sensor.temperature", 21.5, time.Now())
	client.WriteAttribute("light", "light.kitchen", "brightness", 128, time.Now())
	client.Flush()

	if asyncErr != nil {
		t.Errorf("async write error: %v", asyncErr)
	}
}

func TestWriteAfterCloseIsNoop(t *testing.T) {
	client := skipIfNoInfluxDB(t)
	client.Close()
	client.WriteState("sensor", "sensor.temperature", 21.5, time.Now())
	client.Flush()
}
