// hearthd is the hearth home-automation hub daemon.
//
// It wires the runtime core: event bus, state store, service registry,
// the entity/device/area/floor/label registries, config entries, the
// template engine, and the automation engine, plus the optional
// recorder and MQTT surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/hearth-core/internal/automation"
	"github.com/nerrad567/hearth-core/internal/bridge"
	"github.com/nerrad567/hearth-core/internal/core"
	"github.com/nerrad567/hearth-core/internal/entry"
	"github.com/nerrad567/hearth-core/internal/infrastructure/config"
	"github.com/nerrad567/hearth-core/internal/infrastructure/database"
	"github.com/nerrad567/hearth-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/hearth-core/internal/infrastructure/logging"
	"github.com/nerrad567/hearth-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/hearth-core/internal/infrastructure/storage"
	"github.com/nerrad567/hearth-core/internal/notify"
	"github.com/nerrad567/hearth-core/internal/recorder"
	"github.com/nerrad567/hearth-core/internal/registry"
	"github.com/nerrad567/hearth-core/internal/systemlog"
	"github.com/nerrad567/hearth-core/internal/template"
)

// Version information, set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

// shutdownFlushTimeout bounds the final event bus drain.
const shutdownFlushTimeout = 5 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// The system log store is created first so the logger can capture
	// warnings and errors from everything built after it.
	syslog := systemlog.NewStore(nil, 0)
	log := logging.New(cfg.Logging, version, func(next slog.Handler) slog.Handler {
		return systemlog.NewHandler(syslog, next)
	})
	log.Info("starting hearth core",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", configPath,
	)

	// Core runtime: bus, states, services.
	bus := core.NewBus(log)
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
		defer flushCancel()
		if flushErr := bus.Flush(flushCtx); flushErr != nil {
			log.Warn("event bus drain incomplete", "error", flushErr)
		}
		bus.Close()
	}()

	syslog.SetBus(bus)
	syslog.FireEvents = true

	states := core.NewStateStore(bus, log)
	services := core.NewServiceRegistry(bus, log)

	// Durable JSON storage and the registries on top of it.
	store, err := storage.NewStore(cfg.Storage.DataDir, log)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		log.Info("flushing storage")
		if closeErr := store.Close(); closeErr != nil {
			log.Error("error closing storage", "error", closeErr)
		}
	}()
	log.Info("storage ready", "data_dir", cfg.Storage.DataDir)

	registries, err := registry.NewRegistries(store, bus, nil, log)
	if err != nil {
		return fmt.Errorf("loading registries: %w", err)
	}
	entries, err := entry.NewManager(store, bus, registries, log)
	if err != nil {
		return fmt.Errorf("loading config entries: %w", err)
	}
	registries.Devices.SetEntryInfo(entries)
	log.Info("registries loaded",
		"entities", len(registries.Entities.List()),
		"devices", len(registries.Devices.List()),
		"config_entries", len(entries.List()),
	)

	// Template engine in the site timezone.
	tmpl := template.NewEngine(states)
	tmpl.SetLocation(cfg.Location())

	// Automations.
	runtime := automation.NewRuntime(states, bus, services, tmpl, log)
	automations := automation.NewAutomations(runtime, log)
	defer func() {
		log.Info("stopping automations")
		automations.Close()
	}()

	if cfg.Automation.Path != "" {
		if loadErr := loadAutomations(cfg.Automation.Path, automations, log); loadErr != nil {
			return loadErr
		}
	}

	// Persistent notifications.
	notifications := notify.NewManager(bus)
	notifications.RegisterServices(services)

	// Recorder with optional InfluxDB mirror.
	if cfg.Recorder.Enabled {
		db, dbErr := database.Open(database.Config{
			Path:        cfg.Recorder.Path,
			WALMode:     cfg.Recorder.WALMode,
			BusyTimeout: cfg.Recorder.BusyTimeout,
		})
		if dbErr != nil {
			return fmt.Errorf("opening recorder database: %w", dbErr)
		}
		defer func() {
			log.Info("closing recorder database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing recorder database", "error", closeErr)
			}
		}()

		var metrics recorder.Metrics
		if cfg.InfluxDB.Enabled {
			influx, influxErr := influxdb.Connect(influxdb.Config{
				Enabled:       true,
				URL:           cfg.InfluxDB.URL,
				Token:         cfg.InfluxDB.Token,
				Org:           cfg.InfluxDB.Org,
				Bucket:        cfg.InfluxDB.Bucket,
				BatchSize:     cfg.InfluxDB.BatchSize,
				FlushInterval: cfg.InfluxDB.FlushInterval,
			})
			if influxErr != nil {
				return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
			}
			defer func() {
				log.Info("closing InfluxDB connection")
				if closeErr := influx.Close(); closeErr != nil {
					log.Error("error closing InfluxDB", "error", closeErr)
				}
			}()
			influx.SetOnError(func(err error) {
				log.Error("InfluxDB write error", "error", err)
			})
			metrics = influx
			log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		}

		rec, recErr := recorder.New(db, bus, metrics, recorder.Config{
			Retention:     cfg.Recorder.Retention(),
			PruneInterval: cfg.Recorder.PruneInterval(),
		}, log)
		if recErr != nil {
			return fmt.Errorf("starting recorder: %w", recErr)
		}
		defer func() {
			log.Info("stopping recorder")
			rec.Close()
		}()
		log.Info("recorder started", "path", cfg.Recorder.Path, "retention", cfg.Recorder.Retention())
	} else {
		log.Info("recorder disabled")
	}

	// MQTT surface.
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT connected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		br, brErr := bridge.New(mqttClient, bus, services, byte(cfg.MQTT.QoS), log)
		if brErr != nil {
			return fmt.Errorf("starting MQTT bridge: %w", brErr)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			if closeErr := br.Close(); closeErr != nil {
				log.Error("error closing MQTT bridge", "error", closeErr)
			}
		}()
	} else {
		log.Info("MQTT disabled")
	}

	bus.Fire(core.EventHubStart, nil, core.NewContext(""), core.OriginLocal)
	log.Info("startup complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received")
	bus.Fire(core.EventHubStop, nil, core.NewContext(""), core.OriginLocal)

	// Deferred closers tear everything down in reverse construction order.
	return nil
}

// loadAutomations reads the automations file and registers every bundle.
// A missing file is not fatal; a malformed one is.
func loadAutomations(path string, automations *automation.Automations, log *logging.Logger) error {
	configs, err := automation.LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn("automations file missing", "path", path)
			return nil
		}
		return err
	}
	for _, cfg := range configs {
		if addErr := automations.Add(cfg); addErr != nil {
			return fmt.Errorf("adding automation %s: %w", cfg.ID, addErr)
		}
	}
	log.Info("automations loaded", "path", path, "count", len(configs))
	return nil
}

// getConfigPath returns the configuration file path, overridable with
// the HEARTH_CONFIG environment variable.
func getConfigPath() string {
	if path := os.Getenv("HEARTH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
