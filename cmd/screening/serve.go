package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/AaronLay10/ScreeningEngine/internal/api"
	"github.com/AaronLay10/ScreeningEngine/internal/config"
	"github.com/AaronLay10/ScreeningEngine/internal/episode"
	"github.com/AaronLay10/ScreeningEngine/internal/events"
	"github.com/AaronLay10/ScreeningEngine/internal/followup"
	"github.com/AaronLay10/ScreeningEngine/internal/logging"
	"github.com/AaronLay10/ScreeningEngine/internal/metrics"
	"github.com/AaronLay10/ScreeningEngine/internal/mqtt"
	"github.com/AaronLay10/ScreeningEngine/internal/registry"
	"github.com/AaronLay10/ScreeningEngine/internal/storage/memory"
	"github.com/AaronLay10/ScreeningEngine/internal/storage/postgres"
	"github.com/AaronLay10/ScreeningEngine/internal/storage/sqlite"
	"github.com/AaronLay10/ScreeningEngine/internal/version"
)

// store is what serve needs from any backend.
type store interface {
	episode.Store
	Ping(ctx context.Context) error
	Close() error
}

func openStore(ctx context.Context, cfg *config.UnitConfig, reg *registry.Registry) (store, error) {
	switch cfg.StorageDriver() {
	case "postgres":
		return postgres.Open(ctx, cfg.Storage.DSN, reg)
	case "memory":
		return memory.New(), nil
	default:
		return sqlite.Open(ctx, cfg.StoragePath(), reg)
	}
}

// observeStore exports connection pool gauges for SQL backends.
func observeStore(m *metrics.Metrics, st store) {
	db, ok := st.(interface{ DB() *sql.DB })
	if !ok {
		return
	}
	m.GaugeFunc("screening_db_open_connections", "Open connections to the episode database", func() float64 {
		return float64(db.DB().Stats().OpenConnections)
	})
}

func serve(ctx context.Context, configPath string, logOut io.Writer) error {
	cfg, err := config.LoadUnitConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", configPath, err)
	}
	host, _ := os.Hostname()
	log := logging.New(cfg.LogLevel(), logOut).With().Str("unit", cfg.Unit.ID).Logger()

	reg, err := loadRegistry(cfg.Registry.Path)
	if err != nil {
		log.Error().Err(err).Msg("stage registry rejected")
		return err
	}

	st, err := openStore(ctx, cfg, reg)
	if err != nil {
		log.Error().Err(err).Str("driver", cfg.StorageDriver()).Msg("failed to open store")
		return err
	}
	defer st.Close()

	bus := events.NewBroadcaster(512)
	defer bus.Close()
	m := metrics.New(cfg.Unit.ID, version.Version)
	m.GaugeFunc("screening_ws_clients", "Number of event bus subscribers", func() float64 {
		return float64(bus.SubscriberCount())
	})
	observeStore(m, st)

	policy := followup.Policy{SixMonthMonths: cfg.SixMonthInterval(), AnnualMonths: cfg.AnnualInterval()}
	fu := followup.NewService(st, policy, bus, logging.Component(log, "followup"))

	engine := episode.New(reg, st,
		episode.WithLogger(logging.Component(log, "engine")),
		episode.WithPublisher(bus),
		episode.WithObserver(m),
		episode.WithClosedHook(fu.OnClosed),
	)

	ready := api.NewReadiness()
	ready.OnResult = m.SetDependency
	ready.Register("store", false, st.Ping)

	if cfg.MQTT.Enabled {
		client := mqtt.NewClient(cfg.MQTTURL(), "screening-"+cfg.Unit.ID, logging.Component(log, "mqtt"))
		client.Start()
		defer client.Disconnect()
		ready.Register("mqtt", true, func(context.Context) error {
			if !client.IsConnected() {
				return fmt.Errorf("not connected to %s", cfg.MQTTURL())
			}
			return nil
		})
		fwd := mqtt.NewForwarder(client, cfg.TopicPrefix(), cfg.Unit.ID, logging.Component(log, "mqtt"))
		go fwd.Run(ctx, bus)
	}

	publishSystem(bus, log, "system.startup", "screening engine starting", map[string]any{
		"service":  "screening",
		"hostname": host,
		"pid":      os.Getpid(),
		"version":  version.Version,
		"pathway":  reg.Pathway(),
		"storage":  cfg.StorageDriver(),
	})

	srv := api.NewServer(engine, fu, bus, api.Options{
		Readiness: ready,
		Metrics:   m.Handler(),
		Logger:    logging.Component(log, "api"),
	})
	err = srv.ListenAndServe(ctx, cfg.APIPort())
	publishSystem(bus, log, "system.shutdown", "screening engine stopping", nil)
	if err != nil {
		publishSystem(bus, log, "system.error", err.Error(), nil)
		log.Error().Err(err).Msg("api server failed")
	}
	return err
}

func publishSystem(bus *events.Broadcaster, log zerolog.Logger, name, msg string, fields map[string]any) {
	if _, err := bus.Publish("info", name, msg, fields); err != nil {
		log.Error().Err(err).Str("event", name).Msg("failed to publish event")
	}
	log.Info().Str("event", name).Fields(fields).Msg(msg)
}
