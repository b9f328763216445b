// gymcore - gym access control and device command core
//
// gymcore decides whether members may enter, drives turnstiles and LED
// readers over MQTT, and streams access events to front-desk screens.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gymcontrol/gymcore/internal/access"
	"github.com/gymcontrol/gymcore/internal/api"
	"github.com/gymcontrol/gymcore/internal/audit"
	"github.com/gymcontrol/gymcore/internal/command"
	"github.com/gymcontrol/gymcore/internal/infrastructure/broker"
	"github.com/gymcontrol/gymcore/internal/infrastructure/config"
	"github.com/gymcontrol/gymcore/internal/infrastructure/database"
	"github.com/gymcontrol/gymcore/internal/infrastructure/influxdb"
	"github.com/gymcontrol/gymcore/internal/infrastructure/logging"
	"github.com/gymcontrol/gymcore/internal/infrastructure/mqtt"
	"github.com/gymcontrol/gymcore/internal/led"
	"github.com/gymcontrol/gymcore/internal/livefeed"
	"github.com/gymcontrol/gymcore/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// defaultStartupAttempts bounds the first MQTT connection when
	// mqtt.reconnect.max_attempts is unset.
	defaultStartupAttempts = 5

	restoreTimeout = 30 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled. Deferred
// closes run in reverse start order.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting gymcore",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"site", cfg.Site.ID,
	)

	// Database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	// Embedded broker (development and single-box installs)
	if cfg.MQTT.Embedded.Enabled {
		b, startErr := broker.Start(cfg.MQTT.Embedded, log)
		if startErr != nil {
			return fmt.Errorf("starting embedded broker: %w", startErr)
		}
		defer func() {
			log.Info("stopping embedded broker")
			if closeErr := b.Close(); closeErr != nil {
				log.Error("error stopping embedded broker", "error", closeErr)
			}
		}()
		cfg.MQTT.Broker.Host = "127.0.0.1"
		cfg.MQTT.Broker.Port = b.Port()
	}

	// MQTT
	attempts := cfg.MQTT.Reconnect.MaxAttempts
	if attempts <= 0 {
		attempts = defaultStartupAttempts
	}
	mqttClient, err := mqtt.Connect(ctx, cfg.MQTT, attempts, mqtt.WithLogger(log))
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// InfluxDB (optional). A failure here never blocks the gates.
	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		log.Warn("InfluxDB unavailable, continuing without time-series", "error", err)
		influxClient = nil
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}

	// Domain services
	correlator := command.NewCorrelator(mqttClient, log, config.Seconds(cfg.Commands.MaxTimeout))

	notifier, err := access.NewNotifier(mqttClient,
		cfg.Access.NotifySite, cfg.Access.NotifyDevice,
		cfg.Access.NotifyQueueSize, cfg.Access.NotifyWorkers, log)
	if err != nil {
		return fmt.Errorf("creating access notifier: %w", err)
	}

	engineOpts := []access.EngineOption{
		access.WithNotifier(notifier),
		access.WithDefaultSite(cfg.Access.DefaultSiteID),
	}
	if influxClient != nil {
		correlator.SetRecorder(influxClient)
		engineOpts = append(engineOpts, access.WithDecisionRecorder(influxClient))
	}
	engine := access.NewEngine(access.NewSQLiteRepository(db.DB), log, engineOpts...)

	lights := led.NewService(led.NewSQLiteRepository(db.DB), correlator, log)
	hub := livefeed.NewHub(log)

	// Workers outlive ctx so that requests still in flight at shutdown get
	// their notifications published.
	stopWorkers := startWorkers(log, notifier)
	defer stopWorkers()
	log.Info("access notifier started", "topic", notifier.Topic())

	// API
	server, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Security:  cfg.Security,
		Commands:  cfg.Commands,
		Logger:    log,
		MQTT:      mqttClient,
		Commander: correlator,
		Access:    engine,
		Hub:       hub,
		Lights:    lights,
		AuditRepo: audit.NewSQLiteRepository(db.DB),
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	stopServer := sync.OnceFunc(func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	})
	defer stopServer()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	restoreLEDs(ctx, lights, log)

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	stopServer()
	stopWorkers()

	log.Info("gymcore stopped")
	return nil
}

// backgroundRunner is a long-lived worker owned by run.
type backgroundRunner interface {
	Run(ctx context.Context) error
}

// startWorkers runs each worker on a context detached from the caller's. The
// returned stop cancels them and waits until every one has returned; calls
// after the first are no-ops.
func startWorkers(log *logging.Logger, runners ...backgroundRunner) func() {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	return sync.OnceFunc(func() {
		cancel()
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("background worker failed", "error", err)
		}
	})
}

// restoreLEDs re-publishes every stored reader colour so that devices that
// rebooted while the backend was down show the right colour.
func restoreLEDs(ctx context.Context, lights *led.Service, log *logging.Logger) {
	rctx, cancel := context.WithTimeout(ctx, restoreTimeout)
	defer cancel()
	if _, err := lights.Restore(rctx); err != nil {
		log.Warn("restoring LED colours failed", "error", err)
	}
}

// getConfigPath returns the configuration file path.
// Uses GYMCORE_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("GYMCORE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the infrastructure connections. influxClient may be nil.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
