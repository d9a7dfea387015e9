// Robot Bridge relays browser control commands to a networked robot.
//
// Browsers connect over WebSocket (the control page is served at /) and send
// move, face, say and reconnect messages. Each is forwarded as one JSON line
// over a single shared TCP link to the device. Device reachability is polled
// and pushed back to every browser as status events.
//
// Optional integrations, each enabled in config.yaml:
//   - database: SQLite journal of link transitions and commands
//   - mqtt: retained status mirror and a command ingress topic
//   - influxdb: time-series of link state and command delivery
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/robot-bridge/internal/api"
	"github.com/nerrad567/robot-bridge/internal/bridge"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/config"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/database"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/robot-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/robot-bridge/internal/journal"
	"github.com/nerrad567/robot-bridge/internal/robot"
	"github.com/nerrad567/robot-bridge/internal/telemetry"
	"github.com/nerrad567/robot-bridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, serves until ctx is cancelled, then tears
// down in reverse order. Deferred closes run: API, device link, telemetry,
// InfluxDB, MQTT, database.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting robot bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	defer log.Close() //nolint:errcheck // nothing useful to do at exit
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Journal (optional)
	var (
		db   *database.DB
		repo journal.Repository
	)
	if cfg.Database.Enabled {
		db, err = openJournal(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		repo = journal.NewSQLiteRepository(db.DB)
		log.Info("journal ready", "path", db.Path())
	} else {
		log.Info("journal disabled")
	}

	// MQTT (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log.With("component", "mqtt"))
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
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
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
	} else {
		log.Info("InfluxDB disabled")
	}

	// Device link
	link := robot.New(robot.Config{
		Host:           cfg.Robot.Host,
		Port:           cfg.Robot.Port,
		ConnectTimeout: cfg.GetConnectTimeout(),
		WriteTimeout:   cfg.GetWriteTimeout(),
	})
	link.SetLogger(log.With("component", "robot"))

	recorder := newRecorder(link, repo, mqttClient, influxClient, log)
	// Only Close stops the recorder, so the disconnect emitted by
	// link.Close below is still written.
	recorder.Start(ctx)
	defer recorder.Close()
	if recorder.Enabled() {
		link.SetObserver(recorder)
	}

	defer func() {
		log.Info("closing device link")
		if closeErr := link.Close(); closeErr != nil {
			log.Error("error closing device link", "error", closeErr)
		}
	}()

	if cfg.Robot.ConnectOnStart {
		if connErr := link.Connect(ctx); connErr != nil {
			// Not fatal: the first command retries.
			log.Warn("robot not reachable at startup", "address", link.Address(), "error", connErr)
		}
	}

	if mqttClient != nil {
		stopIngress, err := startMQTTBridge(mqttClient, link, recorder, log)
		if err != nil {
			return err
		}
		// Runs before link.Close: no MQTT command may reach a closing link.
		defer stopIngress()
	}

	// Channel gateway
	deps := api.Deps{
		Config:       cfg.API,
		WS:           cfg.WebSocket,
		Logger:       log,
		Link:         link,
		PollInterval: cfg.GetPollInterval(),
		Journal:      repo,
		Telemetry:    recorder,
		MQTT:         mqttClient,
		Influx:       influxClient,
		DB:           db,
		Version:      version,
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	log.Info("robot bridge ready",
		"robot", cfg.RobotAddress(),
		"listen", server.Addr(),
		"ws_path", cfg.WebSocket.Path,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns ROBOTBRIDGE_CONFIG if set, otherwise the default.
func getConfigPath() string {
	if path := os.Getenv("ROBOTBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func openJournal(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS, "."); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// newRecorder builds the telemetry fan-out. Pointer sinks are only set when
// non-nil so the recorder never holds a typed nil.
func newRecorder(link *robot.Link, repo journal.Repository, mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) *telemetry.Recorder {
	opts := telemetry.Options{
		Address: link.Address(),
		Journal: repo,
		Logger:  log,
	}
	if mqttClient != nil {
		opts.Publisher = mqttClient
		opts.StatusTopic = mqttClient.Topics().Status()
	}
	if influxClient != nil {
		opts.Metrics = influxClient
	}
	return telemetry.New(opts)
}

// startMQTTBridge mirrors the link state to the retained status topic and
// accepts commands from {prefix}/command/{type}. The returned func drops the
// command subscription.
func startMQTTBridge(client *mqtt.Client, link *robot.Link, recorder *telemetry.Recorder, log *logging.Logger) (func(), error) {
	ingress, err := bridge.NewMQTTIngress(link, log)
	if err != nil {
		return nil, fmt.Errorf("creating MQTT ingress: %w", err)
	}
	topic := client.Topics().AllCommands()
	if err := client.Subscribe(topic, client.QoS(), ingress.HandleMessage); err != nil {
		return nil, fmt.Errorf("subscribing to MQTT commands: %w", err)
	}

	// The retained status must be current whenever the broker session is.
	client.SetOnConnect(func() {
		log.Info("MQTT connected, publishing robot status")
		recorder.PublishStatus(link.IsConnected())
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	recorder.PublishStatus(link.IsConnected())

	log.Info("MQTT bridge ready", "commands", topic, "status", client.Topics().Status())
	return func() {
		if err := client.Unsubscribe(topic); err != nil {
			log.Warn("dropping MQTT command subscription failed", "topic", topic, "error", err)
		}
	}, nil
}
