package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-trigger/internal/action"
	"github.com/nerrad567/gray-logic-trigger/internal/api"
	"github.com/nerrad567/gray-logic-trigger/internal/hubapi"
	"github.com/nerrad567/gray-logic-trigger/internal/inference"
	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-trigger/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-trigger/internal/media"
	"github.com/nerrad567/gray-logic-trigger/internal/metrics"
	"github.com/nerrad567/gray-logic-trigger/internal/mirror"
	"github.com/nerrad567/gray-logic-trigger/internal/trigger"
	"github.com/nerrad567/gray-logic-trigger/migrations"
)

const (
	// motionThreshold is the mean luminance change (0-255) that counts as
	// motion between the first and last frame of a channel.
	motionThreshold = 6.0

	// shutdownTimeout bounds the wait for in-flight dynamic actions.
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the trigger engine",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context(), configPath(cmd))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context, path string) error { //nolint:gocognit,gocyclo // startup wiring is linear
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Trigger",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", path)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database
	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database ready", "path", cfg.Database.Path)

	// Rule registry, seeded from the rules file when one is configured
	repo := trigger.NewSQLiteRepository(db.DB)
	registry := trigger.NewRegistry(repo)
	registry.SetLogger(log)
	if refreshErr := registry.RefreshCache(ctx); refreshErr != nil {
		return fmt.Errorf("loading rule registry: %w", refreshErr)
	}
	if cfg.Engine.RulesFile != "" {
		if seedErr := seedRules(ctx, registry, cfg.Engine.RulesFile, log); seedErr != nil {
			return seedErr
		}
	}
	log.Info("rule registry initialised", "rules", registry.GetRuleCount())

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		mqttClient.SetLogger(log)
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
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

	health := map[string]api.HealthChecker{"database": db}
	if mqttClient != nil {
		health["mqtt"] = mqttClient
	}

	// Metrics, fanned out to InfluxDB when it is enabled
	var recorder *metrics.Recorder
	if influxClient != nil {
		recorder = metrics.New(influxClient)
		health["influxdb"] = influxClient
	} else {
		recorder = metrics.New(nil)
	}

	// Conclusion store: Redis when enabled, in-memory otherwise
	var conclusions trigger.ConclusionStore = trigger.NewMemoryConclusionStore()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close() //nolint:errcheck // best-effort close on shutdown
		store := trigger.NewRedisConclusionStore(rdb, cfg.Redis.Prefix+"conclusion:")
		if pingErr := store.Ping(ctx); pingErr != nil {
			return fmt.Errorf("connecting to Redis: %w", pingErr)
		}
		conclusions = store
		health["redis"] = healthFunc(store.Ping)
		log.Info("Redis conclusion store connected", "addr", cfg.Redis.Addr)
	}

	// Hub REST client: service calls and template rendering
	hubClient := hubapi.NewClient(cfg.Hub.URL, cfg.Hub.Token, time.Duration(cfg.Hub.RequestTimeout)*time.Second)

	// Action executors
	router := action.NewRouter()
	router.SetLogger(log)
	router.Register(action.HubClientID, action.NewHubExecutor(hubClient))
	var notifier action.Notifier
	if mqttClient != nil {
		qos := byte(cfg.MQTT.QoS) //nolint:gosec // validated 0-2
		router.Register(action.MQTTClientID, action.NewMQTTExecutor(mqttClient, qos))
		notifier = action.NewMQTTNotifier(mqttClient, qos)
	}
	for _, srv := range cfg.Actions.MCPServers {
		exec := action.NewMCPExecutor(srv.URL, srv.Headers, version)
		router.Register(srv.ClientID, exec)
		defer exec.Close() //nolint:errcheck // best-effort close on shutdown
		log.Info("MCP action server registered", "client_id", srv.ClientID)
	}

	// Inference backends
	vision, planning, err := inferenceProxies(cfg.Inference, log)
	if err != nil {
		return err
	}

	lang := trigger.ParseLanguage(cfg.Engine.Language)
	evaluator := trigger.NewEvaluator(
		media.NewDirSource(cfg.Media.FramesDir),
		media.DiffMotion(motionThreshold),
		cfg.Engine.VisionImagesPerCall,
		lang,
	)
	evaluator.SetLogger(log)

	var runner trigger.DynamicRunner
	if planner := firstProxy(planning, vision); planner != nil {
		pr := trigger.NewPlanningRunner(planner, router, repo.Logs(), lang)
		pr.SetLogger(log)
		runner = pr
	}

	supervisor := trigger.NewSupervisor(trigger.SupervisorOptions{
		Actions:   router,
		Notifier:  notifier,
		Runner:    runner,
		Logs:      repo.Logs(),
		Telemetry: recorder,
		Admit:     time.Duration(cfg.Engine.DynamicAdmitSeconds) * time.Second,
		Lifetime:  time.Duration(cfg.Engine.DynamicLifetimeSeconds) * time.Second,
	})
	supervisor.SetLogger(log)

	// Firing events: websocket clients always, MQTT when connected
	wsHub := api.NewHub(log)
	go wsHub.Run(ctx)
	events := trigger.EventSinks{wsHub}
	if mqttClient != nil {
		events = append(events, newMQTTEventSink(mqttClient, log))
	}

	engine := trigger.NewEngine(trigger.Options{
		Vision:       vision,
		Planning:     planning,
		Evaluator:    evaluator,
		Images:       media.NewStore(cfg.Media.StoreDir),
		Conclusions:  conclusions,
		Policy:       trigger.NewCooldownPolicy(time.Duration(cfg.Engine.FireCooldownSeconds) * time.Second),
		Logs:         repo.Logs(),
		Supervisor:   supervisor,
		Telemetry:    recorder,
		Events:       events,
		Templates:    hubClient,
		Debounce:     cfg.Debounce(),
		PollInterval: cfg.PollInterval(),
	})
	engine.SetLogger(log)

	rules, err := registry.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("listing rules: %w", err)
	}
	engine.LoadRules(rules)

	// Hub session; the engine observes it
	hubMirror := mirror.New(mirror.Config{
		URL:              cfg.Hub.URL,
		Token:            cfg.Hub.Token,
		ReconnectInitial: time.Duration(cfg.Hub.ReconnectInitial) * time.Second,
		ReconnectMax:     time.Duration(cfg.Hub.ReconnectMax) * time.Second,
		IdleInterval:     time.Duration(cfg.Hub.IdleInterval) * time.Second,
	}, engine)
	hubMirror.SetLogger(log)
	engine.SetStateSource(hubMirror)
	health["hub"] = hubMirror

	recorder.Gauge("hub_connected", "Whether the hub session is live.", func() float64 {
		if hubMirror.IsConnected() {
			return 1
		}
		return 0
	})
	recorder.Gauge("rules", "Rules registered with the engine.", func() float64 {
		return float64(engine.Stats().Rules)
	})
	recorder.Gauge("dynamic_running", "Dynamic actions in flight.", func() float64 {
		return float64(supervisor.Registry().Len())
	})
	if influxClient != nil {
		recorder.Gauge("influx_write_errors", "Failed InfluxDB batch writes.", func() float64 {
			return float64(influxClient.WriteErrors())
		})
	}

	engine.Start(ctx)
	hubMirror.Start(ctx)
	defer func() {
		log.Info("stopping engine")
		engine.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := supervisor.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Warn("dynamic actions did not finish before shutdown", "error", shutdownErr)
		}
	}()
	log.Info("engine started", "rules", len(rules), "hub_configured", cfg.Hub.URL != "" && cfg.Hub.Token != "")

	// MQTT control commands
	if mqttClient != nil {
		commands := newCommandHandler(ctx, registry, engine, log, hubMirror, hubClient)
		if subErr := mqttClient.Subscribe(mqtt.Topics{}.AllCommands(), byte(cfg.MQTT.QoS), commands.Handle); subErr != nil { //nolint:gosec // validated 0-2
			log.Warn("subscribing to MQTT commands failed", "error", subErr)
		}
	}

	// Operations API (optional)
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Rules:   registry,
			Logs:    repo.Logs(),
			Engine:  engine,
			Metrics: recorder.Handler(),
			Health:  health,
			Hub:     wsHub,
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API server, engine and
	// supervisor, Redis, MCP clients, InfluxDB, MQTT, database.

	log.Info("Gray Logic Trigger stopped")
	return nil
}

// openDatabase opens the SQLite database and applies pending migrations.
func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// seedRules imports the configured rules file into the registry.
func seedRules(ctx context.Context, registry *trigger.Registry, path string, log *logging.Logger) error {
	rules, err := trigger.LoadRulesFile(path)
	if err != nil {
		return fmt.Errorf("loading rules file: %w", err)
	}
	created, updated, err := registry.Import(ctx, rules)
	if err != nil {
		return fmt.Errorf("importing rules file: %w", err)
	}
	log.Info("rules file imported", "path", path, "created", created, "updated", updated)
	return nil
}

// inferenceProxies builds the configured backends. An unconfigured backend
// is returned as nil; only the rule subset that needs it is disabled.
func inferenceProxies(cfg config.InferenceConfig, log *logging.Logger) (vision, planning inference.Proxy, err error) {
	build := func(name string, mc config.ModelConfig) (inference.Proxy, error) {
		client, err := inference.NewClient(mc)
		if errors.Is(err, inference.ErrNotConfigured) {
			log.Warn("inference backend not configured", "backend", name)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("creating %s backend: %w", name, err)
		}
		log.Info("inference backend ready", "backend", name, "model", client.Model())
		return client, nil
	}

	if vision, err = build("vision", cfg.Vision); err != nil {
		return nil, nil, err
	}
	if planning, err = build("planning", cfg.Planning); err != nil {
		return nil, nil, err
	}
	return vision, planning, nil
}

func firstProxy(proxies ...inference.Proxy) inference.Proxy {
	for _, p := range proxies {
		if p != nil {
			return p
		}
	}
	return nil
}

// healthFunc adapts a ping function to api.HealthChecker.
type healthFunc func(ctx context.Context) error

func (f healthFunc) HealthCheck(ctx context.Context) error { return f(ctx) }
