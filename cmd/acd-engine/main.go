package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/acd-engine/internal/acdqueue"
	"github.com/snarg/acd-engine/internal/api"
	"github.com/snarg/acd-engine/internal/config"
	"github.com/snarg/acd-engine/internal/devicebus"
	"github.com/snarg/acd-engine/internal/persist"
	"github.com/snarg/acd-engine/internal/queueconfig"
	"github.com/snarg/acd-engine/internal/realtime"
	"github.com/snarg/acd-engine/internal/transport"
)

// version, commit, and buildTime are injected at build time via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	var overrides config.Overrides
	var showVersion bool
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "Realtime backend connection URL (overrides DATABASE_URL)")
	flag.StringVar(&overrides.MQTTBrokerURL, "mqtt-url", "", "MQTT broker URL (overrides MQTT_BROKER_URL)")
	flag.StringVar(&overrides.QueueConfigPath, "queue-config", "", "Path to the queue INI file (overrides QUEUE_CONFIG_PATH)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("%s (commit=%s, built=%s)\n", version, commit, buildTime)
		os.Exit(0)
	}

	startTime := time.Now()

	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("invalid config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", buildTime).
		Str("log_level", level.String()).
		Msg("acd-engine starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Realtime backend (optional — a queue with no realtime row falls back
	// to pure static/INI configuration).
	var rt *realtime.Source
	if cfg.DatabaseURL != "" {
		rtLog := log.With().Str("component", "realtime").Logger()
		rt, err = realtime.Connect(ctx, cfg.DatabaseURL, rtLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to realtime backend")
		}
		defer rt.Close()
	} else {
		log.Info().Msg("realtime backend not configured (static INI queues only)")
	}

	// Persistence (dynamic member roster survives a restart).
	var persistStore *persist.Store
	if cfg.PersistMembers {
		persistStore, err = persist.Open(cfg.PersistDir, log.With().Str("component", "persist").Logger())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open persistence store")
		}
		defer persistStore.Close()
	}

	// Core collaborators.
	ifaceIndex := acdqueue.NewInterfaceIndex()
	store := acdqueue.NewStore(ifaceIndex, rtSourceOrNil(rt), log.With().Str("component", "acdqueue").Logger())
	events := acdqueue.NewEventEmitter(cfg.EventRingSize)
	qlog := acdqueue.NewQueueLogger(log.With().Str("component", "queuelog").Logger())
	apiCore := acdqueue.NewAPI(store, ifaceIndex, events, qlog, persistStore, log.With().Str("component", "api-core").Logger())

	// Static queue configuration, loaded once and watched for changes.
	queueLoader, err := queueconfig.NewLoader(cfg.QueueConfigPath, log.With().Str("component", "queueconfig").Logger())
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.QueueConfigPath).Msg("failed to load queue configuration")
	}
	store.SetStatic(queueLoader, cfg.KeepStats)
	if err := store.ReloadAll(ctx); err != nil {
		log.Error().Err(err).Msg("initial queue reload encountered errors")
	}

	queueWatcher := queueconfig.NewWatcher(queueLoader, func() {
		if err := store.ReloadAll(context.Background()); err != nil {
			log.Error().Err(err).Msg("queue reload after config change encountered errors")
		}
	}, log.With().Str("component", "queueconfig").Logger())
	if err := queueWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("failed to start queue config watcher, edits require a restart")
	} else {
		defer queueWatcher.Stop()
	}

	// Replay any dynamic members persisted from a prior run.
	if persistStore != nil {
		if err := apiCore.ReplayPersisted(ctx); err != nil {
			log.Error().Err(err).Msg("failed to replay persisted members")
		}
	}

	// Device-state bus (optional — queues with no live device feed still
	// dispatch, they just never learn a member is unavailable).
	var deviceBus *devicebus.Subscriber
	deviceWorker := acdqueue.NewDeviceStateWorker(store, ifaceIndex, events, 1024, log.With().Str("component", "devicestate").Logger())
	deviceWorker.Start()
	defer deviceWorker.Stop()

	if cfg.MQTTBrokerURL != "" {
		deviceBus, err = devicebus.Connect(devicebus.Options{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Log:       log.With().Str("component", "devicebus").Logger(),
		}, deviceWorker.In)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to device-state mqtt broker")
		}
		defer deviceBus.Close()
		log.Info().Str("broker", cfg.MQTTBrokerURL).Msg("device-state bus connected")
	} else {
		log.Info().Msg("device-state bus not configured (no MQTT_BROKER_URL)")
	}

	// Dispatcher and lifecycle driver. The channel/TTS transport layer is
	// out of scope for this module; NullFactory/NullAnnouncer stand in
	// until a real SIP/RTP driver is wired at the composition root.
	dispatcher := acdqueue.NewDispatcher(store, events, qlog, transport.NullFactory{}, log.With().Str("component", "dispatch").Logger())
	lifecycle := acdqueue.NewLifecycle(store, dispatcher, events, qlog, transport.NullAnnouncer{}, log.With().Str("component", "lifecycle").Logger())
	apiCore.SetLifecycle(lifecycle)

	// Auth status.
	if !cfg.AuthEnabled {
		log.Warn().Msg("AUTH_ENABLED=false — management API authentication is disabled, all endpoints are open")
	} else if cfg.AuthTokenGenerated {
		log.Info().Str("token", cfg.AuthToken).Msg("AUTH_TOKEN auto-generated (set AUTH_TOKEN in .env for a persistent token)")
	} else {
		log.Info().Msg("AUTH_TOKEN loaded from configuration")
	}

	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Config:    cfg,
		Store:     store,
		API:       apiCore,
		Events:    events,
		DeviceBus: deviceBus,
		Realtime:  rt,
		Persist:   persistStore,
		Version:   fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, buildTime),
		StartTime: startTime,
		Log:       httpLog,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info().
		Str("listen", cfg.HTTPAddr).
		Str("version", version).
		Dur("startup_ms", time.Since(startTime)).
		Msg("acd-engine ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("acd-engine stopped")
}

// rtSourceOrNil adapts a possibly-nil *realtime.Source to the nil
// acdqueue.RealtimeSource interface value the store expects: a typed nil
// pointer boxed into an interface is non-nil, so this must be explicit.
func rtSourceOrNil(rt *realtime.Source) acdqueue.RealtimeSource {
	if rt == nil {
		return nil
	}
	return rt
}
