package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jardesigner/jardesigner/internal/alerts"
	"github.com/jardesigner/jardesigner/internal/api"
	"github.com/jardesigner/jardesigner/internal/config"
	"github.com/jardesigner/jardesigner/internal/events"
	"github.com/jardesigner/jardesigner/internal/logging"
	"github.com/jardesigner/jardesigner/internal/metrics"
	"github.com/jardesigner/jardesigner/internal/mqtt"
	"github.com/jardesigner/jardesigner/internal/realtime"
	"github.com/jardesigner/jardesigner/internal/staging"
	"github.com/jardesigner/jardesigner/internal/storage/postgres"
	"github.com/jardesigner/jardesigner/internal/supervisor"
	"github.com/jardesigner/jardesigner/internal/version"
)

const (
	browserDelay       = 1500 * time.Millisecond
	runShutdownTimeout = 15 * time.Second
	relayCheckInterval = 10 * time.Second
)

type flags struct {
	config    string
	host      string
	port      int
	noBrowser bool
	debug     bool
	version   bool
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.config, "config", "jardesigner.yaml", "path to the server config file")
	flag.StringVar(&f.host, "host", "", "host to bind (overrides config)")
	flag.IntVar(&f.port, "port", 0, "port to listen on (overrides config)")
	flag.BoolVar(&f.noBrowser, "no-browser", false, "do not open a browser window")
	flag.BoolVar(&f.debug, "debug", false, "debug logging")
	flag.BoolVar(&f.version, "version", false, "print the version and exit")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()
	if f.version {
		fmt.Println(version.Version)
		return
	}

	cfg, err := config.LoadServerConfig(f.config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", f.config, err)
		os.Exit(1)
	}
	if f.host != "" {
		cfg.Server.Host = f.host
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.debug {
		cfg.Log.Level = "debug"
	}

	if err := logging.Init(cfg.Log.Level, cfg.Log.Format, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log config: %v\n", err)
		os.Exit(1)
	}
	log := logging.Component("main")

	if err := run(cfg, f, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.ServerConfig, f flags, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	area, err := staging.New(cfg.BaseDir())
	if err != nil {
		return err
	}

	m, registry := metrics.NewDefault()
	readiness := api.NewReadiness(area.CheckWritable)

	var eventStore api.EventStore
	if cfg.Postgres.Enabled {
		pg, err := openPostgres(cfg)
		switch {
		case err == nil:
			defer pg.Close()
			events.SetSink(pg)
			eventStore = pg
			readiness.SetPostgresState(true, !cfg.Postgres.Required)
		case cfg.Postgres.Required:
			return fmt.Errorf("postgres: %w", err)
		default:
			log.Warn().Err(err).Msg("postgres unavailable, events stay in memory")
			readiness.SetPostgresState(false, true)
		}
	}

	notifier := alerts.NewNotifier(cfg.Alerts.WebhookURL, cfg.MQTTAlertDelay())
	defer notifier.Wait()

	sup, err := supervisor.New(supervisor.Options{
		Command:     cfg.SimulatorCommand(),
		PlotFile:    cfg.PlotFile(),
		GracePeriod: cfg.GracePeriod(),
		Env:         []string{"JARDESIGNER_SERVER_URL=" + cfg.BaseURL()},
		Staging:     area,
		Metrics:     m,
		OnRunFailed: func(r supervisor.Run, exitErr error) {
			notifier.RunFailed(r.PID, r.ClientID, r.ChannelID, exitErr)
		},
	})
	if err != nil {
		return err
	}

	hub := realtime.NewHub(sup, m)

	stopMonitor := make(chan struct{})
	defer close(stopMonitor)

	if cfg.MQTT.Enabled {
		client, err := startRelay(cfg, sup, hub, readiness)
		if err != nil {
			return err
		}
		defer client.Disconnect()
		notifier.StartRelayMonitor(relayCheckInterval, readiness.MQTTConnected, stopMonitor)
	}

	tlsConfig, err := api.LoadTLSConfig(api.TLSConfig{
		CertFile: cfg.Server.TLS.CertFile,
		KeyFile:  cfg.Server.TLS.KeyFile,
	})
	if err != nil {
		return err
	}

	srv := api.New(api.Options{
		Simulations: sup,
		Staging:     area,
		Relayer:     hub,
		Realtime:    hub,
		Metrics:     m,
		Gatherer:    registry,
		Readiness:   readiness,
		Events:      eventStore,
		StaticDir:   cfg.Server.StaticDir,
	})

	printBanner(cfg, area)
	if !f.noBrowser {
		go openBrowserAfter(ctx, browserDelay, cfg.BaseURL(), log)
	}

	events.Emit("info", "system.startup", "", map[string]interface{}{
		"version": version.Version,
		"addr":    cfg.Addr(),
	})
	log.Info().Str("addr", cfg.Addr()).Bool("tls", tlsConfig != nil).Msg("listening")

	serveErr := srv.ListenAndServe(ctx, cfg.Addr(), tlsConfig)

	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), runShutdownTimeout)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("runs still alive at shutdown")
	}

	events.Emit("info", "system.shutdown", "", nil)
	log.Info().Msg("stopped")
	return serveErr
}

func openPostgres(cfg *config.ServerConfig) (*postgres.Client, error) {
	pg, err := postgres.New(cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	if err := pg.Ping(); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

// startRelay connects the MQTT data relay. The first connect may fail; the
// client keeps retrying and the relay subscribes on every (re)connect.
func startRelay(cfg *config.ServerConfig, sup *supervisor.Supervisor, hub *realtime.Hub, readiness *api.Readiness) (*mqtt.Client, error) {
	password, err := cfg.MQTTPassword()
	if err != nil {
		return nil, err
	}
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "jardesigner-" + uuid.NewString()[:8]
	}
	optional := !cfg.MQTT.Required
	log := logging.Component("relay")

	var relay *mqtt.DataRelay
	client := mqtt.NewClient(mqtt.ClientOptions{
		URL:      cfg.MQTT.URL,
		ClientID: clientID,
		Username: cfg.MQTT.Username,
		Password: password,
		OnConnect: func() {
			relay.Reset()
			if err := relay.Subscribe(); err != nil {
				log.Warn().Err(err).Str("topic", relay.DataTopic()).Msg("subscribe failed")
			}
			readiness.SetMQTTState(true, optional)
			events.Emit("info", "relay.connected", "", map[string]interface{}{"topic": relay.DataTopic()})
		},
		OnConnectionLost: func(err error) {
			relay.Reset()
			readiness.SetMQTTState(false, optional)
			events.Emit("warn", "relay.disconnected", err.Error(), nil)
		},
	})
	relay = mqtt.NewDataRelay(client, cfg.MQTTTopicPrefix(), hub, func(pid int) (string, bool) {
		r, ok := sup.Lookup(pid)
		return r.ChannelID, ok
	})
	hub.SetCommandMirror(relay)

	readiness.SetMQTTState(false, optional)
	if !client.Start() && !optional {
		return nil, fmt.Errorf("mqtt broker %s unreachable", client.URL())
	}
	return client, nil
}

func printBanner(cfg *config.ServerConfig, area *staging.Area) {
	fmt.Printf("JARDesigner server %s\n", version.Version)
	fmt.Printf("  URL:      %s\n", cfg.BaseURL())
	fmt.Printf("  Data dir: %s\n", area.Base())
	fmt.Printf("  Press Ctrl+C to stop\n\n")
}
