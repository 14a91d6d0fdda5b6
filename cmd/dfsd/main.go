package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/markus-lassfolk/dfsd/pkg"
	"github.com/markus-lassfolk/dfsd/pkg/ctrl"
	"github.com/markus-lassfolk/dfsd/pkg/driver"
	"github.com/markus-lassfolk/dfsd/pkg/journal"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
	"github.com/markus-lassfolk/dfsd/pkg/metrics"
	"github.com/markus-lassfolk/dfsd/pkg/mqtt"
	"github.com/markus-lassfolk/dfsd/pkg/pidfile"
	"github.com/markus-lassfolk/dfsd/pkg/telem"
	"github.com/markus-lassfolk/dfsd/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultPath, "Path to UCI configuration file")
	pidPath    = flag.String("pid-file", "", "Override PID file path")
	logLevel   = flag.String("log-level", "", "Override log level (debug|info|warn|error|trace)")
	version    = flag.Bool("version", false, "Show version information")
	cacScale   = flag.Float64("sim-cac-scale", 1, "Scale CAC durations of simulated radios")
	radarFreqs = flag.String("sim-radar", "", "Comma separated frequencies where simulated radios see radar")
)

const (
	AppName    = "dfsd"
	AppVersion = "1.0.0"

	eventRetention  = 24 * time.Hour
	journalMaxAge   = 30 * 24 * time.Hour
	refreshInterval = 10 * time.Second
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	effectiveLogLevel := cfg.Main.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)
	logger.SetFormat(cfg.Main.LogFormat)
	logger.Info("Starting DFS daemon", "version", AppVersion, "config", *configPath, "radios", len(cfg.Radios))

	if *pidPath != "" {
		cfg.Main.PIDFile = *pidPath
	}
	pidFile := pidfile.New(cfg.Main.PIDFile)
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "path", cfg.Main.PIDFile, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Warn("Failed to remove PID file", "error", err)
		}
	}()

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon stopped with error", "error", err)
		// os.Exit skips the deferred removal.
		if err := pidFile.Remove(); err != nil {
			logger.Warn("Failed to remove PID file", "error", err)
		}
		os.Exit(1)
	}
	logger.Info("Graceful shutdown completed")
}

func run(cfg *uci.Config, logger *logx.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	store, err := telem.NewStore(cfg.Main.EventBuffer, eventRetention)
	if err != nil {
		return fmt.Errorf("failed to create event store: %w", err)
	}
	defer store.Close()
	sinks := pkg.NewMultiSink(store)

	var jrnl journal.Journal
	if cfg.Main.JournalBackend != "none" {
		jrnl, err = journal.Open(cfg.Main.JournalBackend, cfg.Main.JournalPath)
		if err != nil {
			return fmt.Errorf("failed to open event journal: %w", err)
		}
		defer jrnl.Close()
		jsink := journal.NewSink(jrnl, cfg.Main.EventBuffer, logger.With("component", "journal"))
		sinks.Add(jsink)
		g.Go(func() error { return jsink.Run(ctx) })
		logger.Info("Event journal opened", "backend", cfg.Main.JournalBackend, "path", cfg.Main.JournalPath)
	}

	mqttClient := mqtt.NewClient(&mqtt.Config{
		Enabled:     cfg.MQTT.Enabled,
		Broker:      cfg.MQTT.Broker,
		Port:        cfg.MQTT.Port,
		ClientID:    cfg.MQTT.ClientID,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		QoS:         cfg.MQTT.QoS,
		Retain:      cfg.MQTT.Retain,
		QueueSize:   256,
		RateLimit:   10,
	}, logger.With("component", "mqtt"))
	if cfg.MQTT.Enabled {
		if err := mqttClient.Connect(); err != nil {
			logger.Warn("Failed to connect MQTT client", "error", err)
		}
		sinks.Add(mqttClient)
		g.Go(func() error { return mqttClient.Run(ctx) })
	}

	collector, err := metrics.NewCollector(nil)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	sinks.Add(collector)

	sim, err := simConfig()
	if err != nil {
		return err
	}

	server := ctrl.NewServer(cfg.Main.CtrlSocket, store, logger.With("component", "ctrl"))
	radios := make(map[string]*radio, len(cfg.Radios))
	for _, rc := range cfg.Radios {
		rc := rc
		r, err := newRadio(rc, sinks, sim, logger.With("component", "dfs"))
		if err != nil {
			return err
		}
		radios[rc.Name] = r
		server.Register(r.iface)
		g.Go(func() error { return ignoreCanceled(r.iface.Loop().Run(ctx)) })
		g.Go(func() error {
			if err := r.monitor(ctx); err != nil {
				logger.Error("Driver event monitor stopped", "radio", rc.Name, "error", err)
			}
			return nil
		})
	}
	if len(radios) == 0 {
		logger.Warn("No radios configured")
	}

	g.Go(func() error { return server.Serve(ctx) })

	if cfg.Main.MetricsListener {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Main.MetricsPort),
			Handler:           metricsMux(collector),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Metrics listener started", "port", cfg.Main.MetricsPort)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			for _, r := range radios {
				collector.Refresh(r.iface.Name(), r.iface.Status().State, r.table.Channels())
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	if jrnl != nil {
		g.Go(func() error { return pruneJournal(ctx, jrnl, logger) })
	}

	for name, r := range radios {
		if err := r.iface.Start(); err != nil {
			logger.Error("Failed to start interface", "radio", name, "error", err)
			cancel()
			break
		}
	}

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

wait:
	for {
		select {
		case <-ctx.Done():
			break wait
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				reload(radios, logger)
				continue
			}
			logger.Info("Received shutdown signal", "signal", sig)
			break wait
		}
	}

	stopped := make(chan struct{}, len(radios))
	for _, r := range radios {
		r.iface.Stop()
		r.iface.Loop().Post(func() { stopped <- struct{}{} })
	}
	timeout := time.After(2 * time.Second)
drain:
	for range radios {
		select {
		case <-stopped:
		case <-timeout:
			logger.Warn("Interfaces did not stop in time")
			break drain
		}
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		logger.Warn("Shutdown timeout exceeded")
		return nil
	}
}

// reload rereads the configuration and applies regulatory changes to the
// running radios. Other changes need a restart.
func reload(radios map[string]*radio, logger *logx.Logger) {
	cfg, err := uci.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Failed to reload configuration", "error", err)
		return
	}
	for _, rc := range cfg.Radios {
		r, ok := radios[rc.Name]
		if !ok {
			logger.Warn("New radio in configuration ignored until restart", "radio", rc.Name)
			continue
		}
		applied, err := r.reloadRegulatory(rc)
		if err != nil {
			logger.Error("Failed to apply regulatory change", "radio", rc.Name, "error", err)
			continue
		}
		if applied {
			logger.Info("Regulatory domain reloaded", "radio", rc.Name, "country", rc.Country)
		}
	}
}

func pruneJournal(ctx context.Context, j journal.Journal, logger *logx.Logger) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := j.Prune(time.Now().Add(-journalMaxAge))
			if err != nil {
				logger.Warn("Failed to prune event journal", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("Pruned event journal", "removed", n)
			}
		}
	}
}

func metricsMux(c *metrics.Collector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

func simConfig() (driver.SimConfig, error) {
	sim := driver.SimConfig{CACScale: *cacScale}
	if *radarFreqs == "" {
		return sim, nil
	}
	for _, tok := range strings.Split(*radarFreqs, ",") {
		f, err := strconv.Atoi(strings.TrimSpace(tok))
		if err != nil {
			return sim, fmt.Errorf("invalid -sim-radar frequency %q", tok)
		}
		sim.RadarFreqs = append(sim.RadarFreqs, f)
	}
	return sim, nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
