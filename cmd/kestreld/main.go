// Command kestreld is the capture gateway daemon. It holds the BLE link to
// the wearable, reassembles the audio stream and relays it to the capture
// server, and serves the local status API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kestrelaudio/kestrel/internal/api"
	"github.com/kestrelaudio/kestrel/internal/ble"
	"github.com/kestrelaudio/kestrel/internal/bus"
	"github.com/kestrelaudio/kestrel/internal/capture"
	"github.com/kestrelaudio/kestrel/internal/central"
	"github.com/kestrelaudio/kestrel/internal/config"
	"github.com/kestrelaudio/kestrel/internal/observe"
	"github.com/kestrelaudio/kestrel/internal/store"
	"github.com/kestrelaudio/kestrel/internal/uplink"
)

const version = "0.3.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "kestrel.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kestreld: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kestreld: %v\n", err)
		}
		return 1
	}

	log, err := newLogger(cfg.Gateway.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestreld: %v\n", err)
		return 1
	}
	defer log.Sync() //nolint:errcheck

	log.Info("kestreld starting",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("listen_addr", cfg.Gateway.ListenAddr),
		zap.String("uplink", cfg.Uplink.BaseURL))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(observe.ProviderConfig{
		ServiceName:    "kestrel",
		ServiceVersion: version,
	})
	if err != nil {
		log.Error("init metrics provider", zap.Error(err))
		return 1
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutCtx); err != nil {
			log.Warn("metrics shutdown", zap.Error(err))
		}
	}()

	met, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		log.Error("create metrics", zap.Error(err))
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────
	db, err := store.Open(cfg.Gateway.DBPath)
	if err != nil {
		log.Error("open database", zap.Error(err))
		return 1
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		log.Error("migrate database", zap.Error(err))
		return 1
	}

	// ── Core components ───────────────────────────────────────────────────
	eb := bus.New()
	registry := capture.NewRegistry(db, log.Named("capture"))

	uploader := uplink.New(uplink.Config{
		BaseURL:    cfg.Uplink.BaseURL,
		Token:      cfg.Uplink.Token,
		DeviceType: cfg.Uplink.DeviceType,
	}, log.Named("uplink"), met)
	defer uploader.Close()

	transport := ble.NewAdapter(log.Named("ble"))
	if err := transport.Start(); err != nil {
		log.Error("start bluetooth adapter", zap.Error(err))
		return 1
	}

	controller := central.New(central.Config{
		ServiceUUID:             cfg.Device.ServiceUUID,
		AudioCharacteristicUUID: cfg.Device.AudioCharacteristicUUID,
	}, central.Deps{
		Transport: transport,
		Sink:      uploader,
		Captures:  registry,
		Bus:       eb,
		Log:       log.Named("central"),
		Metrics:   met,
	})

	loopDone := make(chan struct{})
	var loopErr error
	go func() {
		loopErr = controller.Run(ctx)
		close(loopDone)
	}()

	// ── HTTP API ──────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           api.NewRouter(controller, registry, eb, log.Named("api")),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpDone := make(chan error, 1)
	go func() { httpDone <- srv.ListenAndServe() }()

	log.Info("kestreld ready")

	select {
	case <-ctx.Done():
	case err := <-httpDone:
		log.Error("http server", zap.Error(err))
		stop()
	case <-loopDone:
		if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
			log.Error("controller loop", zap.Error(loopErr))
		}
		stop()
	}

	log.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}

	// Wait for the controller loop so its teardown (capture close, uplink
	// finish) runs before the uploader is closed.
	select {
	case <-loopDone:
	case <-time.After(10 * time.Second):
		log.Warn("controller loop did not exit in time")
	}

	log.Info("goodbye")
	return 0
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
