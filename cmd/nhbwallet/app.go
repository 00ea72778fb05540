package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"nhbwallet/backend"
	"nhbwallet/cmd/internal/passphrase"
	"nhbwallet/config"
	"nhbwallet/controller"
	"nhbwallet/core/types"
	"nhbwallet/crypto"
	"nhbwallet/observability"
	"nhbwallet/observability/logging"
	telemetry "nhbwallet/observability/otel"
	"nhbwallet/storage"
)

const serviceName = "nhbwallet"

// app is the wiring shared by every command: configuration, logging,
// telemetry, the node client, the submission journal and the controller.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	client     *backend.Client
	journal    *storage.Journal
	controller *controller.Controller

	pin      *passphrase.Source
	password *passphrase.Source

	closers []func() error
}

func openApp(ctx context.Context, opts globalOptions, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if node := strings.TrimSpace(opts.node); node != "" {
		cfg.Backend.Address = node
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	logOpts := logging.Options{
		Service:    serviceName,
		Env:        cfg.Logging.Env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	}
	if strings.TrimSpace(cfg.Logging.File) == "" {
		logOpts.Writer = stderr
	}
	logger, logCloser, err := logging.Setup(logOpts)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	a.logger = logger
	a.closers = append(a.closers, logCloser.Close)

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Logging.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return nil, fmt.Errorf("configure telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	metrics := observability.WalletMetrics()
	if listen := strings.TrimSpace(cfg.Telemetry.MetricsListen); listen != "" {
		stop, err := startMetricsServer(listen, logger)
		if err != nil {
			return nil, fmt.Errorf("start metrics server: %w", err)
		}
		a.closers = append(a.closers, stop)
	}

	a.client, err = backend.New(backend.Config{
		Address:           cfg.Backend.Address,
		UseHTTPSForPost:   cfg.Backend.UseHTTPSForPost,
		EnableDebug:       cfg.Backend.EnableDebug,
		Timeout:           cfg.Backend.Timeout(),
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Burst:             cfg.Backend.Burst,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("node client: %w", err)
	}

	db, err := openJournalDB(cfg.Journal)
	if err != nil {
		return nil, err
	}
	a.journal = storage.NewJournal(db)
	a.closers = append(a.closers, a.journal.Close)

	a.controller, err = controller.New(controller.Config{
		Backend:           a.client,
		BackendName:       a.client.Address(),
		PollBudget:        cfg.Reconcile.PollBudget,
		PollInterval:      cfg.Reconcile.PollInterval(),
		DefaultValidUntil: types.BySlotShift(cfg.Wallet.ValidSlots),
		FailFast:          cfg.Reconcile.FailFast,
		Journal:           a.journal,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	a.pin = passphrase.NewSource(cfg.Wallet.PINEnv, "Enter QR PIN", passphrase.WithCheck(func(pin string) error {
		_, err := crypto.PINBytes(pin)
		return err
	}))
	a.password = passphrase.NewSource(cfg.Wallet.PasswordEnv, "Enter mnemonic password (empty for none)", passphrase.AllowEmpty())

	ok = true
	return a, nil
}

func openJournalDB(cfg config.JournalConfig) (storage.Database, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return storage.NewMemDB(), nil
	}
	var (
		db  storage.Database
		err error
	)
	switch cfg.Engine {
	case config.JournalBolt:
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		db, err = storage.NewBoltDB(path, nil)
	default:
		db, err = storage.NewLevelDB(path)
	}
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return db, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
