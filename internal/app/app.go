// Package app wires configuration, storage and the engine components into a
// runnable process for the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"chaser/internal/config"
	"chaser/internal/delivery"
	"chaser/internal/engine"
	"chaser/internal/escalation"
	"chaser/internal/ledger"
	"chaser/internal/report"
	"chaser/internal/selector"
	"chaser/internal/storage"
	"chaser/internal/telemetry"
	logx "chaser/pkg/logx"
)

// Version is stamped by the build.
var Version = "dev"

// Options are the CLI-level inputs.
type Options struct {
	ConfigPath string
	// Environment overrides run.environment (and CHASER_ENV) when set.
	Environment string
	// RequireTransport fails New when the SMTP relay is not configured.
	RequireTransport bool
	// Dialer replaces the SMTP dialer (tests).
	Dialer delivery.Dialer
	// TraceWriter receives spans when telemetry.exporter is "stdout".
	TraceWriter io.Writer
}

type App struct {
	cfgm     *config.ConfigManager
	settings config.Settings

	logs *logx.Service
	log  logx.Logger

	store    storage.Store
	ledger   *ledger.Ledger
	selector *selector.Selector
	policy   *escalation.Policy
	delivery *delivery.Engine
	runner   *engine.Runner

	stopTracing telemetry.Shutdown
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(opts.ConfigPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	settings, err := config.Resolve(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid config %s:\n%w", opts.ConfigPath, err)
	}
	if env := strings.TrimSpace(opts.Environment); env != "" {
		settings.Run.Environment = env
	}
	if opts.RequireTransport {
		if err := settings.RequireTransport(); err != nil {
			return nil, err
		}
	}
	return build(ctx, cfgm, settings, opts)
}

func build(ctx context.Context, cfgm *config.ConfigManager, s config.Settings, opts Options) (*App, error) {
	logs, log := logx.New(s.Logging)
	cfgm.SetLogger(log.Component("config"))

	stopTracing, err := telemetry.Init(ctx, withTraceWriter(mapTelemetryConfig(s, Version), opts.TraceWriter))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	store, err := storage.Open(ctx, mapStorageConfig(s), log)
	if err != nil {
		_ = stopTracing(ctx)
		_ = logs.Close()
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = delivery.NewSMTPDialer(mapSMTPConfig(s))
	}

	led := ledger.New(store, s.DedupWindow, ledger.WithLogger(log.Component("ledger")))
	sel := selector.New(store, store, s.ReminderThreshold, s.DedupWindow, log.Component("selector"))
	pol := escalation.New(store, s.EscalationThreshold, escalation.WithLogger(log.Component("escalation")))
	eng := delivery.New(mapDeliveryConfig(s), dialer, delivery.WithLogger(log.Component("delivery")))
	runner := engine.New(mapEngineConfig(s), sel, eng, led, pol, engine.WithLogger(log))

	log.Info("chaser ready",
		logx.String("version", Version),
		logx.String("storage", s.Storage.Driver),
		logx.String("environment", s.Run.Environment),
		logx.Duration("dedup_window", s.DedupWindow),
		logx.Int("escalation_threshold", s.EscalationThreshold),
	)
	return &App{
		cfgm:        cfgm,
		settings:    s,
		logs:        logs,
		log:         log,
		store:       store,
		ledger:      led,
		selector:    sel,
		policy:      pol,
		delivery:    eng,
		runner:      runner,
		stopTracing: stopTracing,
	}, nil
}

func withTraceWriter(c telemetry.Config, w io.Writer) telemetry.Config {
	c.Writer = w
	return c
}

func (a *App) Settings() config.Settings { return a.settings }
func (a *App) Logger() logx.Logger       { return a.log }
func (a *App) Store() storage.Store      { return a.store }
func (a *App) Ledger() *ledger.Ledger    { return a.ledger }
func (a *App) Runner() *engine.Runner    { return a.runner }

// Report writes the xlsx report for the current state to w.
func (a *App) Report(ctx context.Context, w io.Writer) error {
	due, initial, err := a.runner.Preview(ctx, time.Now())
	if err != nil {
		return err
	}
	recs, err := a.ledger.Records(ctx)
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}
	r := report.Report{GeneratedAt: time.Now().UTC(), Due: due, Initial: initial, Records: recs}
	if last, ok := a.runner.LastRun(); ok {
		r.Summary = &last
	}
	return report.Write(w, r)
}

// Close flushes traces and releases the store and log sinks.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.stopTracing != nil {
		errs = append(errs, a.stopTracing(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
