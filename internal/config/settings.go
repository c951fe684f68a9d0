package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"strings"
	"time"

	logx "chaser/pkg/logx"
)

// EnvVar overrides run.environment.
const EnvVar = "CHASER_ENV"

const (
	defaultPort           = 25
	defaultTimeout        = 30 * time.Second
	defaultMaxRetries     = 3
	maxMaxRetries         = 16
	defaultBackoffBase    = 2 * time.Second
	defaultBatchSize      = 100
	defaultDedupWindow    = 24 * time.Hour
	defaultThresholdDays  = 7
	defaultEscalation     = 2
	defaultSchedule       = "0 9 * * 1"
	defaultHTTPAddr       = "127.0.0.1:8089"
	defaultServiceName    = "chaser"
	defaultInitialSubject = "Action required: files you own need review"
	defaultChaseSubject   = "Reminder: files you own still need review"
	defaultManagerSubject = "Escalation: unresolved file ownership review"
	defaultStorageDriver  = "sqlite"
	defaultStoragePath    = "./data/chaser.db"
	defaultBusyTimeout    = 5 * time.Second
)

// Settings are the validated, defaulted values handed to components.
type Settings struct {
	Logging logx.Config

	Storage struct {
		Driver      string
		Path        string
		DSN         string
		BusyTimeout time.Duration
		MaxConns    int32
	}

	Transport struct {
		Host               string
		Port               int
		Timeout            time.Duration
		Sender             string
		HeloName           string
		StartTLS           string
		InsecureSkipVerify bool
	}

	Delivery struct {
		MaxRetries  int
		BackoffBase time.Duration
		BatchSize   int
		Individual  bool
		Workers     int
		RatePerSec  float64
	}

	DedupWindow         time.Duration
	ReminderThreshold   time.Duration
	EscalationThreshold int

	Run struct {
		Environment     string
		EnvironmentGate string
		InitialNotices  bool
		Timeout         time.Duration
	}

	Message struct {
		InitialSubject string
		ChaseSubject   string
		ManagerSubject string
		ActionURL      string
		Signature      string
	}

	Scheduler struct {
		Enabled  bool
		Schedule string
		Location *time.Location
	}

	HTTP struct {
		Enabled bool
		Addr    string
	}

	Telemetry struct {
		Exporter    string
		Endpoint    string
		Insecure    bool
		ServiceName string
	}
}

// Resolve validates cfg and applies defaults. All problems are reported at
// once.
func Resolve(cfg *Config) (Settings, error) {
	var (
		s    Settings
		errs []error
	)
	if cfg == nil {
		cfg = &Config{}
	}
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := parseDuration(path, raw, def)
		check(err)
		return d
	}

	// Logging
	if !logx.ValidLevel(cfg.Logging.Level) {
		check(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	s.Logging = logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: strings.TrimSpace(cfg.Logging.File.Path)},
	}

	// Storage
	s.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if s.Storage.Driver == "" {
		s.Storage.Driver = defaultStorageDriver
	}
	s.Storage.Path = strings.TrimSpace(cfg.Storage.Path)
	s.Storage.DSN = strings.TrimSpace(cfg.Storage.DSN)
	s.Storage.BusyTimeout = dur("storage.busy_timeout", cfg.Storage.BusyTimeout, defaultBusyTimeout)
	if cfg.Storage.MaxConns < 0 {
		check(errors.New("storage.max_conns must be >= 0"))
	}
	s.Storage.MaxConns = int32(cfg.Storage.MaxConns)
	switch s.Storage.Driver {
	case "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if s.Storage.Path == "" {
			s.Storage.Path = defaultStoragePath
		}
	case "postgres", "postgresql", "pg":
		if s.Storage.DSN == "" {
			check(errors.New("storage.dsn is required for postgres"))
		}
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", s.Storage.Driver))
	}

	// Transport
	s.Transport.Host = strings.TrimSpace(cfg.Transport.Host)
	s.Transport.Port = cfg.Transport.Port
	if s.Transport.Port == 0 {
		s.Transport.Port = defaultPort
	}
	if s.Transport.Port < 0 || s.Transport.Port > 65535 {
		check(fmt.Errorf("transport.port: out of range: %d", cfg.Transport.Port))
	}
	s.Transport.Timeout = dur("transport.timeout", cfg.Transport.Timeout, defaultTimeout)
	s.Transport.Sender = strings.TrimSpace(cfg.Transport.Sender)
	if s.Transport.Sender != "" {
		if _, err := mail.ParseAddress(s.Transport.Sender); err != nil {
			check(fmt.Errorf("transport.sender: %w", err))
		}
	}
	s.Transport.HeloName = strings.TrimSpace(cfg.Transport.HeloName)
	s.Transport.StartTLS = strings.ToLower(strings.TrimSpace(cfg.Transport.StartTLS))
	switch s.Transport.StartTLS {
	case "":
		s.Transport.StartTLS = "opportunistic"
	case "opportunistic", "required", "disabled":
	default:
		check(fmt.Errorf("transport.starttls: unknown mode %q", cfg.Transport.StartTLS))
	}
	s.Transport.InsecureSkipVerify = cfg.Transport.InsecureSkipVerify

	// Delivery
	s.Delivery.MaxRetries = defaultMaxRetries
	if cfg.Delivery.MaxRetries != nil {
		s.Delivery.MaxRetries = *cfg.Delivery.MaxRetries
		if s.Delivery.MaxRetries < 0 || s.Delivery.MaxRetries > maxMaxRetries {
			check(fmt.Errorf("delivery.max_retries must be between 0 and %d", maxMaxRetries))
		}
	}
	s.Delivery.BackoffBase = dur("delivery.backoff_base", cfg.Delivery.BackoffBase, defaultBackoffBase)
	s.Delivery.BatchSize = cfg.Delivery.BatchSize
	if s.Delivery.BatchSize == 0 {
		s.Delivery.BatchSize = defaultBatchSize
	}
	if s.Delivery.BatchSize < 0 {
		check(errors.New("delivery.batch_size must be >= 0"))
	}
	s.Delivery.Individual = cfg.Delivery.Individual
	s.Delivery.Workers = cfg.Delivery.Workers
	if s.Delivery.Workers <= 0 {
		s.Delivery.Workers = 1
	}
	if cfg.Delivery.RatePerSec < 0 {
		check(errors.New("delivery.rate_per_sec must be >= 0"))
	}
	s.Delivery.RatePerSec = cfg.Delivery.RatePerSec

	// Ledger / selection / escalation
	s.DedupWindow = dur("ledger.dedup_window", cfg.Ledger.DedupWindow, defaultDedupWindow)
	days := cfg.Selection.ReminderThresholdDays
	if days == 0 {
		days = defaultThresholdDays
	}
	if days < 0 {
		check(errors.New("selection.reminder_threshold_days must be >= 0"))
	}
	s.ReminderThreshold = time.Duration(days) * 24 * time.Hour
	s.EscalationThreshold = cfg.Escalation.Threshold
	if s.EscalationThreshold == 0 {
		s.EscalationThreshold = defaultEscalation
	}
	if s.EscalationThreshold < 0 {
		check(errors.New("escalation.threshold must be >= 0"))
	}

	// Run
	s.Run.Environment = strings.TrimSpace(cfg.Run.Environment)
	if env := strings.TrimSpace(os.Getenv(EnvVar)); env != "" {
		s.Run.Environment = env
	}
	s.Run.EnvironmentGate = strings.TrimSpace(cfg.Run.EnvironmentGate)
	s.Run.InitialNotices = cfg.Run.InitialNotices
	s.Run.Timeout = dur("run.timeout", cfg.Run.Timeout, 0)

	// Message
	s.Message.InitialSubject = orDefault(cfg.Message.InitialSubject, defaultInitialSubject)
	s.Message.ChaseSubject = orDefault(cfg.Message.ChaseSubject, defaultChaseSubject)
	s.Message.ManagerSubject = orDefault(cfg.Message.ManagerSubject, defaultManagerSubject)
	s.Message.ActionURL = strings.TrimSpace(cfg.Message.ActionURL)
	s.Message.Signature = strings.TrimSpace(cfg.Message.Signature)

	// Scheduler
	s.Scheduler.Enabled = cfg.Scheduler.Enabled
	s.Scheduler.Schedule = orDefault(cfg.Scheduler.Schedule, defaultSchedule)
	s.Scheduler.Location = time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			check(fmt.Errorf("scheduler.timezone: %w", err))
		} else {
			s.Scheduler.Location = loc
		}
	}

	// HTTP
	s.HTTP.Enabled = cfg.HTTP.Enabled
	s.HTTP.Addr = orDefault(cfg.HTTP.Addr, defaultHTTPAddr)

	// Telemetry
	s.Telemetry.Exporter = strings.ToLower(strings.TrimSpace(cfg.Telemetry.Exporter))
	switch s.Telemetry.Exporter {
	case "":
		s.Telemetry.Exporter = "none"
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
			check(errors.New("telemetry.endpoint is required for otlp"))
		}
	default:
		check(fmt.Errorf("telemetry.exporter: unknown exporter %q", cfg.Telemetry.Exporter))
	}
	s.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
	s.Telemetry.Insecure = cfg.Telemetry.Insecure
	s.Telemetry.ServiceName = orDefault(cfg.Telemetry.ServiceName, defaultServiceName)

	return s, errors.Join(errs...)
}

// RequireTransport reports the settings a sending command needs.
func (s Settings) RequireTransport() error {
	var errs []error
	if s.Transport.Host == "" {
		errs = append(errs, errors.New("transport.host is required"))
	}
	if s.Transport.Sender == "" {
		errs = append(errs, errors.New("transport.sender is required"))
	}
	return errors.Join(errs...)
}

// parseDuration parses a Go duration string. Empty or zero yields def;
// negative values are rejected.
func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
