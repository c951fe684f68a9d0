package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "24h").
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Transport  TransportConfig  `json:"transport"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Ledger     LedgerConfig     `json:"ledger"`
	Selection  SelectionConfig  `json:"selection"`
	Escalation EscalationConfig `json:"escalation"`
	Run        RunConfig        `json:"run"`
	Message    MessageConfig    `json:"message,omitempty"`
	Scheduler  SchedulerConfig  `json:"scheduler,omitempty"`
	HTTP       HTTPConfig       `json:"http,omitempty"`
	Telemetry  TelemetryConfig  `json:"telemetry,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the ledger backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/chaser.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres (never logged)
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}

// TransportConfig describes the SMTP relay.
//
// Defaults:
//   - port: 25
//   - timeout: "30s"
//   - starttls: "opportunistic" (or "required", "disabled")
type TransportConfig struct {
	Host               string `json:"host"`
	Port               int    `json:"port,omitempty"`
	Timeout            string `json:"timeout,omitempty"`
	Sender             string `json:"sender"`
	HeloName           string `json:"helo_name,omitempty"`
	StartTLS           string `json:"starttls,omitempty"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify,omitempty"`
}

// DeliveryConfig controls SendBulk.
//
// MaxRetries is a pointer so an explicit 0 (no retries) differs from
// "omitted" (default 3).
type DeliveryConfig struct {
	MaxRetries  *int    `json:"max_retries,omitempty"`
	BackoffBase string  `json:"backoff_base,omitempty"` // default "2s"
	BatchSize   int     `json:"batch_size,omitempty"`   // default 100
	Individual  bool    `json:"individual,omitempty"`
	Workers     int     `json:"workers,omitempty"`      // default 1
	RatePerSec  float64 `json:"rate_per_sec,omitempty"` // 0 = unlimited
}

type LedgerConfig struct {
	DedupWindow string `json:"dedup_window,omitempty"` // default "24h"
}

type SelectionConfig struct {
	ReminderThresholdDays int `json:"reminder_threshold_days,omitempty"` // default 7
}

type EscalationConfig struct {
	Threshold int `json:"threshold,omitempty"` // default 2
}

// RunConfig gates execution.
//
// When environment_gate is set, runs are skipped unless environment matches
// it (case-insensitive). The CHASER_ENV variable overrides environment.
type RunConfig struct {
	Environment     string `json:"environment,omitempty"`
	EnvironmentGate string `json:"environment_gate,omitempty"`
	InitialNotices  bool   `json:"initial_notices,omitempty"`
	Timeout         string `json:"timeout,omitempty"` // per-run bound; "0s" disables
}

// MessageConfig is the fixed plain-text composer's wording.
type MessageConfig struct {
	InitialSubject string `json:"initial_subject,omitempty"`
	ChaseSubject   string `json:"chase_subject,omitempty"`
	ManagerSubject string `json:"manager_subject,omitempty"`
	ActionURL      string `json:"action_url,omitempty"`
	Signature      string `json:"signature,omitempty"`
}

// SchedulerConfig controls "serve".
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron expression or duration, default "0 9 * * 1"
	Timezone string `json:"timezone,omitempty"`
}

// HTTPConfig controls the ops API started by "serve".
//
// Prefer binding to localhost; the API has no authentication.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8089"
}

// TelemetryConfig controls tracing.
//
// Exporter values: "none" (default), "stdout", "otlp".
type TelemetryConfig struct {
	Exporter    string `json:"exporter,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // otlp host:port
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}
