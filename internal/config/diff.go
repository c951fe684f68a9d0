package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chaser/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. The postgres DSN is never logged.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oS, nS := oldCfg.Storage, newCfg.Storage
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.Bool("storage.dsn_set", strings.TrimSpace(nS.DSN) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.host", strings.TrimSpace(newCfg.Transport.Host)),
			logx.Int("transport.port", newCfg.Transport.Port),
			logx.String("transport.starttls", newCfg.Transport.StartTLS),
		)
	}

	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		changed = append(changed, "delivery")
		retries := -1
		if newCfg.Delivery.MaxRetries != nil {
			retries = *newCfg.Delivery.MaxRetries
		}
		attrs = append(attrs,
			logx.Int("delivery.max_retries", retries),
			logx.Int("delivery.batch_size", newCfg.Delivery.BatchSize),
			logx.Int("delivery.workers", newCfg.Delivery.Workers),
			logx.Bool("delivery.individual", newCfg.Delivery.Individual),
		)
	}

	if oldCfg.Ledger != newCfg.Ledger {
		changed = append(changed, "ledger")
		attrs = append(attrs, logx.String("ledger.dedup_window", newCfg.Ledger.DedupWindow))
	}
	if oldCfg.Selection != newCfg.Selection {
		changed = append(changed, "selection")
		attrs = append(attrs, logx.Int("selection.reminder_threshold_days", newCfg.Selection.ReminderThresholdDays))
	}
	if oldCfg.Escalation != newCfg.Escalation {
		changed = append(changed, "escalation")
		attrs = append(attrs, logx.Int("escalation.threshold", newCfg.Escalation.Threshold))
	}
	if oldCfg.Run != newCfg.Run {
		changed = append(changed, "run")
		attrs = append(attrs,
			logx.String("run.environment_gate", newCfg.Run.EnvironmentGate),
			logx.Bool("run.initial_notices", newCfg.Run.InitialNotices),
		)
	}
	if oldCfg.Message != newCfg.Message {
		changed = append(changed, "message")
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.schedule", newCfg.Scheduler.Schedule),
		)
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
	}
	if oldCfg.Telemetry != newCfg.Telemetry {
		changed = append(changed, "telemetry")
	}

	sort.Strings(changed)
	return changed, attrs
}
