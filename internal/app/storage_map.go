package app

import (
	"chaser/internal/config"
	"chaser/internal/delivery"
	"chaser/internal/engine"
	"chaser/internal/storage"
	"chaser/internal/telemetry"
)

func mapStorageConfig(s config.Settings) storage.Config {
	return storage.Config{
		Driver:      s.Storage.Driver,
		Path:        s.Storage.Path,
		DSN:         s.Storage.DSN,
		BusyTimeout: s.Storage.BusyTimeout,
		MaxConns:    s.Storage.MaxConns,
	}
}

func mapSMTPConfig(s config.Settings) delivery.SMTPConfig {
	return delivery.SMTPConfig{
		Host:               s.Transport.Host,
		Port:               s.Transport.Port,
		Timeout:            s.Transport.Timeout,
		HeloName:           s.Transport.HeloName,
		StartTLS:           s.Transport.StartTLS,
		InsecureSkipVerify: s.Transport.InsecureSkipVerify,
	}
}

func mapDeliveryConfig(s config.Settings) delivery.Config {
	return delivery.Config{
		From:        s.Transport.Sender,
		MaxRetries:  s.Delivery.MaxRetries,
		BackoffBase: s.Delivery.BackoffBase,
		BatchSize:   s.Delivery.BatchSize,
		Workers:     s.Delivery.Workers,
		RatePerSec:  s.Delivery.RatePerSec,
	}
}

func mapEngineConfig(s config.Settings) engine.Config {
	return engine.Config{
		Environment:     s.Run.Environment,
		EnvironmentGate: s.Run.EnvironmentGate,
		InitialNotices:  s.Run.InitialNotices,
		Timeout:         s.Run.Timeout,
		BatchSize:       s.Delivery.BatchSize,
		Individual:      s.Delivery.Individual,
		Workers:         s.Delivery.Workers,
		Templates: engine.Templates{
			InitialSubject: s.Message.InitialSubject,
			ChaseSubject:   s.Message.ChaseSubject,
			ManagerSubject: s.Message.ManagerSubject,
			ActionURL:      s.Message.ActionURL,
			Signature:      s.Message.Signature,
		},
	}
}

func mapTelemetryConfig(s config.Settings, version string) telemetry.Config {
	return telemetry.Config{
		Exporter:    s.Telemetry.Exporter,
		Endpoint:    s.Telemetry.Endpoint,
		Insecure:    s.Telemetry.Insecure,
		ServiceName: s.Telemetry.ServiceName,
		Version:     version,
	}
}
