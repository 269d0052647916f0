package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays TXOUTBOX_* environment variables onto cfg.
// Unparsable values are ignored.
func FromEnv(cfg *Config) {
	setString(&cfg.Database.Dialect, "TXOUTBOX_DB_DIALECT")
	setString(&cfg.Database.Driver, "TXOUTBOX_DB_DRIVER")
	setString(&cfg.Database.DSN, "TXOUTBOX_DB_DSN")
	setString(&cfg.Database.OutboxTable, "TXOUTBOX_OUTBOX_TABLE")
	setString(&cfg.Database.ProcessedTable, "TXOUTBOX_PROCESSED_TABLE")

	setString(&cfg.Broker.Kind, "TXOUTBOX_BROKER")
	if v := os.Getenv("TXOUTBOX_BROKER_URLS"); v != "" {
		cfg.Broker.URLs = nil
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.Broker.URLs = append(cfg.Broker.URLs, p)
			}
		}
	}
	setString(&cfg.Broker.Exchange, "TXOUTBOX_BROKER_EXCHANGE")
	setString(&cfg.Broker.Stream, "TXOUTBOX_BROKER_STREAM")
	setString(&cfg.Broker.Group, "TXOUTBOX_BROKER_GROUP")
	setString(&cfg.Broker.Destination, "TXOUTBOX_DESTINATION")
	setBool(&cfg.Broker.Breaker, "TXOUTBOX_BROKER_BREAKER")

	setDuration(&cfg.Dispatcher.Interval, "TXOUTBOX_INTERVAL")
	if v := os.Getenv("TXOUTBOX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.BatchSize = n
		}
	}
	if v := os.Getenv("TXOUTBOX_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Dispatcher.MaxAttempts = int32(n)
		}
	}
	setDuration(&cfg.Dispatcher.Lease, "TXOUTBOX_LEASE")
	setDuration(&cfg.Dispatcher.PublishTimeout, "TXOUTBOX_PUBLISH_TIMEOUT")
	setDuration(&cfg.Dispatcher.InitialDelay, "TXOUTBOX_INITIAL_DELAY")
	setDuration(&cfg.Dispatcher.MaxDelay, "TXOUTBOX_MAX_DELAY")
	setBool(&cfg.Dispatcher.Jitter, "TXOUTBOX_JITTER")
	setString(&cfg.Dispatcher.WorkerID, "TXOUTBOX_WORKER_ID")

	setString(&cfg.Log.Level, "TXOUTBOX_LOG_LEVEL")
	setString(&cfg.Log.Format, "TXOUTBOX_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
