package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Duration is a time.Duration read from JSON as a string such as "5s".
type Duration time.Duration

// UnmarshalJSON accepts Go duration strings and plain nanosecond numbers.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("invalid duration %s", b)
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config is the top-level configuration of the txoutbox command.
type Config struct {
	Database   Database   `json:"database"`
	Broker     Broker     `json:"broker"`
	Dispatcher Dispatcher `json:"dispatcher"`
	Log        Log        `json:"log"`
}

// Database selects the SQL dialect, driver and tables.
type Database struct {
	Dialect        string `json:"dialect"`
	Driver         string `json:"driver"`
	DSN            string `json:"dsn"`
	OutboxTable    string `json:"outboxTable"`
	ProcessedTable string `json:"processedTable"`
}

// Broker selects where messages are published.
type Broker struct {
	Kind        string   `json:"kind"`
	URLs        []string `json:"urls"`
	Exchange    string   `json:"exchange"`
	Stream      string   `json:"stream"`
	Group       string   `json:"group"`
	Destination string   `json:"destination"`
	Breaker     bool     `json:"breaker"`
}

// Dispatcher tunes the background publisher.
type Dispatcher struct {
	Interval       Duration `json:"interval"`
	BatchSize      int      `json:"batchSize"`
	MaxAttempts    int32    `json:"maxAttempts"`
	Lease          Duration `json:"lease"`
	PublishTimeout Duration `json:"publishTimeout"`
	InitialDelay   Duration `json:"initialDelay"`
	MaxDelay       Duration `json:"maxDelay"`
	Jitter         bool     `json:"jitter"`
	WorkerID       string   `json:"workerId"`
}

// Log configures the zap logger.
type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Supported broker kinds.
const (
	BrokerMemory   = "memory"
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
	BrokerNATS     = "nats"
)

// Default returns built-in defaults: a local SQLite database and the in-process broker.
func Default() Config {
	return Config{
		Database: Database{
			Dialect:        "sqlite",
			DSN:            "file:txoutbox.db?_busy_timeout=5000",
			OutboxTable:    "outbox",
			ProcessedTable: "processed_messages",
		},
		Broker: Broker{
			Kind:        BrokerMemory,
			Stream:      "OUTBOX",
			Group:       "txoutbox",
			Destination: "mydata",
		},
		Dispatcher: Dispatcher{
			Interval:       Duration(time.Second),
			BatchSize:      100,
			MaxAttempts:    10,
			Lease:          Duration(30 * time.Second),
			PublishTimeout: Duration(5 * time.Second),
			InitialDelay:   Duration(200 * time.Millisecond),
			MaxDelay:       Duration(time.Hour),
			Jitter:         true,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a JSON file on top of the defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Database.Dialect {
	case "postgres", "mysql", "mariadb", "sqlite", "oracle", "sqlserver":
	default:
		errs = append(errs, fmt.Errorf("unsupported database dialect %q", c.Database.Dialect))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}

	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerKafka, BrokerRabbitMQ, BrokerNATS:
		if len(c.Broker.URLs) == 0 {
			errs = append(errs, fmt.Errorf("broker %s needs at least one url", c.Broker.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported broker %q", c.Broker.Kind))
	}
	if c.Broker.Destination == "" {
		errs = append(errs, errors.New("broker destination is required"))
	}

	if c.Dispatcher.Interval <= 0 {
		errs = append(errs, errors.New("dispatcher interval must be positive"))
	}
	if c.Dispatcher.BatchSize <= 0 {
		errs = append(errs, errors.New("dispatcher batch size must be positive"))
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		errs = append(errs, errors.New("dispatcher max attempts must be positive"))
	}
	if c.Dispatcher.Lease <= c.Dispatcher.PublishTimeout {
		errs = append(errs, errors.New("dispatcher lease must exceed the publish timeout"))
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}

	return errors.Join(errs...)
}
