package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oagudo/txoutbox/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type globalOptions struct {
	configPath string
	dialect    string
	dsn        string
	broker     string
	brokerURLs []string
	dest       string
	breaker    bool
	logLevel   string
	logFormat  string

	cfg    config.Config
	logger *zap.Logger
}

// Execute runs the txoutbox command until it finishes or the process is interrupted.
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "txoutbox",
		Short:         "Transactional outbox dispatcher and consumer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", os.Getenv("TXOUTBOX_CONFIG"), "Path to a JSON config file")
	f.StringVar(&opts.dialect, "dialect", "", "SQL dialect: postgres|mysql|mariadb|sqlite|oracle|sqlserver")
	f.StringVar(&opts.dsn, "dsn", "", "Database connection string")
	f.StringVar(&opts.broker, "broker", "", "Broker: memory|kafka|rabbitmq|nats")
	f.StringSliceVar(&opts.brokerURLs, "broker-url", nil, "Broker address, repeatable")
	f.StringVar(&opts.dest, "destination", "", "Destination of demo messages (topic, queue or subject)")
	f.BoolVar(&opts.breaker, "breaker", false, "Wrap the publisher in a circuit breaker")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error")
	f.StringVar(&opts.logFormat, "log-format", "", "Log format: json|console")

	root.AddCommand(
		newRunCommand(opts),
		newCreateCommand(opts),
		newDispatchCommand(opts),
		newFailedCommand(opts),
		newPurgeCommand(opts),
		newSchemaCommand(opts),
	)

	return root
}

// load resolves the configuration: file, then environment, then flags.
func (o *globalOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	config.FromEnv(&cfg)

	flags := cmd.Flags()
	if flags.Changed("dialect") {
		cfg.Database.Dialect = o.dialect
	}
	if flags.Changed("dsn") {
		cfg.Database.DSN = o.dsn
	}
	if flags.Changed("broker") {
		cfg.Broker.Kind = o.broker
	}
	if flags.Changed("broker-url") {
		cfg.Broker.URLs = o.brokerURLs
	}
	if flags.Changed("destination") {
		cfg.Broker.Destination = o.dest
	}
	if flags.Changed("breaker") {
		cfg.Broker.Breaker = o.breaker
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = o.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := NewLogger(cfg.Log)
	if err != nil {
		return err
	}

	o.cfg = cfg
	o.logger = logger
	return nil
}

func (o *globalOptions) open(cmd *cobra.Command, withTransport bool) (*app, error) {
	return newApp(cmd.Context(), o.cfg, o.logger, withTransport)
}
