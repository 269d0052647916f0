package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCommand(opts *globalOptions) *cobra.Command {
	var noConsumer bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dispatcher and the consumer until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := opts.open(cmd, true)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			if err := a.ensureSchema(ctx); err != nil {
				return err
			}

			a.dispatcher.Start()
			drained := make(chan struct{})
			go func() {
				defer close(drained)
				a.drainErrors()
			}()

			var subErr error
			if noConsumer {
				<-ctx.Done()
			} else {
				a.logger.Info("consuming", zap.String("destination", a.cfg.Broker.Destination))
				subErr = a.transport.subscribe(ctx, a.consumer.Deliver)
			}

			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := a.dispatcher.Stop(stopCtx); err != nil {
				a.logger.Warn("dispatcher did not stop in time", zap.Error(err))
			}
			<-drained

			if subErr != nil && !errors.Is(subErr, context.Canceled) {
				return subErr
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noConsumer, "no-consumer", false, "Only dispatch, do not consume")

	return cmd
}

func newCreateCommand(opts *globalOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create pending MyData records together with their update messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			if err := a.ensureSchema(ctx); err != nil {
				return err
			}

			for range count {
				d, err := a.service.Create(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created mydata %d (%s)\n", d.ID, d.Status)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of records to create")

	return cmd
}

func newDispatchCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run a single dispatch cycle",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd, true)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			n, err := a.dispatcher.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dispatched %d message(s)\n", n)
			return nil
		},
	}
}

func newFailedCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Inspect and requeue dead-lettered messages",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List failed messages, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			msgs, err := a.store.ListFailed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range msgs {
				fmt.Fprintf(out, "%s\t%s\t%s\tattempts=%d\t%s\n",
					m.ID, m.Destination, m.Type, m.TimesAttempted, m.LastError)
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "Maximum number of messages to list")

	requeue := &cobra.Command{
		Use:   "requeue <message-id>...",
		Short: "Give failed messages a fresh retry budget",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("invalid message id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}

			a, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			for _, id := range ids {
				if err := a.store.Requeue(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
			}
			return nil
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}

func newPurgeCommand(opts *globalOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dispatched messages older than a retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			n, err := a.store.PurgeDispatched(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d message(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Retention period of dispatched messages")

	return cmd
}

func newSchemaCommand(opts *globalOptions) *cobra.Command {
	var printOnly bool

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Create the outbox tables, or print their DDL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd, false)
			if err != nil {
				return err
			}
			defer func() {
				_ = a.Close()
			}()

			if printOnly {
				for _, stmt := range a.dbCtx.SchemaStatements() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s;\n", stmt)
				}
				return nil
			}

			if err := a.ensureSchema(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema ready")
			return nil
		},
	}
	cmd.Flags().BoolVar(&printOnly, "print", false, "Print the DDL instead of executing it")

	return cmd
}
