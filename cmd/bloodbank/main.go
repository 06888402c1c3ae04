// Command bloodbank runs the bloodbank HTTP service and answers correlation
// queries from the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/bloodbank/pkg/bloodbank"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/config"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/correlation"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/debugapi"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/identity"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/observability"
)

var (
	configPath string
	sqlitePath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bloodbank",
		Short: "Event publisher with correlation tracking",
		Long: `bloodbank publishes enveloped events to a RabbitMQ topic exchange and
records which events caused which, so causal chains can be inspected later.

Settings come from --config (YAML or JSON) overlaid by environment
variables such as RABBIT_URL, REDIS_HOST and ENABLE_CORRELATION_TRACKING.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (.yaml or .json)")
	rootCmd.PersistentFlags().StringVar(&sqlitePath, "sqlite", "", "use a SQLite correlation store at this path instead of Redis")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(idCmd())
	rootCmd.AddCommand(chainCmd())
	rootCmd.AddCommand(dumpCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadSettings() (config.Settings, error) {
	cfg := config.New(nil)
	if configPath != "" {
		var err error
		cfg, err = config.FromFile(configPath)
		if err != nil {
			return config.Settings{}, err
		}
	}
	return config.LoadSettings(cfg, os.LookupEnv), nil
}

func newLogger(s config.Settings) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})).With(
		slog.String("service", s.ServiceName),
		slog.String("environment", s.Environment),
	)
}

// openStore returns the correlation store selected by flags and settings.
func openStore(s config.Settings) (correlation.Store, error) {
	if sqlitePath != "" {
		return correlation.NewSQLiteStore(sqlitePath)
	}
	return correlation.DialRedis(correlation.RedisConfig{
		Addr:        s.RedisAddr(),
		Password:    s.RedisPassword,
		DB:          s.RedisDB,
		DialTimeout: correlation.DefaultConnectTimeout,
	}), nil
}

// startPublisher builds and starts the publisher for serve. A publisher that
// fails to start is closed so a store passed in opts is not leaked.
func startPublisher(ctx context.Context, s config.Settings, opts ...bloodbank.Option) (*bloodbank.Publisher, error) {
	pub := bloodbank.New(bloodbank.ConfigFromSettings(s), opts...)
	if err := pub.Start(ctx); err != nil {
		_ = pub.Close()
		return nil, err
	}
	return pub, nil
}

// serveCmd runs the publisher behind the HTTP API.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (publish, health, correlation debugging)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}
			logger := newLogger(s)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := []bloodbank.Option{
				bloodbank.WithLogger(logger),
				bloodbank.WithMetrics(observability.NewMetricsRecorder()),
				bloodbank.WithSpanManager(observability.NewSpanManager()),
			}
			if s.EnableCorrelationTracking && sqlitePath != "" {
				store, err := openStore(s)
				if err != nil {
					return err
				}
				opts = append(opts, bloodbank.WithCorrelationStore(store))
			}

			pub, err := startPublisher(ctx, s, opts...)
			if err != nil {
				return err
			}
			defer func() {
				if err := pub.Close(); err != nil {
					logger.Warn("closing publisher", slog.String("error", err.Error()))
				}
			}()

			srv := debugapi.New(pub, debugapi.Config{
				Addr:    s.HTTPAddr(),
				Service: s.ServiceName,
				Logger:  logger,
			})
			return srv.Run(ctx)
		},
	}
}

// idCmd prints a deterministic event id.
func idCmd() *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "id <event-type> <unique-key>",
		Short: "Print the deterministic event id for an event type and key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if namespace == "" {
				s, err := loadSettings()
				if err != nil {
					return err
				}
				namespace = s.Namespace
			}
			id, err := identity.Generate(args[0], args[1], namespace)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "id namespace (default from settings)")
	return cmd
}

// withTracker runs fn against a started tracker over the configured store.
func withTracker(ctx context.Context, fn func(*correlation.Tracker) error) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	store, err := openStore(s)
	if err != nil {
		return err
	}

	t := correlation.New(store, correlation.Config{TTL: s.CorrelationTTL, Logger: newLogger(s)})
	defer t.Close()

	t.Start(ctx)
	if !t.Started() {
		return errors.New("correlation store unavailable")
	}
	return fn(t)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// chainCmd prints the ancestors or descendants of an event.
func chainCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "chain <event-id>",
		Short: "Print the correlation chain of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", args[0], err)
			}
			dir, err := correlation.ParseDirection(direction)
			if err != nil {
				return err
			}
			return withTracker(cmd.Context(), func(t *correlation.Tracker) error {
				return printJSON(cmd, t.Chain(cmd.Context(), id, dir, 0))
			})
		},
	}
	cmd.Flags().StringVar(&direction, "direction", string(correlation.Ancestors), "ancestors or descendants")
	return cmd
}

// dumpCmd prints everything recorded about an event.
func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <event-id>",
		Short: "Print the correlation debug dump of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid event id %q: %w", args[0], err)
			}
			return withTracker(cmd.Context(), func(t *correlation.Tracker) error {
				dump := t.DebugDump(cmd.Context(), id)
				if dump == nil {
					return fmt.Errorf("no correlation data for %s", id)
				}
				return printJSON(cmd, dump)
			})
		},
	}
}
