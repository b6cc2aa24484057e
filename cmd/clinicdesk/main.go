package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/desk/internal/config"
	"github.com/clinic/desk/internal/platform/auth"
	"github.com/clinic/desk/internal/platform/backend"
	"github.com/clinic/desk/internal/platform/db"
	"github.com/clinic/desk/internal/platform/logging"
	"github.com/clinic/desk/internal/platform/notification"
	"github.com/clinic/desk/internal/platform/realtime"
	"github.com/clinic/desk/internal/platform/relay"
	"github.com/clinic/desk/internal/platform/sandbox"
	"github.com/clinic/desk/internal/platform/telemetry"
	"github.com/clinic/desk/internal/platform/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinicdesk",
		Short:        "Clinic front desk: availability, bookings and the waiting queue",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(sandboxCmd())
	rootCmd.AddCommand(availabilityCmd())
	rootCmd.AddCommand(bookCmd())
	rootCmd.AddCommand(walkinCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app is the shared runtime every command starts from.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	loc     *time.Location
	api     *backend.Client
	out     io.Writer
}

func bootstrap(out io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.New()
	}

	api := backend.New(cfg.APIBaseURL,
		backend.WithTimeout(cfg.HTTPTimeout),
		backend.WithToken(cfg.AccessToken),
		backend.WithLogger(logger),
	)

	return &app{cfg: cfg, logger: logger, metrics: metrics, loc: loc, api: api, out: out}, nil
}

// identity reads the signed-in user from ACCESS_TOKEN.
func (a *app) identity() (*auth.Identity, error) {
	id, err := auth.IdentityFromToken(a.cfg.AccessToken, time.Now())
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// channel returns a push client, or nil when push is disabled.
func (a *app) channel() *realtime.Client {
	if !a.cfg.PushEnabled {
		return nil
	}
	return realtime.New(realtime.Config{
		URL:            a.cfg.PushURL,
		Token:          a.cfg.AccessToken,
		ReconnectDelay: a.cfg.ReconnectDelay,
		Logger:         a.logger,
		Metrics:        a.metrics,
		OnBrokerError: func(ev websocket.Event) {
			data, _ := realtime.DecodeData[websocket.ErrorData](ev)
			a.logger.Warn().Str("message", data.Message).Msg("push broker error")
		},
	})
}

// notifier prints notices for the person at the terminal and records them
// in the log.
func (a *app) notifier() notification.Notifier {
	return notification.Multi{consoleNotifier{w: a.out}, notification.NewLogNotifier(a.logger)}
}

type consoleNotifier struct{ w io.Writer }

func (n consoleNotifier) Notify(level notification.Level, message string) {
	fmt.Fprintf(n.w, "[%s] %s\n", level, message)
}

// waitForSignal blocks until SIGINT/SIGTERM or ctx is done.
func waitForSignal(ctx context.Context) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	select {
	case <-quit:
	case <-ctx.Done():
	}
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func relayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the push relay (websocket hub, publish endpoint, optional Kafka feed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			port, _ := cmd.Flags().GetString("port")
			if port == "" {
				port = a.cfg.RelayPort
			}
			startOffset, _ := cmd.Flags().GetString("kafka-offset")
			return runRelay(a, port, startOffset)
		},
	}
	cmd.Flags().String("port", "", "Listen port (default RELAY_PORT)")
	cmd.Flags().String("kafka-offset", "latest", "Where a new consumer group starts: earliest or latest")
	return cmd
}

func runRelay(a *app, port, startOffset string) error {
	server := relay.NewServer(relay.ServerConfig{PublishSecret: a.cfg.PublishSecret}, a.logger, a.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var feed *relay.KafkaFeed
	if len(a.cfg.KafkaBrokers) > 0 {
		var err error
		feed, err = relay.NewKafkaFeed(relay.FeedConfig{
			Brokers:     a.cfg.KafkaBrokers,
			Group:       a.cfg.KafkaGroup,
			StartOffset: startOffset,
		}, server.Hub, a.logger, a.metrics)
		if err != nil {
			return err
		}
		go func() {
			if err := feed.Run(ctx); err != nil {
				a.logger.Error().Err(err).Msg("kafka feed stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(":" + port) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay server: %w", err)
		}
	case <-waitDone(ctx):
	}

	cancel()
	if feed != nil {
		feed.Close()
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	a.logger.Info().Msg("relay stopped")
	return nil
}

// waitDone returns a channel closed on SIGINT/SIGTERM or when ctx ends.
func waitDone(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		waitForSignal(ctx)
		close(done)
	}()
	return done
}

func sandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run the in-memory scheduling backend with its own push hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			port, _ := cmd.Flags().GetString("port")
			if port == "" {
				port = a.cfg.SandboxPort
			}

			server, err := sandbox.NewServer(sandbox.Config{
				HorizonDays: a.cfg.HorizonDays,
				Location:    a.loc,
			}, a.logger, a.metrics)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			errCh := make(chan error, 1)
			go func() { errCh <- server.Start(":" + port) }()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("sandbox server: %w", err)
				}
			case <-waitDone(ctx):
			}

			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("port", "", "Listen port (default SANDBOX_PORT)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the queue snapshot schema",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if !a.cfg.QueueStoreEnabled() {
				return fmt.Errorf("DATABASE_URL is not set")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns, a.logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, db.EmbeddedMigrations(), a.logger)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(a.out, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status and pool health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if !a.cfg.QueueStoreEnabled() {
				return fmt.Errorf("DATABASE_URL is not set")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns, a.logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.EmbeddedMigrations(), a.logger).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Fprintf(a.out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(a.out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(a.out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}

			stats := db.Check(ctx, pool)
			fmt.Fprintf(a.out, "\npool: healthy=%t total=%d idle=%d acquired=%d max=%d\n",
				stats.Healthy, stats.TotalConns, stats.IdleConns, stats.AcquiredConns, stats.MaxConns)
			if stats.Error != "" {
				fmt.Fprintf(a.out, "pool error: %s\n", stats.Error)
			}
			return nil
		},
	})

	return cmd
}
