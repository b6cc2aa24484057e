package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/clinic/desk/internal/domain/queue"
	"github.com/clinic/desk/internal/platform/breaker"
	"github.com/clinic/desk/internal/platform/db"
)

type queueFlags struct {
	clinic string
	date   string
}

// openQueue builds the clinic's queue, restores the shared snapshot and
// reconciles it with the backend. The returned func releases the store.
func openQueue(ctx context.Context, a *app, f queueFlags) (*queue.Coordinator, func(), error) {
	var (
		store   queue.Store
		release = func() {}
	)
	if a.cfg.QueueStoreEnabled() {
		pool, err := db.NewPool(ctx, a.cfg.DatabaseURL, a.cfg.DBMaxConns, a.cfg.DBMinConns, a.logger)
		if err != nil {
			return nil, nil, err
		}
		store = queue.NewPGStore(pool)
		release = pool.Close
	} else {
		a.logger.Debug().Msg("DATABASE_URL not set, queue state lasts for this process only")
		store = queue.NewMemoryStore()
	}

	c, err := queue.New(queue.Config{
		API:      a.api,
		ClinicID: f.clinic,
		Date:     f.date,
		Location: a.loc,
		Store:    store,
		Notifier: a.notifier(),
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	if err := c.Restore(ctx); err != nil {
		release()
		return nil, nil, err
	}
	if err := c.Reconcile(ctx); err != nil {
		release()
		return nil, nil, err
	}
	return c, func() {
		c.Close()
		release()
	}, nil
}

func renderBoard(c *queue.Coordinator) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Queue %s %s", c.ClinicID(), c.Date())
	if c.Paused() {
		b.WriteString(" (paused)")
	}
	b.WriteString("\n")

	if item, ok := c.Serving(); ok {
		fmt.Fprintf(&b, "Now serving: #%s %s (%s)\n", item.Label(), item.PatientName, item.AppointmentID)
	} else {
		b.WriteString("Now serving: -\n")
	}

	waiting := c.Waiting()
	if len(waiting) == 0 {
		b.WriteString("Waiting: none\n")
	} else {
		b.WriteString("Waiting:\n")
		for _, item := range waiting {
			mark := ""
			if item.FastTrack {
				mark = "*"
			}
			fmt.Fprintf(&b, "  #%s%-2s %-24s %-5s %s (%s)\n",
				item.Label(), mark, item.PatientName, item.StartTime, item.DoctorName, item.AppointmentID)
		}
	}

	v := c.Views()
	fmt.Fprintf(&b, "Upcoming %d, checked in %d, completed %d\n", len(v.Upcoming), len(v.CheckedIn), len(v.Completed))
	return b.String()
}

func queueCmd() *cobra.Command {
	var f queueFlags
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Run the clinic waiting queue",
	}
	cmd.PersistentFlags().StringVar(&f.clinic, "clinic", "", "Clinic id")
	cmd.PersistentFlags().StringVar(&f.date, "date", "", "Queue day (YYYY-MM-DD, default today)")
	_ = cmd.MarkPersistentFlagRequired("clinic")

	// action runs fn against a freshly reconciled queue and prints the board.
	action := func(use, short string, args cobra.PositionalArgs, fn func(ctx context.Context, c *queue.Coordinator, args []string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  args,
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := bootstrap(cmd.OutOrStdout())
				if err != nil {
					return err
				}
				ctx, cancel := signalContext()
				defer cancel()

				c, release, err := openQueue(ctx, a, f)
				if err != nil {
					return err
				}
				defer release()

				if err := fn(ctx, c, args); err != nil {
					return err
				}
				fmt.Fprint(a.out, renderBoard(c))
				return nil
			},
		}
	}

	cmd.AddCommand(action("show", "Print the queue", cobra.NoArgs,
		func(context.Context, *queue.Coordinator, []string) error { return nil }))

	cmd.AddCommand(action("admit <appointment-id>", "Check a patient in and give them a queue number", cobra.ExactArgs(1),
		func(ctx context.Context, c *queue.Coordinator, args []string) error {
			_, err := c.Admit(ctx, args[0])
			return err
		}))

	cmd.AddCommand(action("fast-track <appointment-id>", "Move a waiting patient to the front", cobra.ExactArgs(1),
		func(_ context.Context, c *queue.Coordinator, args []string) error {
			_, err := c.FastTrack(args[0])
			return err
		}))

	cmd.AddCommand(action("next", "Call the next patient", cobra.NoArgs,
		func(_ context.Context, c *queue.Coordinator, _ []string) error {
			_, err := c.CallNext()
			return err
		}))

	cmd.AddCommand(action("no-show <appointment-id>", "Mark a patient as a no-show", cobra.ExactArgs(1),
		func(ctx context.Context, c *queue.Coordinator, args []string) error {
			return c.NoShow(ctx, args[0])
		}))

	cmd.AddCommand(action("complete [appointment-id]", "Complete an appointment (default: the one being served)", cobra.MaximumNArgs(1),
		func(ctx context.Context, c *queue.Coordinator, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return c.Complete(ctx, id)
		}))

	cmd.AddCommand(action("pause", "Stop calling patients", cobra.NoArgs,
		func(_ context.Context, c *queue.Coordinator, _ []string) error {
			c.Pause()
			return nil
		}))

	cmd.AddCommand(action("resume", "Resume calling patients", cobra.NoArgs,
		func(_ context.Context, c *queue.Coordinator, _ []string) error {
			c.Resume()
			return nil
		}))

	cmd.AddCommand(queueWatchCmd(&f))
	return cmd
}

func queueWatchCmd(f *queueFlags) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the queue in step with the backend and reprint it on change",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			c, release, err := openQueue(ctx, a, *f)
			if err != nil {
				return err
			}
			defer release()

			rc := queue.ReconcilerConfig{
				Queue:        c,
				PollInterval: a.cfg.PollInterval,
				Breaker:      breaker.New(breaker.DefaultConfig("queue-poll"), a.logger, a.metrics),
				Logger:       a.logger,
				Metrics:      a.metrics,
			}
			if ch := a.channel(); ch != nil {
				rc.Channel = ch
				defer ch.Disconnect()
				go func() {
					if err := ch.Connect(ctx); err != nil {
						a.logger.Warn().Err(err).Msg("push channel unavailable, polling until it connects")
					}
				}()
			}

			if metricsAddr != "" && a.metrics != nil {
				e := echo.New()
				e.HideBanner = true
				e.HidePort = true
				e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))
				go func() {
					if err := e.Start(metricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error().Err(err).Msg("metrics server failed")
					}
				}()
				defer func() {
					shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
					defer stop()
					_ = e.Shutdown(shutdownCtx)
				}()
			}

			done := make(chan error, 1)
			go func() { done <- queue.NewReconciler(rc).Run(ctx) }()

			last := ""
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				if board := renderBoard(c); board != last {
					fmt.Fprintln(a.out, board)
					last = board
				}
				select {
				case err := <-done:
					return err
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address, e.g. :9100")
	return cmd
}
