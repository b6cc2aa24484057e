package queue

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/desk/internal/domain/scheduling"
	"github.com/clinic/desk/internal/platform/breaker"
	"github.com/clinic/desk/internal/platform/realtime"
	"github.com/clinic/desk/internal/platform/telemetry"
	"github.com/clinic/desk/internal/platform/websocket"
)

// DefaultPollInterval bounds how stale the queue can get when push events
// are missed.
const DefaultPollInterval = 15 * time.Second

// Subscriber is the part of the channel client the reconciler uses.
type Subscriber interface {
	Subscribe(topic string, handler realtime.Handler) *realtime.Subscription
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Queue *Coordinator
	// Channel is optional. Without it the reconciler only polls.
	Channel      Subscriber
	PollInterval time.Duration
	// Breaker guards polls. Defaults to breaker.DefaultConfig("queue-poll").
	Breaker *breaker.Breaker
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Reconciler keeps a Coordinator in step with the backend. Push events
// trigger an early reconcile; the ticker is the backstop.
type Reconciler struct {
	queue    *Coordinator
	channel  Subscriber
	interval time.Duration
	breaker  *breaker.Breaker
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	trigger  chan struct{}
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	r := &Reconciler{
		queue:    cfg.Queue,
		channel:  cfg.Channel,
		interval: cfg.PollInterval,
		breaker:  cfg.Breaker,
		logger:   cfg.Logger.With().Str("component", "queue-reconciler").Str("clinic_id", cfg.Queue.ClinicID()).Logger(),
		metrics:  cfg.Metrics,
		trigger:  make(chan struct{}, 1),
	}
	if r.interval <= 0 {
		r.interval = DefaultPollInterval
	}
	if r.breaker == nil {
		r.breaker = breaker.New(breaker.DefaultConfig("queue-poll"), cfg.Logger, cfg.Metrics)
	}
	return r
}

// Run reconciles once, then on every push trigger and tick until ctx is
// done.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.channel != nil {
		for _, topic := range []string{scheduling.TopicSlots, scheduling.TopicAppointmentStatus} {
			sub := r.channel.Subscribe(topic, r.handleEvent)
			if sub != nil {
				defer sub.Unsubscribe()
			}
		}
		if sub := r.channel.Subscribe(scheduling.TopicTreatmentNotes, r.handleNote); sub != nil {
			defer sub.Unsubscribe()
		}
	}

	r.logger.Info().Dur("interval", r.interval).Bool("push", r.channel != nil).Msg("queue reconciler started")
	r.poll(ctx, "startup")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("queue reconciler stopped")
			return nil
		case <-ticker.C:
			r.poll(ctx, "timer")
		case <-r.trigger:
			r.poll(ctx, "push")
		}
	}
}

// Trigger requests a reconcile. Requests made while one is pending collapse
// into it.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

type clinicRef struct {
	ClinicID string `json:"clinic_id"`
}

func (r *Reconciler) handleEvent(_ context.Context, ev websocket.Event) error {
	if ref, err := realtime.DecodeData[clinicRef](ev); err == nil &&
		ref.ClinicID != "" && ref.ClinicID != r.queue.ClinicID() {
		return nil
	}
	r.Trigger()
	return nil
}

// handleNote surfaces treatment notes for appointments in this queue. Notes
// do not change queue state, so no reconcile is triggered.
func (r *Reconciler) handleNote(_ context.Context, ev websocket.Event) error {
	note, err := realtime.DecodeData[scheduling.TreatmentNoteEvent](ev)
	if err != nil {
		return err
	}
	if note.AppointmentID == "" {
		return nil
	}
	if r.queue.NoteAdded(note.AppointmentID) {
		r.logger.Debug().Str("appointment_id", note.AppointmentID).Str("note_id", note.NoteID).Msg("treatment note added")
	}
	return nil
}

func (r *Reconciler) poll(ctx context.Context, trigger string) {
	err := r.breaker.Execute(func() error {
		err := r.queue.Reconcile(ctx)
		if errors.Is(err, ErrStale) || errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	})

	switch {
	case err == nil:
		r.metrics.QueueReconcile(trigger, "ok")
	case errors.Is(err, breaker.ErrRejected):
		r.metrics.QueueReconcile(trigger, "skipped")
		r.logger.Warn().Str("trigger", trigger).Msg("circuit open, skipping queue poll")
	case ctx.Err() != nil:
		r.metrics.QueueReconcile(trigger, "cancelled")
	default:
		r.metrics.QueueReconcile(trigger, "error")
		r.logger.Error().Err(err).Str("trigger", trigger).Msg("queue reconcile failed")
	}
}
