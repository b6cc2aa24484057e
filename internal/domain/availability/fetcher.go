package availability

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/desk/internal/domain/scheduling"
	"github.com/clinic/desk/internal/platform/backend"
	"github.com/clinic/desk/internal/platform/notification"
	"github.com/clinic/desk/internal/platform/realtime"
	"github.com/clinic/desk/internal/platform/telemetry"
	"github.com/clinic/desk/internal/platform/wallclock"
	"github.com/clinic/desk/internal/platform/websocket"
)

// NoticeLoadFailed is posted when a fetch fails.
const NoticeLoadFailed = "Could not load availability"

// DefaultRefreshTimeout bounds a refetch triggered by a push event.
const DefaultRefreshTimeout = 30 * time.Second

// Source returns raw availability from the backend.
type Source interface {
	AvailableDateSlots(ctx context.Context, q backend.DateSlotsQuery) ([]scheduling.DateAvailability, error)
}

// Subscriber registers push handlers. *realtime.Client implements it.
type Subscriber interface {
	Subscribe(topic string, handler realtime.Handler) *realtime.Subscription
}

// Config configures a Fetcher.
type Config struct {
	Source      Source
	Notifier    notification.Notifier
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
	Location    *time.Location
	HorizonDays int
	Now         func() time.Time
	// RefreshTimeout bounds push-triggered refetches. Defaults to
	// DefaultRefreshTimeout.
	RefreshTimeout time.Duration
}

// Fetcher owns the availability snapshot for one view.
type Fetcher struct {
	source   Source
	notifier notification.Notifier
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	loc      *time.Location
	horizon  int
	now      func() time.Time

	refreshTimeout time.Duration
	refresh        chan struct{}
	refreshOnce    sync.Once
	ctx            context.Context
	cancel         context.CancelFunc

	mu        sync.Mutex
	snap      Snapshot
	seq       uint64
	lastQuery *Query
	closed    bool
	sub       *realtime.Subscription
	listeners []func(Snapshot)
}

// New creates a Fetcher with an empty snapshot.
func New(cfg Config) *Fetcher {
	f := &Fetcher{
		source:   cfg.Source,
		notifier: cfg.Notifier,
		logger:   cfg.Logger.With().Str("component", "availability").Logger(),
		metrics:  cfg.Metrics,
		loc:      cfg.Location,
		horizon:  cfg.HorizonDays,
		now:      cfg.Now,

		refreshTimeout: cfg.RefreshTimeout,
		refresh:        make(chan struct{}, 1),
	}
	f.ctx, f.cancel = context.WithCancel(context.Background())
	if f.refreshTimeout <= 0 {
		f.refreshTimeout = DefaultRefreshTimeout
	}
	if f.notifier == nil {
		f.notifier = notification.Discard
	}
	if f.loc == nil {
		f.loc = time.Local
	}
	if f.horizon <= 0 {
		f.horizon = DefaultHorizonDays
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

// Snapshot returns a copy of the current snapshot.
func (f *Fetcher) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap.clone()
}

// OnChange registers fn to be called with every new snapshot. fn runs on the
// goroutine that caused the change and must not call back into the Fetcher.
func (f *Fetcher) OnChange(fn func(Snapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

// Fetch loads availability for q and replaces the snapshot. On failure the
// previous snapshot is kept and a notice is posted. A result that was
// overtaken by a later Fetch is returned with ErrStale and not applied.
func (f *Fetcher) Fetch(ctx context.Context, q Query) (Snapshot, error) {
	if err := q.Validate(); err != nil {
		return Snapshot{}, err
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return Snapshot{}, ErrClosed
	}
	f.seq++
	seq := f.seq
	last := q.clone()
	f.lastQuery = &last
	f.mu.Unlock()

	now := f.now().In(f.loc)
	raw, err := f.source.AvailableDateSlots(ctx, q.request())
	if err != nil {
		f.metrics.AvailabilityFetch("error")
		f.logger.Warn().Err(err).Str("clinic_id", q.ClinicID).Str("speciality", q.SpecialtyKey()).Msg("availability fetch failed")

		f.mu.Lock()
		current := !f.closed && seq == f.seq
		f.mu.Unlock()
		if current {
			f.notifier.Notify(notification.LevelWarning, NoticeLoadFailed)
		}
		return f.Snapshot(), fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}

	snap := Derive(raw, now, f.horizon, f.logger)
	snap.Query = q.clone()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return snap, ErrClosed
	}
	if seq != f.seq {
		f.mu.Unlock()
		f.metrics.AvailabilityFetch("stale")
		f.logger.Debug().Uint64("seq", seq).Msg("discarding superseded availability result")
		return snap, ErrStale
	}
	f.snap = snap
	out, listeners := f.snap.clone(), f.listenersLocked()
	f.mu.Unlock()

	f.metrics.AvailabilityFetch("ok")
	f.logger.Debug().
		Str("clinic_id", q.ClinicID).
		Int("entries", len(snap.Entries)).
		Int("available_dates", len(snap.AvailableDates)).
		Msg("availability loaded")
	notify(listeners, out)
	return out, nil
}

// Refresh repeats the most recent Fetch. It does nothing if there was none.
func (f *Fetcher) Refresh(ctx context.Context) error {
	f.mu.Lock()
	last := f.lastQuery
	f.mu.Unlock()
	if last == nil {
		return nil
	}
	_, err := f.Fetch(ctx, *last)
	return err
}

// RemoveSlot drops the window starting at start on date. An empty doctorID
// drops it for every doctor. It reports whether anything was removed, so
// applying the same removal again is a no-op.
func (f *Fetcher) RemoveSlot(date, doctorID, start string) bool {
	norm, err := wallclock.Normalize(start)
	if err != nil {
		f.logger.Warn().Err(err).Str("start", start).Msg("ignoring slot removal with bad start time")
		return false
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}

	removed := false
	entries := f.snap.Entries[:0]
	for _, e := range f.snap.Entries {
		if e.Date == date && (doctorID == "" || e.DoctorID == doctorID) {
			kept := e.TimeSlots[:0]
			for _, w := range e.TimeSlots {
				if w.StartTime == norm {
					removed = true
					continue
				}
				kept = append(kept, w)
			}
			e.TimeSlots = kept
		}
		if len(e.TimeSlots) > 0 {
			entries = append(entries, e)
		}
	}
	f.snap.Entries = entries

	if !removed {
		f.mu.Unlock()
		return false
	}
	f.snap.recompute(f.loc)
	out, listeners := f.snap.clone(), f.listenersLocked()
	f.mu.Unlock()

	f.logger.Debug().Str("date", date).Str("doctor_id", doctorID).Str("start", norm).Msg("slot removed")
	notify(listeners, out)
	return true
}

// Watch subscribes to slot events. REMOVE events remove the slot locally and
// ADD events schedule a refetch of the last query.
func (f *Fetcher) Watch(sub Subscriber) {
	s := sub.Subscribe(scheduling.TopicSlots, f.HandleSlotEvent)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		s.Unsubscribe()
		return
	}
	prev := f.sub
	f.sub = s
	f.mu.Unlock()

	if prev != nil {
		prev.Unsubscribe()
	}
}

// HandleSlotEvent applies one /topic/slots event. It runs on the channel's
// reader goroutine, so an ADD only schedules the refetch; the fetch itself
// runs on the Fetcher's own goroutine and back-to-back ADDs coalesce.
func (f *Fetcher) HandleSlotEvent(_ context.Context, ev websocket.Event) error {
	se, err := realtime.DecodeData[scheduling.SlotEvent](ev)
	if err != nil {
		return err
	}

	f.mu.Lock()
	var last *Query
	if f.lastQuery != nil {
		q := f.lastQuery.clone()
		last = &q
	}
	f.mu.Unlock()

	if last != nil && last.ClinicID != "" && se.ClinicID != "" && se.ClinicID != last.ClinicID {
		return nil
	}

	switch se.Action {
	case scheduling.SlotRemove:
		f.RemoveSlot(se.Date, se.DoctorID, se.StartTime)
		return nil
	case scheduling.SlotAdd:
		if last != nil {
			f.scheduleRefresh()
		}
		return nil
	default:
		return fmt.Errorf("unknown slot action %q", se.Action)
	}
}

// Close unsubscribes from push events and stops pending refetches. Results
// arriving afterwards are not applied.
func (f *Fetcher) Close() {
	f.mu.Lock()
	f.closed = true
	s := f.sub
	f.sub = nil
	f.mu.Unlock()
	f.cancel()

	if s != nil {
		s.Unsubscribe()
	}
}

func (f *Fetcher) scheduleRefresh() {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	f.refreshOnce.Do(func() { go f.refreshLoop() })
	select {
	case f.refresh <- struct{}{}:
	default:
	}
}

func (f *Fetcher) refreshLoop() {
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.refresh:
		}

		ctx, cancel := context.WithTimeout(f.ctx, f.refreshTimeout)
		err := f.Refresh(ctx)
		cancel()
		switch {
		case err == nil, errors.Is(err, ErrStale), errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
		default:
			f.logger.Warn().Err(err).Msg("refetch after slot release failed")
		}
	}
}

func (f *Fetcher) listenersLocked() []func(Snapshot) {
	return slices.Clone(f.listeners)
}

func notify(listeners []func(Snapshot), s Snapshot) {
	for _, fn := range listeners {
		fn(s.clone())
	}
}
