// Package queue keeps a clinic's waiting list for one day. The list is local
// to the desk; the backend stays authoritative for appointment status and
// Reconcile pulls the two back together.
package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/desk/internal/domain/scheduling"
	"github.com/clinic/desk/internal/platform/notification"
	"github.com/clinic/desk/internal/platform/telemetry"
	"github.com/clinic/desk/internal/platform/wallclock"
)

var (
	ErrUnknownAppointment = errors.New("unknown appointment")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrActionInProgress   = errors.New("an action for this appointment is already in progress")
	ErrNotQueued          = errors.New("appointment is not in the waiting list")
	ErrQueuePaused        = errors.New("queue is paused")
	ErrQueueEmpty         = errors.New("queue is empty")
	ErrNothingServing     = errors.New("no patient is being served")
	ErrUpdateFailed       = errors.New("status update failed")
	ErrReconcileFailed    = errors.New("could not load appointments")
	ErrStale              = errors.New("result superseded by a newer reconcile")
	ErrClosed             = errors.New("queue closed")
	ErrClinicRequired     = errors.New("clinic id is required")
)

const saveTimeout = 5 * time.Second

// Item is one entry of the waiting list. QueueNumber is assigned at
// admission and never changes, even when the item is fast-tracked.
type Item struct {
	AppointmentID string `json:"appointmentId"`
	QueueNumber   int    `json:"queueNumber"`
	FastTrack     bool   `json:"isFastTrack"`
	PatientName   string `json:"patientName,omitempty"`
	DoctorName    string `json:"doctorName,omitempty"`
	StartTime     string `json:"startTime,omitempty"`
}

// Label is the number shown to patients.
func (i Item) Label() string {
	return strconv.Itoa(i.QueueNumber)
}

// Views splits the day's appointments by status.
type Views struct {
	Upcoming  []scheduling.Appointment
	CheckedIn []scheduling.Appointment
	Completed []scheduling.Appointment
}

// API is the part of the backend the queue calls.
type API interface {
	UpdateStatus(ctx context.Context, appointmentID string, status scheduling.Status) (*scheduling.Appointment, error)
	ListAppointments(ctx context.Context, clinicID, date string) ([]scheduling.Appointment, error)
}

// Config configures a Coordinator.
type Config struct {
	API      API
	ClinicID string
	// Date is the queue day (YYYY-MM-DD). Defaults to today in Location.
	Date     string
	Location *time.Location
	Store    Store
	Notifier notification.Notifier
	Logger   zerolog.Logger
	Metrics  *telemetry.Metrics
	Now      func() time.Time
}

// Coordinator owns one clinic's waiting list.
type Coordinator struct {
	api      API
	clinicID string
	date     string
	store    Store
	notifier notification.Notifier
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time

	persistMu sync.Mutex

	mu         sync.Mutex
	appts      map[string]scheduling.Appointment
	views      Views
	waiting    []Item
	serving    *Item
	paused     bool
	lastNumber int
	inFlight   map[string]bool
	// touched records the reconcile sequence current when a local status
	// change landed. Fetches issued at or before it do not override it.
	touched map[string]uint64
	// called holds appointments this desk has already called. They stay
	// CHECKED_IN on the server until completed but never rejoin the list.
	called  map[string]bool
	seq     uint64
	applied uint64
	closed  bool
}

// New creates a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if strings.TrimSpace(cfg.ClinicID) == "" {
		return nil, ErrClinicRequired
	}
	c := &Coordinator{
		api:      cfg.API,
		clinicID: cfg.ClinicID,
		date:     cfg.Date,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		logger:   cfg.Logger.With().Str("component", "queue").Str("clinic_id", cfg.ClinicID).Logger(),
		metrics:  cfg.Metrics,
		now:      cfg.Now,
		appts:    make(map[string]scheduling.Appointment),
		inFlight: make(map[string]bool),
		touched:  make(map[string]uint64),
		called:   make(map[string]bool),
	}
	if c.notifier == nil {
		c.notifier = notification.Discard
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.date == "" {
		loc := cfg.Location
		if loc == nil {
			loc = time.Local
		}
		c.date = scheduling.FormatDate(c.now().In(loc))
	} else if _, err := scheduling.ParseDate(c.date, time.UTC); err != nil {
		return nil, err
	}
	return c, nil
}

// ClinicID returns the clinic this queue belongs to.
func (c *Coordinator) ClinicID() string { return c.clinicID }

// Date returns the queue day.
func (c *Coordinator) Date() string { return c.date }

// Admit checks a scheduled appointment in and appends it to the waiting list
// with the next queue number.
func (c *Coordinator) Admit(ctx context.Context, appointmentID string) (Item, error) {
	if err := c.begin(appointmentID, scheduling.StatusCheckedIn); err != nil {
		return Item{}, err
	}

	appt, err := c.api.UpdateStatus(ctx, appointmentID, scheduling.StatusCheckedIn)

	c.mu.Lock()
	delete(c.inFlight, appointmentID)
	if err != nil {
		closed := c.closed
		c.mu.Unlock()
		return Item{}, c.failed("check in", appointmentID, closed, err)
	}
	if c.closed {
		c.mu.Unlock()
		return Item{}, ErrClosed
	}

	c.setStatusLocked(appointmentID, scheduling.StatusCheckedIn, appt)
	c.rebuildViewsLocked()
	if idx := c.indexLocked(appointmentID); idx >= 0 {
		item := c.waiting[idx]
		c.mu.Unlock()
		return item, nil
	}
	c.lastNumber++
	item := c.itemLocked(appointmentID, c.lastNumber)
	c.waiting = append(c.waiting, item)
	waiting := len(c.waiting)
	c.mu.Unlock()

	c.logger.Info().Str("appointment_id", appointmentID).Int("queue_number", item.QueueNumber).Msg("patient checked in")
	c.metrics.SetQueueWaiting(waiting)
	c.persist()
	c.notifier.Notify(notification.LevelSuccess, fmt.Sprintf("Checked in as #%d", item.QueueNumber))
	return item, nil
}

// FastTrack moves a waiting item to the front. Its label is kept.
func (c *Coordinator) FastTrack(appointmentID string) (Item, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Item{}, ErrClosed
	}
	idx := c.indexLocked(appointmentID)
	if idx < 0 {
		c.mu.Unlock()
		return Item{}, ErrNotQueued
	}
	item := c.waiting[idx]
	item.FastTrack = true
	c.waiting = slices.Delete(c.waiting, idx, idx+1)
	c.waiting = slices.Insert(c.waiting, 0, item)
	c.mu.Unlock()

	c.logger.Info().Str("appointment_id", appointmentID).Int("queue_number", item.QueueNumber).Msg("fast-tracked")
	c.persist()
	return item, nil
}

// CallNext moves the front of the waiting list to "now serving".
func (c *Coordinator) CallNext() (Item, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Item{}, ErrClosed
	}
	if c.paused {
		c.mu.Unlock()
		return Item{}, ErrQueuePaused
	}
	if len(c.waiting) == 0 {
		c.mu.Unlock()
		return Item{}, ErrQueueEmpty
	}
	item := c.waiting[0]
	c.waiting = slices.Delete(c.waiting, 0, 1)
	c.serving = &item
	c.called[item.AppointmentID] = true
	waiting := len(c.waiting)
	c.mu.Unlock()

	c.logger.Info().Str("appointment_id", item.AppointmentID).Int("queue_number", item.QueueNumber).Msg("now serving")
	c.metrics.SetQueueWaiting(waiting)
	c.persist()
	c.notifier.Notify(notification.LevelInfo, fmt.Sprintf("Now serving #%d", item.QueueNumber))
	return item, nil
}

// NoShow marks a scheduled or checked-in appointment as a no-show and drops
// it from the waiting list.
func (c *Coordinator) NoShow(ctx context.Context, appointmentID string) error {
	if err := c.begin(appointmentID, scheduling.StatusNoShow); err != nil {
		return err
	}

	appt, err := c.api.UpdateStatus(ctx, appointmentID, scheduling.StatusNoShow)

	c.mu.Lock()
	delete(c.inFlight, appointmentID)
	if err != nil {
		closed := c.closed
		c.mu.Unlock()
		return c.failed("mark no-show", appointmentID, closed, err)
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.setStatusLocked(appointmentID, scheduling.StatusNoShow, appt)
	c.removeLocked(appointmentID)
	c.rebuildViewsLocked()
	waiting := len(c.waiting)
	c.mu.Unlock()

	c.logger.Info().Str("appointment_id", appointmentID).Msg("marked no-show")
	c.metrics.SetQueueWaiting(waiting)
	c.persist()
	c.notifier.Notify(notification.LevelInfo, "Marked as no-show")
	return nil
}

// Complete marks an appointment completed. An empty id means the patient
// now being served.
func (c *Coordinator) Complete(ctx context.Context, appointmentID string) error {
	if appointmentID == "" {
		c.mu.Lock()
		if c.serving == nil {
			c.mu.Unlock()
			return ErrNothingServing
		}
		appointmentID = c.serving.AppointmentID
		c.mu.Unlock()
	}
	if err := c.begin(appointmentID, scheduling.StatusCompleted); err != nil {
		return err
	}

	appt, err := c.api.UpdateStatus(ctx, appointmentID, scheduling.StatusCompleted)

	c.mu.Lock()
	delete(c.inFlight, appointmentID)
	if err != nil {
		closed := c.closed
		c.mu.Unlock()
		return c.failed("complete", appointmentID, closed, err)
	}
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.setStatusLocked(appointmentID, scheduling.StatusCompleted, appt)
	c.removeLocked(appointmentID)
	c.rebuildViewsLocked()
	waiting := len(c.waiting)
	c.mu.Unlock()

	c.logger.Info().Str("appointment_id", appointmentID).Msg("appointment completed")
	c.metrics.SetQueueWaiting(waiting)
	c.persist()
	c.notifier.Notify(notification.LevelSuccess, "Appointment completed")
	return nil
}

// Pause stops CallNext until Resume. The list is untouched.
func (c *Coordinator) Pause() { c.setPaused(true) }

// Resume re-enables CallNext.
func (c *Coordinator) Resume() { c.setPaused(false) }

// Paused reports whether the queue is paused.
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Coordinator) setPaused(p bool) {
	c.mu.Lock()
	if c.closed || c.paused == p {
		c.mu.Unlock()
		return
	}
	c.paused = p
	c.mu.Unlock()

	c.logger.Info().Bool("paused", p).Msg("queue pause toggled")
	c.persist()
}

// Waiting returns the waiting list in call order.
func (c *Coordinator) Waiting() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.waiting)
}

// Serving returns the item now being served.
func (c *Coordinator) Serving() (Item, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serving == nil {
		return Item{}, false
	}
	return *c.serving, true
}

// Views returns the status views from the latest reconcile plus local
// changes.
func (c *Coordinator) Views() Views {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Views{
		Upcoming:  slices.Clone(c.views.Upcoming),
		CheckedIn: slices.Clone(c.views.CheckedIn),
		Completed: slices.Clone(c.views.Completed),
	}
}

// Appointment returns a known appointment.
func (c *Coordinator) Appointment(id string) (scheduling.Appointment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.appts[id]
	return a, ok
}

// NoteAdded announces a treatment note recorded for one of this clinic's
// appointments. It reports false for appointments the queue does not know.
func (c *Coordinator) NoteAdded(appointmentID string) bool {
	c.mu.Lock()
	a, ok := c.appts[appointmentID]
	closed := c.closed
	c.mu.Unlock()
	if !ok || closed {
		return false
	}

	name := a.PatientName
	if name == "" {
		name = appointmentID
	}
	c.notifier.Notify(notification.LevelInfo, fmt.Sprintf("Treatment note added for %s", name))
	return true
}

// Close turns late results into no-ops.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// begin validates a status change and marks the appointment in flight.
func (c *Coordinator) begin(appointmentID string, to scheduling.Status) error {
	if strings.TrimSpace(appointmentID) == "" {
		return ErrUnknownAppointment
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	from, ok := c.statusLocked(appointmentID)
	if !ok {
		return ErrUnknownAppointment
	}
	if !scheduling.CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	if c.inFlight[appointmentID] {
		return ErrActionInProgress
	}
	c.inFlight[appointmentID] = true
	return nil
}

func (c *Coordinator) failed(action, appointmentID string, closed bool, err error) error {
	c.logger.Error().Err(err).Str("appointment_id", appointmentID).Str("action", action).Msg("status update failed")
	if !closed {
		c.notifier.Notify(notification.LevelError, fmt.Sprintf("Could not %s. Please try again.", action))
	}
	return fmt.Errorf("%w: %w", ErrUpdateFailed, err)
}

// statusLocked resolves the status of an appointment. Items restored from a
// snapshot before the first reconcile count as checked in.
func (c *Coordinator) statusLocked(id string) (scheduling.Status, bool) {
	if a, ok := c.appts[id]; ok {
		return a.Status, true
	}
	if c.indexLocked(id) >= 0 || (c.serving != nil && c.serving.AppointmentID == id) {
		return scheduling.StatusCheckedIn, true
	}
	return "", false
}

func (c *Coordinator) setStatusLocked(id string, status scheduling.Status, fromServer *scheduling.Appointment) {
	a, ok := c.appts[id]
	if fromServer != nil && fromServer.AppointmentID == id {
		a = *fromServer
		ok = true
	}
	if !ok {
		a = scheduling.Appointment{AppointmentID: id, ClinicID: c.clinicID, BookingDate: c.date}
	}
	a.Status = status
	if status == scheduling.StatusCheckedIn && a.CheckInTime == nil {
		t := c.now()
		a.CheckInTime = &t
	}
	c.appts[id] = a
	c.touched[id] = c.seq
}

func (c *Coordinator) itemLocked(id string, number int) Item {
	a := c.appts[id]
	return Item{
		AppointmentID: id,
		QueueNumber:   number,
		PatientName:   a.PatientName,
		DoctorName:    a.DoctorName,
		StartTime:     a.StartTime,
	}
}

func (c *Coordinator) indexLocked(id string) int {
	return slices.IndexFunc(c.waiting, func(i Item) bool { return i.AppointmentID == id })
}

// removeLocked drops id from the waiting list and from "now serving". It is
// a no-op when id is in neither.
func (c *Coordinator) removeLocked(id string) {
	c.waiting = slices.DeleteFunc(c.waiting, func(i Item) bool { return i.AppointmentID == id })
	if c.serving != nil && c.serving.AppointmentID == id {
		c.serving = nil
	}
}

func (c *Coordinator) rebuildViewsLocked() {
	var v Views
	for _, a := range c.appts {
		switch a.Status {
		case scheduling.StatusScheduled:
			v.Upcoming = append(v.Upcoming, a)
		case scheduling.StatusCheckedIn:
			v.CheckedIn = append(v.CheckedIn, a)
		case scheduling.StatusCompleted, scheduling.StatusNoShow:
			v.Completed = append(v.Completed, a)
		}
	}
	sortByStart(v.Upcoming)
	sortByStart(v.CheckedIn)
	sortByStart(v.Completed)
	c.views = v
}

func sortByStart(list []scheduling.Appointment) {
	sort.SliceStable(list, func(i, j int) bool {
		si, sj := startMinutes(list[i].StartTime), startMinutes(list[j].StartTime)
		if si != sj {
			return si < sj
		}
		return list[i].AppointmentID < list[j].AppointmentID
	})
}

// startMinutes sorts unparseable times last.
func startMinutes(s string) int {
	m, err := wallclock.Parse(s)
	if err != nil {
		return 24 * 60
	}
	return m
}
