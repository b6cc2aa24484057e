// Package booking submits new bookings, reschedules and walk-ins for the slot
// chosen in a selection.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/desk/internal/domain/scheduling"
	"github.com/clinic/desk/internal/domain/selection"
	"github.com/clinic/desk/internal/platform/auth"
	"github.com/clinic/desk/internal/platform/backend"
	"github.com/clinic/desk/internal/platform/notification"
	"github.com/clinic/desk/internal/platform/telemetry"
	"github.com/clinic/desk/internal/platform/wallclock"
)

// DefaultConflictMessage is shown when the backend rejects a slot without
// saying why.
const DefaultConflictMessage = "This slot may already be taken. Please choose another time."

// WalkInPrefix starts every synthetic walk-in patient id.
const WalkInPrefix = "WALKIN-"

var (
	ErrSelectionIncomplete = errors.New("choose a date, time and doctor first")
	ErrNoPatientIdentity   = errors.New("no patient identity")
	ErrStaffOnly           = errors.New("walk-in bookings are for staff only")
	ErrSubmitInProgress    = errors.New("a submission is already in progress")
	ErrResubmitBlocked     = errors.New("choose another slot before submitting again")
	ErrAppointmentRequired = errors.New("appointment id is required")
	ErrSlotConflict        = errors.New("slot conflict")
	ErrSubmitFailed        = errors.New("submission failed")
)

// ValidationError is returned when a precondition fails. No request was sent.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// ConflictError is returned when the backend refuses the slot (400 or 409).
type ConflictError struct {
	Message string
	Status  int
	Err     error
}

func (e *ConflictError) Error() string { return e.Message }
func (e *ConflictError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrSlotConflict) true for conflicts.
func (e *ConflictError) Is(target error) bool { return target == ErrSlotConflict }

// Kind labels a submission.
type Kind string

const (
	KindBook       Kind = "book"
	KindReschedule Kind = "reschedule"
	KindWalkIn     Kind = "walkin"
)

var successNotice = map[Kind]string{
	KindBook:       "Appointment booked",
	KindReschedule: "Appointment rescheduled",
	KindWalkIn:     "Walk-in appointment booked",
}

// API is the part of the backend the coordinator calls.
type API interface {
	CreateAppointment(ctx context.Context, req backend.CreateAppointmentRequest) (*scheduling.Appointment, error)
	RescheduleAppointment(ctx context.Context, appointmentID string, req backend.RescheduleRequest) (*scheduling.Appointment, error)
}

// SlotRemover drops a booked slot from local availability.
type SlotRemover interface {
	RemoveSlot(date, doctorID, start string) bool
}

// WalkInDetails describes a patient booked at the desk.
type WalkInDetails struct {
	Name  string
	Phone string
	Email string
}

// Config configures a Coordinator.
type Config struct {
	API       API
	Selection *selection.Selection
	Remover   SlotRemover
	Identity  *auth.Identity
	Notifier  notification.Notifier
	Logger    zerolog.Logger
	Metrics   *telemetry.Metrics
	// NewID generates walk-in patient ids. Defaults to uuid.NewString.
	NewID func() string
}

// Coordinator submits the selection's chosen slot.
type Coordinator struct {
	api      API
	sel      *selection.Selection
	remover  SlotRemover
	identity *auth.Identity
	notifier notification.Notifier
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	newID    func() string

	mu         sync.Mutex
	inFlight   bool
	blocked    bool
	blockedRev uint64
	closed     bool
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		api:      cfg.API,
		sel:      cfg.Selection,
		remover:  cfg.Remover,
		identity: cfg.Identity,
		notifier: cfg.Notifier,
		logger:   cfg.Logger.With().Str("component", "booking").Logger(),
		metrics:  cfg.Metrics,
		newID:    cfg.NewID,
	}
	if c.notifier == nil {
		c.notifier = notification.Discard
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

// Book creates an appointment for the signed-in patient.
func (c *Coordinator) Book(ctx context.Context) (*scheduling.Appointment, error) {
	if c.identity == nil {
		return nil, &ValidationError{Err: ErrNoPatientIdentity}
	}
	patientID, ok := c.identity.Patient()
	if !ok {
		return nil, &ValidationError{Err: ErrNoPatientIdentity}
	}

	choice, start, end, err := c.begin()
	if err != nil {
		return nil, err
	}
	req := backend.CreateAppointmentRequest{
		PatientID:   patientID,
		DoctorID:    choice.DoctorID,
		ClinicID:    choice.ClinicID,
		BookingDate: choice.Date,
		StartTime:   start,
		EndTime:     end,
	}
	appt, err := c.api.CreateAppointment(ctx, req)
	return c.finish(KindBook, choice, appt, err)
}

// Reschedule moves appointmentID to the chosen slot.
func (c *Coordinator) Reschedule(ctx context.Context, appointmentID string) (*scheduling.Appointment, error) {
	appointmentID = strings.TrimSpace(appointmentID)
	if appointmentID == "" {
		return nil, &ValidationError{Err: ErrAppointmentRequired}
	}

	choice, start, end, err := c.begin()
	if err != nil {
		return nil, err
	}
	req := backend.RescheduleRequest{
		DoctorID:    choice.DoctorID,
		ClinicID:    choice.ClinicID,
		BookingDate: choice.Date,
		StartTime:   start,
		EndTime:     end,
	}
	appt, err := c.api.RescheduleAppointment(ctx, appointmentID, req)
	return c.finish(KindReschedule, choice, appt, err)
}

// WalkIn books the chosen slot for a patient at the desk under a synthetic
// patient id. Staff only.
func (c *Coordinator) WalkIn(ctx context.Context, details WalkInDetails) (*scheduling.Appointment, error) {
	if c.identity == nil || !c.identity.IsStaff() {
		return nil, &ValidationError{Err: ErrStaffOnly}
	}

	choice, start, end, err := c.begin()
	if err != nil {
		return nil, err
	}
	req := backend.CreateAppointmentRequest{
		PatientID:    WalkInPrefix + c.newID(),
		DoctorID:     choice.DoctorID,
		ClinicID:     choice.ClinicID,
		BookingDate:  choice.Date,
		StartTime:    start,
		EndTime:      end,
		PatientName:  strings.TrimSpace(details.Name),
		PatientPhone: strings.TrimSpace(details.Phone),
		PatientEmail: strings.TrimSpace(details.Email),
	}
	appt, err := c.api.CreateAppointment(ctx, req)
	return c.finish(KindWalkIn, choice, appt, err)
}

// Blocked reports whether submission is blocked by a conflict on the
// currently chosen slot.
func (c *Coordinator) Blocked() bool {
	rev := c.sel.Revision()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked && c.blockedRev == rev
}

// Close stops the coordinator from touching local state. Submissions still
// in flight return their result to the caller.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// begin checks preconditions and marks a submission in flight.
func (c *Coordinator) begin() (selection.Choice, string, string, error) {
	choice, ok := c.sel.Chosen()
	if !ok {
		return selection.Choice{}, "", "", &ValidationError{Err: ErrSelectionIncomplete}
	}
	start, err := wallclock.Normalize(choice.Window.StartTime)
	if err != nil {
		return selection.Choice{}, "", "", &ValidationError{Err: err}
	}
	end, err := wallclock.Normalize(choice.Window.EndTime)
	if err != nil {
		return selection.Choice{}, "", "", &ValidationError{Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight {
		return selection.Choice{}, "", "", &ValidationError{Err: ErrSubmitInProgress}
	}
	if c.blocked && c.blockedRev == choice.Revision {
		return selection.Choice{}, "", "", &ValidationError{Err: ErrResubmitBlocked}
	}
	c.inFlight = true
	return choice, start, end, nil
}

func (c *Coordinator) finish(kind Kind, choice selection.Choice, appt *scheduling.Appointment, err error) (*scheduling.Appointment, error) {
	c.mu.Lock()
	c.inFlight = false
	closed := c.closed
	c.mu.Unlock()

	log := c.logger.With().
		Str("kind", string(kind)).
		Str("date", choice.Date).
		Str("start", choice.Window.StartTime).
		Str("doctor_id", choice.DoctorID).
		Str("clinic_id", choice.ClinicID).
		Logger()

	if err == nil {
		c.metrics.BookingSubmission(string(kind), "ok")
		if appt != nil {
			log.Info().Str("appointment_id", appt.AppointmentID).Msg("submission accepted")
		}
		if closed {
			return appt, nil
		}
		c.mu.Lock()
		c.blocked = false
		c.mu.Unlock()
		if c.remover != nil {
			c.remover.RemoveSlot(choice.Date, choice.DoctorID, choice.Window.StartTime)
		}
		c.sel.Reset()
		c.notifier.Notify(notification.LevelSuccess, successNotice[kind])
		return appt, nil
	}

	if apiErr, ok := backend.AsAPIError(err); ok && apiErr.IsConflict() {
		c.metrics.BookingSubmission(string(kind), "conflict")
		msg := apiErr.Message
		if strings.TrimSpace(msg) == "" {
			msg = DefaultConflictMessage
		}
		log.Warn().Int("status", apiErr.Status).Str("message", msg).Msg("slot rejected")
		if !closed {
			c.mu.Lock()
			c.blocked = true
			c.blockedRev = choice.Revision
			c.mu.Unlock()
			c.notifier.Notify(notification.LevelWarning, msg)
		}
		return nil, &ConflictError{Message: msg, Status: apiErr.Status, Err: err}
	}

	c.metrics.BookingSubmission(string(kind), "error")
	log.Error().Err(err).Msg("submission failed")
	if !closed {
		c.notifier.Notify(notification.LevelError, fmt.Sprintf("Could not complete %s. Please try again.", noun(kind)))
	}
	return nil, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
}

func noun(k Kind) string {
	switch k {
	case KindReschedule:
		return "the reschedule"
	case KindWalkIn:
		return "the walk-in booking"
	}
	return "the booking"
}
