package sandbox

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/desk/internal/domain/scheduling"
	"github.com/clinic/desk/internal/platform/backend"
	"github.com/clinic/desk/internal/platform/wallclock"
)

// Errors returned by the store. The server maps them to HTTP statuses.
var (
	ErrInvalidRequest      = errors.New("invalid request")
	ErrClinicNotFound      = errors.New("clinic not found")
	ErrDoctorNotFound      = errors.New("doctor not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSlotTaken           = errors.New("slot already booked")
	ErrNotBookable         = errors.New("the requested time is not an open slot for this doctor")
	ErrPastSlot            = errors.New("the requested slot is in the past")
	ErrInvalidTransition   = errors.New("status change not allowed")
)

type slotKey struct {
	doctorID string
	date     string
	start    string
}

// Store is the sandbox's in-memory scheduling state. It is safe for
// concurrent use.
type Store struct {
	mu           sync.RWMutex
	seed         Seed
	windows      []scheduling.TimeWindow
	horizon      int
	loc          *time.Location
	now          func() time.Time
	newID        func() string
	clinics      map[string]scheduling.Clinic
	doctors      map[string]scheduling.Doctor
	appointments map[string]*scheduling.Appointment // appointment ID -> appointment
	booked       map[slotKey]string                 // slot -> appointment ID (prevents double-booking)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the store's notion of now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithIDs sets the appointment id generator.
func WithIDs(newID func() string) StoreOption {
	return func(s *Store) { s.newID = newID }
}

// NewStore creates a store over seed. horizonDays bounds how far ahead
// slots are offered and booked; loc is the clinic time zone.
func NewStore(seed Seed, horizonDays int, loc *time.Location, opts ...StoreOption) (*Store, error) {
	seed.Clinics = append([]scheduling.Clinic(nil), seed.Clinics...)
	seed.Doctors = append([]scheduling.Doctor(nil), seed.Doctors...)
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	if horizonDays <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizonDays)
	}
	if loc == nil {
		loc = time.Local
	}
	s := &Store{
		seed:         seed,
		windows:      seed.windows(),
		horizon:      horizonDays,
		loc:          loc,
		now:          time.Now,
		newID:        uuid.NewString,
		clinics:      make(map[string]scheduling.Clinic, len(seed.Clinics)),
		doctors:      make(map[string]scheduling.Doctor, len(seed.Doctors)),
		appointments: make(map[string]*scheduling.Appointment),
		booked:       make(map[slotKey]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, c := range seed.Clinics {
		s.clinics[c.ClinicID] = c
	}
	for _, d := range seed.Doctors {
		s.doctors[d.DoctorID] = d
	}
	return s, nil
}

// Clinics lists clinics of type t in seed order, at most limit when limit > 0.
func (s *Store) Clinics(t scheduling.ClinicType, limit int) []scheduling.Clinic {
	out := make([]scheduling.Clinic, 0)
	for _, c := range s.seed.Clinics {
		if c.Type != t {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Doctors lists the doctor directory in seed order.
func (s *Store) Doctors() []scheduling.Doctor {
	out := make([]scheduling.Doctor, len(s.seed.Doctors))
	copy(out, s.seed.Doctors)
	return out
}

// DateSlots returns the open windows for every matching doctor on every
// working day from today to the end of the horizon. Empty filters match
// everything. Days with no open windows are omitted.
func (s *Store) DateSlots(clinicID, speciality string, doctorIDs []string) []scheduling.DateAvailability {
	wanted := make(map[string]bool, len(doctorIDs))
	for _, id := range doctorIDs {
		wanted[id] = true
	}

	var doctors []scheduling.Doctor
	for _, d := range s.seed.Doctors {
		if clinicID != "" && d.ClinicID != clinicID {
			continue
		}
		if speciality != "" && !strings.EqualFold(d.Speciality, speciality) {
			continue
		}
		if len(wanted) > 0 && !wanted[d.DoctorID] {
			continue
		}
		doctors = append(doctors, d)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]scheduling.DateAvailability, 0)
	for _, day := range s.workingDays() {
		date := scheduling.FormatDate(day)
		for _, d := range doctors {
			var open []scheduling.TimeWindow
			for _, w := range s.windows {
				if _, taken := s.booked[slotKey{d.DoctorID, date, w.StartTime}]; taken {
					continue
				}
				open = append(open, w)
			}
			if len(open) == 0 {
				continue
			}
			out = append(out, scheduling.DateAvailability{
				Date:       date,
				DoctorID:   d.DoctorID,
				DoctorName: d.DoctorName,
				ClinicID:   d.ClinicID,
				TimeSlots:  open,
			})
		}
	}
	return out
}

// Create books a slot. The slot must be an open window of the doctor within
// the horizon and not in the past.
func (s *Store) Create(req backend.CreateAppointmentRequest) (scheduling.Appointment, error) {
	if strings.TrimSpace(req.PatientID) == "" {
		return scheduling.Appointment{}, fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	}
	doctor, date, w, err := s.resolve(req.DoctorID, req.ClinicID, req.BookingDate, req.StartTime, req.EndTime)
	if err != nil {
		return scheduling.Appointment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := slotKey{doctor.DoctorID, date, w.StartTime}
	if _, taken := s.booked[key]; taken {
		return scheduling.Appointment{}, ErrSlotTaken
	}

	now := s.now()
	appt := &scheduling.Appointment{
		AppointmentID: s.newID(),
		PatientID:     req.PatientID,
		DoctorID:      doctor.DoctorID,
		ClinicID:      doctor.ClinicID,
		BookingDate:   date,
		StartTime:     w.StartTime,
		EndTime:       w.EndTime,
		Status:        scheduling.StatusScheduled,
		PatientName:   strings.TrimSpace(req.PatientName),
		DoctorName:    doctor.DoctorName,
		ClinicName:    doctor.ClinicName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.appointments[appt.AppointmentID] = appt
	s.booked[key] = appt.AppointmentID
	return *appt, nil
}

// Reschedule moves a scheduled appointment to another open slot and frees
// the old one. It returns the updated appointment and the one it replaced.
func (s *Store) Reschedule(id string, req backend.RescheduleRequest) (scheduling.Appointment, scheduling.Appointment, error) {
	doctor, date, w, err := s.resolve(req.DoctorID, req.ClinicID, req.BookingDate, req.StartTime, req.EndTime)
	if err != nil {
		return scheduling.Appointment{}, scheduling.Appointment{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	appt, ok := s.appointments[id]
	if !ok {
		return scheduling.Appointment{}, scheduling.Appointment{}, ErrAppointmentNotFound
	}
	if appt.Status != scheduling.StatusScheduled {
		return scheduling.Appointment{}, scheduling.Appointment{}, fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, appt.Status)
	}
	key := slotKey{doctor.DoctorID, date, w.StartTime}
	if owner, taken := s.booked[key]; taken && owner != id {
		return scheduling.Appointment{}, scheduling.Appointment{}, ErrSlotTaken
	}

	prev := *appt
	delete(s.booked, slotKey{appt.DoctorID, appt.BookingDate, appt.StartTime})
	s.booked[key] = id

	appt.DoctorID = doctor.DoctorID
	appt.ClinicID = doctor.ClinicID
	appt.DoctorName = doctor.DoctorName
	appt.ClinicName = doctor.ClinicName
	appt.BookingDate = date
	appt.StartTime = w.StartTime
	appt.EndTime = w.EndTime
	appt.UpdatedAt = s.now()
	return *appt, prev, nil
}

// UpdateStatus applies a status change allowed by scheduling.CanTransition.
// Check-in stamps the check-in time.
func (s *Store) UpdateStatus(id string, status scheduling.Status) (scheduling.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, ok := s.appointments[id]
	if !ok {
		return scheduling.Appointment{}, ErrAppointmentNotFound
	}
	if !scheduling.CanTransition(appt.Status, status) {
		return scheduling.Appointment{}, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, appt.Status, status)
	}
	now := s.now()
	appt.Status = status
	appt.UpdatedAt = now
	if status == scheduling.StatusCheckedIn {
		t := now
		appt.CheckInTime = &t
	}
	return *appt, nil
}

// Upcoming lists a clinic's scheduled and checked-in appointments from today
// on, earliest first.
func (s *Store) Upcoming(clinicID string) []scheduling.Appointment {
	today := scheduling.FormatDate(s.now().In(s.loc))
	return s.collect(func(a *scheduling.Appointment) bool {
		if a.ClinicID != clinicID || a.BookingDate < today {
			return false
		}
		return a.Status == scheduling.StatusScheduled || a.Status == scheduling.StatusCheckedIn
	})
}

// List returns every appointment of a clinic on date, earliest first.
func (s *Store) List(clinicID, date string) []scheduling.Appointment {
	return s.collect(func(a *scheduling.Appointment) bool {
		return a.ClinicID == clinicID && a.BookingDate == date
	})
}

// Appointment returns one appointment.
func (s *Store) Appointment(id string) (scheduling.Appointment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.appointments[id]
	if !ok {
		return scheduling.Appointment{}, false
	}
	return *a, true
}

func (s *Store) collect(match func(*scheduling.Appointment) bool) []scheduling.Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]scheduling.Appointment, 0)
	for _, a := range s.appointments {
		if match(a) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BookingDate != out[j].BookingDate {
			return out[i].BookingDate < out[j].BookingDate
		}
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].AppointmentID < out[j].AppointmentID
	})
	return out
}

// resolve validates a slot request and returns the doctor, the canonical
// date and the normalized window.
func (s *Store) resolve(doctorID, clinicID, date, start, end string) (scheduling.Doctor, string, scheduling.TimeWindow, error) {
	var (
		doctor scheduling.Doctor
		w      scheduling.TimeWindow
	)
	if doctorID == "" || clinicID == "" || date == "" || start == "" || end == "" {
		return doctor, "", w, fmt.Errorf("%w: doctor_id, clinic_id, booking_date, start_time and end_time are required", ErrInvalidRequest)
	}
	if _, ok := s.clinics[clinicID]; !ok {
		return doctor, "", w, ErrClinicNotFound
	}
	doctor, ok := s.doctors[doctorID]
	if !ok {
		return doctor, "", w, ErrDoctorNotFound
	}
	if doctor.ClinicID != clinicID {
		return doctor, "", w, fmt.Errorf("%w: doctor %s does not practise at clinic %s", ErrInvalidRequest, doctorID, clinicID)
	}

	day, err := scheduling.ParseDate(date, s.loc)
	if err != nil {
		return doctor, "", w, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	w, err = scheduling.TimeWindow{StartTime: start, EndTime: end}.Normalize()
	if err != nil {
		return doctor, "", w, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if !s.isWindow(w) || !s.isWorkingDay(day) {
		return doctor, "", w, ErrNotBookable
	}

	now := s.now().In(s.loc)
	today := startOfDay(now)
	if day.Before(today) || (day.Equal(today) && w.StartMinutes() <= wallclock.MinutesOf(now)) {
		return doctor, "", w, ErrPastSlot
	}
	if !day.Before(today.AddDate(0, 0, s.horizon)) {
		return doctor, "", w, ErrNotBookable
	}
	return doctor, scheduling.FormatDate(day), w, nil
}

func (s *Store) isWindow(w scheduling.TimeWindow) bool {
	for _, candidate := range s.windows {
		if candidate == w {
			return true
		}
	}
	return false
}

func (s *Store) isWorkingDay(day time.Time) bool {
	wd := day.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

func (s *Store) workingDays() []time.Time {
	today := startOfDay(s.now().In(s.loc))
	var days []time.Time
	for i := 0; i < s.horizon; i++ {
		day := today.AddDate(0, 0, i)
		if s.isWorkingDay(day) {
			days = append(days, day)
		}
	}
	return days
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
