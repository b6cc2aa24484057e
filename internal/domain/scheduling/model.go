package scheduling

import (
	"fmt"
	"strings"
	"time"

	"github.com/clinic/desk/internal/platform/wallclock"
)

// DateLayout is the calendar date format used on the wire and as map keys.
const DateLayout = "2006-01-02"

// GeneralPracticeSpecialty is the specialty key sent for general-practice queries.
const GeneralPracticeSpecialty = "General Practice"

// ClinicType distinguishes general-practice clinics from specialist clinics.
type ClinicType string

const (
	ClinicTypeGeneralPractice ClinicType = "GENERAL_PRACTICE"
	ClinicTypeSpecialist      ClinicType = "SPECIALIST"
)

// ParseClinicType accepts the canonical names plus the short forms used on
// the command line ("gp", "specialist").
func ParseClinicType(s string) (ClinicType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GP", "GENERAL_PRACTICE", "GENERAL PRACTICE":
		return ClinicTypeGeneralPractice, nil
	case "SPECIALIST", "SP":
		return ClinicTypeSpecialist, nil
	}
	return "", fmt.Errorf("unknown clinic type %q", s)
}

// Clinic is an entry in the clinic directory.
type Clinic struct {
	ClinicID   string     `json:"clinicId"`
	ClinicName string     `json:"clinicName"`
	Address    string     `json:"address,omitempty"`
	Speciality string     `json:"speciality,omitempty"`
	Type       ClinicType `json:"type,omitempty"`
}

// IsGeneralPractice reports whether the clinic is a general practice. An
// explicit type wins over the speciality text.
func (c Clinic) IsGeneralPractice() bool {
	if c.Type != "" {
		return c.Type == ClinicTypeGeneralPractice
	}
	return strings.Contains(strings.ToUpper(c.Speciality), "GENERAL PRACTICE")
}

// Doctor is an entry in the doctor directory.
type Doctor struct {
	DoctorID      string `json:"doctorId"`
	DoctorName    string `json:"doctorName"`
	ClinicID      string `json:"clinicId"`
	ClinicName    string `json:"clinicName,omitempty"`
	Speciality    string `json:"speciality"`
	ClinicAddress string `json:"clinicAddress,omitempty"`
}

// IsGeneralPractice reports whether the doctor's speciality text marks them
// as a general practitioner.
func (d Doctor) IsGeneralPractice() bool {
	return strings.Contains(strings.ToUpper(d.Speciality), "GENERAL PRACTICE")
}

// TimeWindow is a bookable start-end interval on one date.
type TimeWindow struct {
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
}

// Normalize returns the window with both ends in "HH:MM" form. It fails when
// either end cannot be parsed or the window is empty or inverted.
func (w TimeWindow) Normalize() (TimeWindow, error) {
	start, err := wallclock.Parse(w.StartTime)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("start time: %w", err)
	}
	end, err := wallclock.Parse(w.EndTime)
	if err != nil {
		return TimeWindow{}, fmt.Errorf("end time: %w", err)
	}
	if start >= end {
		return TimeWindow{}, fmt.Errorf("window %s-%s does not end after it starts", w.StartTime, w.EndTime)
	}
	return TimeWindow{StartTime: wallclock.Format(start), EndTime: wallclock.Format(end)}, nil
}

// StartMinutes returns the start as minutes since midnight, or -1 if unparseable.
func (w TimeWindow) StartMinutes() int {
	m, err := wallclock.Parse(w.StartTime)
	if err != nil {
		return -1
	}
	return m
}

func (w TimeWindow) String() string {
	return w.StartTime + "-" + w.EndTime
}

// DateAvailability is one (date, doctor) entry of the availability query.
type DateAvailability struct {
	Date       string       `json:"date"`
	DoctorID   string       `json:"doctorId"`
	DoctorName string       `json:"doctorName"`
	ClinicID   string       `json:"clinicId"`
	TimeSlots  []TimeWindow `json:"timeSlots"`
}

// Appointment mirrors the backend's appointment record.
type Appointment struct {
	AppointmentID string     `json:"appointmentId"`
	PatientID     string     `json:"patientId"`
	DoctorID      string     `json:"doctorId"`
	ClinicID      string     `json:"clinicId"`
	BookingDate   string     `json:"bookingDate"`
	StartTime     string     `json:"startTime"`
	EndTime       string     `json:"endTime"`
	Status        Status     `json:"status"`
	PatientName   string     `json:"patientName,omitempty"`
	DoctorName    string     `json:"doctorName,omitempty"`
	ClinicName    string     `json:"clinicName,omitempty"`
	CheckInTime   *time.Time `json:"checkInTime,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// ParseDate parses a YYYY-MM-DD calendar date in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	d, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return d, nil
}

// FormatDate renders t's calendar date in t's location.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}
