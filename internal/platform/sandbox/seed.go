// Package sandbox is an in-memory clinic scheduling backend for local
// development and end-to-end tests. It serves the same REST contract the
// desk talks to in production and publishes slot and status events on its
// own push hub.
package sandbox

import (
	"fmt"

	"github.com/clinic/desk/internal/domain/scheduling"
	"github.com/clinic/desk/internal/platform/wallclock"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Hours is one operating period on a weekday, e.g. 09:00-12:00.
type Hours struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// Seed is the directory and timetable the sandbox starts with.
type Seed struct {
	Clinics     []scheduling.Clinic `json:"clinics"`
	Doctors     []scheduling.Doctor `json:"doctors"`
	Hours       []Hours             `json:"hours"`
	SlotMinutes int                 `json:"slotMinutes"`
}

// DefaultSeed returns a small directory: one general practice with two
// doctors and two specialist clinics, open 09:00-12:00 and 13:00-17:00 on
// weekdays in 30-minute slots.
func DefaultSeed() Seed {
	return Seed{
		Clinics: []scheduling.Clinic{
			{ClinicID: "C1", ClinicName: "Harbourview Family Practice", Address: "12 Quay St", Speciality: scheduling.GeneralPracticeSpecialty, Type: scheduling.ClinicTypeGeneralPractice},
			{ClinicID: "C2", ClinicName: "Northside Heart Centre", Address: "40 Ridge Rd", Speciality: "Cardiology", Type: scheduling.ClinicTypeSpecialist},
			{ClinicID: "C3", ClinicName: "Eastgate Skin Clinic", Address: "7 Mill Lane", Speciality: "Dermatology", Type: scheduling.ClinicTypeSpecialist},
		},
		Doctors: []scheduling.Doctor{
			{DoctorID: "D1", DoctorName: "Dr. Amelia Hart", ClinicID: "C1", Speciality: scheduling.GeneralPracticeSpecialty},
			{DoctorID: "D2", DoctorName: "Dr. Rohan Mehta", ClinicID: "C1", Speciality: scheduling.GeneralPracticeSpecialty},
			{DoctorID: "D3", DoctorName: "Dr. Grace Liu", ClinicID: "C2", Speciality: "Cardiology"},
			{DoctorID: "D4", DoctorName: "Dr. Samuel Okafor", ClinicID: "C3", Speciality: "Dermatology"},
		},
		Hours:       []Hours{{Open: "09:00", Close: "12:00"}, {Open: "13:00", Close: "17:00"}},
		SlotMinutes: 30,
	}
}

// Validate checks that the seed is internally consistent and fills in
// clinic names and addresses on doctors.
func (s *Seed) Validate() error {
	if s.SlotMinutes <= 0 {
		return fmt.Errorf("slot length must be positive, got %d", s.SlotMinutes)
	}
	if len(s.Hours) == 0 {
		return fmt.Errorf("at least one operating period is required")
	}
	for _, h := range s.Hours {
		open, err := wallclock.Parse(h.Open)
		if err != nil {
			return fmt.Errorf("opening time: %w", err)
		}
		closing, err := wallclock.Parse(h.Close)
		if err != nil {
			return fmt.Errorf("closing time: %w", err)
		}
		if closing-open < s.SlotMinutes {
			return fmt.Errorf("period %s-%s is shorter than one slot", h.Open, h.Close)
		}
	}

	clinics := make(map[string]scheduling.Clinic, len(s.Clinics))
	for _, c := range s.Clinics {
		if c.ClinicID == "" {
			return fmt.Errorf("clinic %q has no id", c.ClinicName)
		}
		if _, dup := clinics[c.ClinicID]; dup {
			return fmt.Errorf("duplicate clinic id %s", c.ClinicID)
		}
		clinics[c.ClinicID] = c
	}

	seen := make(map[string]bool, len(s.Doctors))
	for i, d := range s.Doctors {
		if d.DoctorID == "" || seen[d.DoctorID] {
			return fmt.Errorf("doctor %q has a missing or duplicate id", d.DoctorName)
		}
		seen[d.DoctorID] = true
		c, ok := clinics[d.ClinicID]
		if !ok {
			return fmt.Errorf("doctor %s references unknown clinic %s", d.DoctorID, d.ClinicID)
		}
		s.Doctors[i].ClinicName = c.ClinicName
		s.Doctors[i].ClinicAddress = c.Address
	}
	return nil
}

// windows lists every slot of one working day in HH:MM form.
func (s *Seed) windows() []scheduling.TimeWindow {
	var out []scheduling.TimeWindow
	for _, h := range s.Hours {
		open, _ := wallclock.Parse(h.Open)
		closing, _ := wallclock.Parse(h.Close)
		for m := open; m+s.SlotMinutes <= closing; m += s.SlotMinutes {
			out = append(out, scheduling.TimeWindow{
				StartTime: wallclock.Format(m),
				EndTime:   wallclock.Format(m + s.SlotMinutes),
			})
		}
	}
	return out
}
