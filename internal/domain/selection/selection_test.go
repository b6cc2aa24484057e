package selection

import (
	"errors"
	"fmt"
	"testing"

	"github.com/clinic/desk/internal/domain/availability"
	"github.com/clinic/desk/internal/domain/scheduling"
)

var (
	d1Entry = scheduling.DateAvailability{Date: "2025-06-10", DoctorID: "D1", ClinicID: "C1"}
	window  = scheduling.TimeWindow{StartTime: "09:00", EndTime: "09:30"}
)

// apply sets field f to a fixed valid value.
func apply(s *Selection, f Field) error {
	switch f {
	case FieldClinicType:
		return s.SetClinicType(scheduling.ClinicTypeSpecialist)
	case FieldSpecialty:
		return s.SetSpecialty("Cardiology")
	case FieldClinic:
		return s.SetClinic("C1")
	case FieldDoctors:
		return s.SetDoctors([]string{"D1"})
	case FieldDate:
		return s.SetDate("2025-06-10")
	case FieldWindow:
		return s.ChooseWindow(d1Entry, window)
	}
	return fmt.Errorf("unknown field %d", f)
}

// expected applies the cascading rule to a model of which fields are set.
func expected(set [6]bool, f Field) [6]bool {
	switch f {
	case FieldSpecialty, FieldClinic:
		if !set[FieldClinicType] {
			return set
		}
	case FieldWindow:
		set[FieldDate] = true
		set[FieldWindow] = true
		return set
	}
	set[f] = true
	for j := f + 1; j <= FieldWindow; j++ {
		set[j] = false
	}
	return set
}

func observed(s *Selection) [6]bool {
	v := s.Current()
	var out [6]bool
	for f := FieldClinicType; f <= FieldWindow; f++ {
		out[f] = v.IsSet(f)
	}
	return out
}

func fill(t *testing.T, s *Selection) {
	t.Helper()
	for f := FieldClinicType; f <= FieldWindow; f++ {
		if err := apply(s, f); err != nil {
			t.Fatalf("fill %s: %v", f, err)
		}
	}
}

func TestSelection_CascadingResetExhaustive(t *testing.T) {
	const depth = 4
	fields := []Field{FieldClinicType, FieldSpecialty, FieldClinic, FieldDoctors, FieldDate, FieldWindow}

	var walk func(prefix []Field)
	total := 0
	walk = func(prefix []Field) {
		if len(prefix) == depth {
			for _, startFull := range []bool{false, true} {
				total++
				s := New()
				var model [6]bool
				if startFull {
					fill(t, s)
					model = observed(s)
				}
				for _, f := range prefix {
					_ = apply(s, f)
					model = expected(model, f)
					got := observed(s)
					if got != model {
						t.Fatalf("sequence %v (full=%v): after %s expected %v, got %v", prefix, startFull, f, model, got)
					}
					v := s.Current()
					if v.Window == nil && (v.ChosenDoctorID != "" || v.ChosenClinicID != "") {
						t.Fatalf("sequence %v: chosen doctor/clinic must clear with the window", prefix)
					}
				}
			}
			return
		}
		for _, f := range fields {
			walk(append(append([]Field(nil), prefix...), f))
		}
	}
	walk(nil)

	if total != 2*6*6*6*6 {
		t.Fatalf("expected %d sequences, ran %d", 2*6*6*6*6, total)
	}
}

func TestSelection_SettingFieldClearsLaterFields(t *testing.T) {
	for f := FieldClinicType; f <= FieldDate; f++ {
		t.Run(f.String(), func(t *testing.T) {
			s := New()
			fill(t, s)
			if err := apply(s, f); err != nil {
				t.Fatalf("apply: %v", err)
			}
			v := s.Current()
			for g := FieldClinicType; g <= FieldWindow; g++ {
				if want := g <= f; v.IsSet(g) != want {
					t.Errorf("field %s: expected set=%v", g, want)
				}
			}
		})
	}
}

func TestSelection_States(t *testing.T) {
	s := New()
	want := []State{StateClinicTypeChosen, StateSpecialtyChosen, StateClinicChosen, StateDoctorsChosen, StateDateChosen, StateReady}

	if s.State() != StateEmpty {
		t.Fatalf("expected Empty, got %s", s.State())
	}
	for f := FieldClinicType; f <= FieldWindow; f++ {
		if err := apply(s, f); err != nil {
			t.Fatalf("apply %s: %v", f, err)
		}
		if got := s.State(); got != want[f] {
			t.Fatalf("after %s expected %s, got %s", f, want[f], got)
		}
	}

	s.Reset()
	if s.State() != StateEmpty {
		t.Fatalf("expected Empty after reset, got %s", s.State())
	}
}

func TestSelection_SlotChosenWithoutDoctorIsNotReady(t *testing.T) {
	s := New()
	if err := s.ChooseWindow(scheduling.DateAvailability{Date: "2025-06-10"}, window); err != nil {
		t.Fatalf("choose: %v", err)
	}
	if s.Ready() {
		t.Fatal("a window without a doctor is not ready")
	}
	if s.State() != StateSlotChosen {
		t.Fatalf("expected SlotChosen, got %s", s.State())
	}
	if _, ok := s.Chosen(); ok {
		t.Fatal("Chosen must report false when not ready")
	}
}

func TestSelection_ChooseWindowResolvesClinic(t *testing.T) {
	t.Run("from entry", func(t *testing.T) {
		s := New()
		_ = s.ChooseWindow(d1Entry, window)
		if c, _ := s.Chosen(); c.ClinicID != "C1" || c.DoctorID != "D1" {
			t.Fatalf("unexpected choice %+v", c)
		}
	})

	t.Run("from selected clinic", func(t *testing.T) {
		s := New()
		_ = s.SetClinicType(scheduling.ClinicTypeGeneralPractice)
		_ = s.SetClinic("C7")
		_ = s.ChooseWindow(scheduling.DateAvailability{Date: "2025-06-10", DoctorID: "D1"}, window)
		if c, _ := s.Chosen(); c.ClinicID != "C7" {
			t.Fatalf("expected C7, got %+v", c)
		}
	})

	t.Run("from directory", func(t *testing.T) {
		s := New()
		s.SetDirectory([]scheduling.Doctor{{DoctorID: "D1", ClinicID: "C9", Speciality: "General Practice"}})
		_ = s.ChooseWindow(scheduling.DateAvailability{Date: "2025-06-10", DoctorID: "D1"}, window)
		if c, _ := s.Chosen(); c.ClinicID != "C9" {
			t.Fatalf("expected C9, got %+v", c)
		}
	})
}

func TestSelection_ChooseWindowNormalizesAndValidates(t *testing.T) {
	s := New()
	if err := s.ChooseWindow(d1Entry, scheduling.TimeWindow{StartTime: "09:00:00", EndTime: "9:30 AM"}); err != nil {
		t.Fatalf("choose: %v", err)
	}
	if c, _ := s.Chosen(); c.Window.StartTime != "09:00" || c.Window.EndTime != "09:30" {
		t.Fatalf("expected normalized window, got %+v", c.Window)
	}

	before := s.Current()
	if err := s.ChooseWindow(d1Entry, scheduling.TimeWindow{StartTime: "10:00", EndTime: "09:00"}); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
	if err := s.ChooseWindow(scheduling.DateAvailability{Date: "10/06/2025"}, window); !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("expected ErrInvalidDate, got %v", err)
	}
	if after := s.Current(); after.Revision != before.Revision || *after.Window != *before.Window {
		t.Fatal("a rejected choice must not change state")
	}
}

func TestSelection_Revision(t *testing.T) {
	s := New()
	_ = s.ChooseWindow(d1Entry, window)
	r1 := s.Revision()

	_ = s.ChooseWindow(d1Entry, window)
	if s.Revision() != r1 {
		t.Fatal("choosing the same slot again keeps the revision")
	}

	_ = s.ChooseWindow(d1Entry, scheduling.TimeWindow{StartTime: "09:30", EndTime: "10:00"})
	if s.Revision() == r1 {
		t.Fatal("choosing another slot must bump the revision")
	}

	r2 := s.Revision()
	_ = s.SetDate("2025-06-11")
	if s.Revision() == r2 {
		t.Fatal("clearing the window must bump the revision")
	}
}

func TestSelection_SetterErrors(t *testing.T) {
	s := New()
	if err := s.SetSpecialty("Cardiology"); !errors.Is(err, availability.ErrClinicTypeRequired) {
		t.Errorf("expected ErrClinicTypeRequired, got %v", err)
	}
	if err := s.SetClinic("C1"); !errors.Is(err, availability.ErrClinicTypeRequired) {
		t.Errorf("expected ErrClinicTypeRequired, got %v", err)
	}
	if err := s.SetClinicType("DENTAL"); !errors.Is(err, ErrInvalidClinicType) {
		t.Errorf("expected ErrInvalidClinicType, got %v", err)
	}

	_ = s.SetClinicType(scheduling.ClinicTypeGeneralPractice)
	if err := s.SetSpecialty("Cardiology"); !errors.Is(err, ErrSpecialtyNotApplicable) {
		t.Errorf("expected ErrSpecialtyNotApplicable, got %v", err)
	}
	if err := s.SetDate("2025-13-01"); !errors.Is(err, ErrInvalidDate) {
		t.Errorf("expected ErrInvalidDate, got %v", err)
	}
	if s.State() != StateClinicTypeChosen {
		t.Errorf("failed setters must not change state, got %s", s.State())
	}
}

// ---------------------------------------------------------------------------
// Eligibility
// ---------------------------------------------------------------------------

var directory = []scheduling.Doctor{
	{DoctorID: "GP1", ClinicID: "C1", Speciality: "General Practice"},
	{DoctorID: "GP2", ClinicID: "C2", Speciality: "general practice, family medicine"},
	{DoctorID: "CA1", ClinicID: "C3", Speciality: "Cardiology"},
	{DoctorID: "CA2", ClinicID: "C4", Speciality: " cardiology "},
	{DoctorID: "DE1", ClinicID: "C3", Speciality: "Dermatology"},
}

func TestEligible(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"general practice", Filter{ClinicType: scheduling.ClinicTypeGeneralPractice}, []string{"GP1", "GP2"}},
		{"general practice at clinic", Filter{ClinicType: scheduling.ClinicTypeGeneralPractice, ClinicID: "C2"}, []string{"GP2"}},
		{"specialist with specialty", Filter{ClinicType: scheduling.ClinicTypeSpecialist, Specialty: "CARDIOLOGY"}, []string{"CA1", "CA2"}},
		{"specialist without specialty", Filter{ClinicType: scheduling.ClinicTypeSpecialist}, []string{"CA1", "CA2", "DE1"}},
		{"specialist at clinic", Filter{ClinicType: scheduling.ClinicTypeSpecialist, ClinicID: "C3"}, []string{"CA1", "DE1"}},
		{"no filter", Filter{}, []string{"GP1", "GP2", "CA1", "CA2", "DE1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, d := range directory {
				if Eligible(d, tt.filter) {
					got = append(got, d.DoctorID)
				}
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSelection_EligibleDoctorsAndDirectory(t *testing.T) {
	s := New()
	s.SetDirectory(directory)
	_ = s.SetClinicType(scheduling.ClinicTypeSpecialist)
	_ = s.SetSpecialty("Cardiology")

	if got := s.EligibleDoctors(); len(got) != 2 {
		t.Fatalf("expected 2 cardiologists, got %+v", got)
	}
	if err := s.SetDoctors([]string{"GP1"}); !errors.Is(err, ErrDoctorNotEligible) {
		t.Fatalf("expected ErrDoctorNotEligible, got %v", err)
	}
	if err := s.SetDoctors([]string{"CA1", "CA2", "CA1"}); err != nil {
		t.Fatalf("set doctors: %v", err)
	}
	if got := s.Current().DoctorIDs; len(got) != 2 {
		t.Fatalf("expected duplicates dropped, got %v", got)
	}

	_ = s.SetDate("2025-06-10")
	// CA2 leaves the directory: it is dropped and later fields clear.
	s.SetDirectory(directory[:3])
	v := s.Current()
	if len(v.DoctorIDs) != 1 || v.DoctorIDs[0] != "CA1" {
		t.Fatalf("expected CA1 only, got %v", v.DoctorIDs)
	}
	if v.Date != "" {
		t.Fatal("dropping a doctor clears the date")
	}
}

var clinicList = []scheduling.Clinic{
	{ClinicID: "C1", Speciality: "General Practice", Type: scheduling.ClinicTypeGeneralPractice},
	{ClinicID: "C2", Speciality: "General Practice"},
	{ClinicID: "C3", Speciality: "Cardiology", Type: scheduling.ClinicTypeSpecialist},
	{ClinicID: "C4", Speciality: "Dermatology", Type: scheduling.ClinicTypeSpecialist},
	{ClinicID: "C5", Type: scheduling.ClinicTypeSpecialist},
}

func TestClinicEligible(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"general practice", Filter{ClinicType: scheduling.ClinicTypeGeneralPractice}, []string{"C1", "C2"}},
		{"specialist without specialty", Filter{ClinicType: scheduling.ClinicTypeSpecialist}, []string{"C3", "C4", "C5"}},
		{"specialist with specialty", Filter{ClinicType: scheduling.ClinicTypeSpecialist, Specialty: "cardiology"}, []string{"C3", "C5"}},
		{"no clinic type", Filter{}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, c := range clinicList {
				if ClinicEligible(c, tt.filter) {
					got = append(got, c.ClinicID)
				}
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestSelection_SetClinicChecksClinicList(t *testing.T) {
	s := New()
	s.SetClinics(clinicList)
	_ = s.SetClinicType(scheduling.ClinicTypeSpecialist)
	_ = s.SetSpecialty("Cardiology")

	for _, id := range []string{"C1", "C4", "C9"} {
		if err := s.SetClinic(id); !errors.Is(err, ErrClinicNotEligible) {
			t.Errorf("SetClinic(%s): expected ErrClinicNotEligible, got %v", id, err)
		}
	}
	if s.State() != StateSpecialtyChosen {
		t.Fatalf("rejected clinic must not change state, got %s", s.State())
	}
	if got := s.EligibleClinics(); len(got) != 2 {
		t.Errorf("expected C3 and C5, got %+v", got)
	}

	if err := s.SetClinic("C3"); err != nil {
		t.Fatalf("SetClinic(C3): %v", err)
	}
	_ = s.SetDoctors([]string{"D1"})
	_ = s.SetDate("2025-06-10")

	// C3 stops being a cardiology clinic: it and everything after it clear.
	s.SetClinics([]scheduling.Clinic{{ClinicID: "C3", Speciality: "Dermatology", Type: scheduling.ClinicTypeSpecialist}})
	v := s.Current()
	if v.ClinicID != "" || len(v.DoctorIDs) != 0 || v.Date != "" {
		t.Fatalf("expected clinic, doctors and date cleared, got %+v", v)
	}
	if v.Specialty != "Cardiology" {
		t.Errorf("specialty must survive, got %q", v.Specialty)
	}
}

func TestSelection_SetClinicWithoutClinicList(t *testing.T) {
	s := New()
	_ = s.SetClinicType(scheduling.ClinicTypeGeneralPractice)
	if err := s.SetClinic("anything"); err != nil {
		t.Fatalf("without a clinic list any id is accepted, got %v", err)
	}
}

func TestSelection_OnQueryChange(t *testing.T) {
	s := New()
	var got []availability.Query
	s.OnQueryChange(func(q availability.Query) { got = append(got, q) })

	_ = s.SetClinicType(scheduling.ClinicTypeSpecialist) // not fetchable yet
	_ = s.SetSpecialty("Cardiology")
	_ = s.SetClinic("C3")
	_ = s.SetDoctors([]string{"CA1"})
	_ = s.SetDate("2025-06-10") // date does not change the query
	_ = s.SetClinicType("")     // empty is not fetchable

	if len(got) != 3 {
		t.Fatalf("expected 3 query changes, got %d: %+v", len(got), got)
	}
	last := got[2]
	if last.Specialty != "Cardiology" || last.ClinicID != "C3" || len(last.DoctorIDs) != 1 {
		t.Fatalf("unexpected query %+v", last)
	}
	if s.Query().ClinicType != "" {
		t.Fatal("query must reflect the cleared selection")
	}
}
