// Package selection holds the slot selection a booking is made from: clinic
// type, specialty, clinic, doctors, date and time window. The fields form a
// chain. Setting one clears every field after it.
package selection

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clinic/desk/internal/domain/availability"
	"github.com/clinic/desk/internal/domain/scheduling"
)

var (
	ErrSpecialtyNotApplicable = errors.New("specialty does not apply to general practice")
	ErrInvalidDate            = errors.New("date must be YYYY-MM-DD")
	ErrInvalidClinicType      = errors.New("unknown clinic type")
	ErrDoctorNotEligible      = errors.New("doctor is not eligible for the current filter")
	ErrClinicNotEligible      = errors.New("clinic does not match the clinic type and specialty")
	ErrInvalidWindow          = errors.New("invalid time window")
)

// Field identifies one link of the selection chain, in order.
type Field int

const (
	FieldClinicType Field = iota
	FieldSpecialty
	FieldClinic
	FieldDoctors
	FieldDate
	FieldWindow
)

var fieldNames = [...]string{"clinicType", "specialty", "clinicId", "doctorIds", "date", "window"}

func (f Field) String() string {
	if f < 0 || int(f) >= len(fieldNames) {
		return fmt.Sprintf("Field(%d)", int(f))
	}
	return fieldNames[f]
}

// State summarizes how far the selection has progressed.
type State string

const (
	StateEmpty            State = "Empty"
	StateClinicTypeChosen State = "ClinicTypeChosen"
	StateSpecialtyChosen  State = "SpecialtyChosen"
	StateClinicChosen     State = "ClinicChosen"
	StateDoctorsChosen    State = "DoctorsChosen"
	StateDateChosen       State = "DateChosen"
	StateSlotChosen       State = "SlotChosen"
	StateReady            State = "Ready"
)

// Filter is the part of the selection that decides doctor eligibility.
type Filter struct {
	ClinicType scheduling.ClinicType
	Specialty  string
	ClinicID   string
}

// Eligible reports whether d can be offered under f. General practice
// matches on the speciality text; a specialist filter matches the chosen
// specialty, or any non general practitioner when none is chosen. A chosen
// clinic further restricts to that clinic's doctors.
func Eligible(d scheduling.Doctor, f Filter) bool {
	switch f.ClinicType {
	case scheduling.ClinicTypeGeneralPractice:
		if !d.IsGeneralPractice() {
			return false
		}
	case scheduling.ClinicTypeSpecialist:
		if s := strings.TrimSpace(f.Specialty); s != "" {
			if !strings.EqualFold(strings.TrimSpace(d.Speciality), s) {
				return false
			}
		} else if d.IsGeneralPractice() {
			return false
		}
	}
	return f.ClinicID == "" || d.ClinicID == f.ClinicID
}

// ClinicEligible reports whether c can be chosen under f's clinic type and
// specialty. A clinic without a speciality matches any specialty.
func ClinicEligible(c scheduling.Clinic, f Filter) bool {
	switch f.ClinicType {
	case scheduling.ClinicTypeGeneralPractice:
		return c.IsGeneralPractice()
	case scheduling.ClinicTypeSpecialist:
		if c.IsGeneralPractice() {
			return false
		}
		spec := strings.TrimSpace(f.Specialty)
		clinicSpec := strings.TrimSpace(c.Speciality)
		return spec == "" || clinicSpec == "" || strings.EqualFold(clinicSpec, spec)
	}
	return false
}

// Value is a copy of every selection field.
type Value struct {
	ClinicType     scheduling.ClinicType
	Specialty      string
	ClinicID       string
	DoctorIDs      []string
	Date           string
	Window         *scheduling.TimeWindow
	ChosenDoctorID string
	ChosenClinicID string
	Revision       uint64
}

// IsSet reports whether field f holds a value.
func (v Value) IsSet(f Field) bool {
	switch f {
	case FieldClinicType:
		return v.ClinicType != ""
	case FieldSpecialty:
		return v.Specialty != ""
	case FieldClinic:
		return v.ClinicID != ""
	case FieldDoctors:
		return len(v.DoctorIDs) > 0
	case FieldDate:
		return v.Date != ""
	case FieldWindow:
		return v.Window != nil
	}
	return false
}

// Choice is a complete slot choice, ready to submit.
type Choice struct {
	Date     string
	Window   scheduling.TimeWindow
	DoctorID string
	ClinicID string
	Revision uint64
}

// Selection is safe for concurrent use. Every setter applies fully or not at
// all.
type Selection struct {
	mu sync.Mutex

	clinicType     scheduling.ClinicType
	specialty      string
	clinicID       string
	doctorIDs      []string
	date           string
	window         *scheduling.TimeWindow
	chosenDoctorID string
	chosenClinicID string

	// revision changes whenever a different window is chosen or cleared.
	revision uint64

	directory     []scheduling.Doctor
	clinics       []scheduling.Clinic
	onQueryChange func(availability.Query)
}

// New returns an empty selection.
func New() *Selection {
	return &Selection{}
}

// OnQueryChange sets fn to be called after any change to the clinic type,
// specialty, clinic or doctors that leaves a fetchable query. fn runs after
// the lock is released.
func (s *Selection) OnQueryChange(fn func(availability.Query)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onQueryChange = fn
}

// SetDirectory installs the doctor list used for eligibility. Selected
// doctors that are no longer eligible are dropped.
func (s *Selection) SetDirectory(doctors []scheduling.Doctor) {
	s.mu.Lock()
	s.directory = append([]scheduling.Doctor(nil), doctors...)
	kept := s.eligibleIDsLocked(s.doctorIDs)
	changed := len(kept) != len(s.doctorIDs)
	if changed {
		s.doctorIDs = kept
		s.clearAfterLocked(FieldDoctors)
	}
	s.mu.Unlock()

	if changed {
		s.queryChanged()
	}
}

// SetClinics installs the clinic list used to check SetClinic. A selected
// clinic that is missing from the list or no longer eligible is cleared
// along with everything after it.
func (s *Selection) SetClinics(clinics []scheduling.Clinic) {
	s.mu.Lock()
	s.clinics = append([]scheduling.Clinic(nil), clinics...)
	changed := s.clinicID != "" && !s.clinicEligibleLocked(s.clinicID)
	if changed {
		s.clinicID = ""
		s.clearAfterLocked(FieldClinic)
	}
	s.mu.Unlock()

	if changed {
		s.queryChanged()
	}
}

// EligibleClinics returns listed clinics matching the clinic type and
// specialty.
func (s *Selection) EligibleClinics() []scheduling.Clinic {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.filterLocked()
	var out []scheduling.Clinic
	for _, c := range s.clinics {
		if ClinicEligible(c, f) {
			out = append(out, c)
		}
	}
	return out
}

// EligibleDoctors returns directory doctors matching the current filter.
func (s *Selection) EligibleDoctors() []scheduling.Doctor {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.filterLocked()
	var out []scheduling.Doctor
	for _, d := range s.directory {
		if Eligible(d, f) {
			out = append(out, d)
		}
	}
	return out
}

// SetClinicType sets field 0. An empty type clears the whole selection.
func (s *Selection) SetClinicType(t scheduling.ClinicType) error {
	if t != "" && t != scheduling.ClinicTypeGeneralPractice && t != scheduling.ClinicTypeSpecialist {
		return fmt.Errorf("%w %q", ErrInvalidClinicType, t)
	}
	s.mu.Lock()
	s.clinicType = t
	s.clearAfterLocked(FieldClinicType)
	s.mu.Unlock()

	s.queryChanged()
	return nil
}

// SetSpecialty sets field 1. Only specialist clinics take a specialty.
func (s *Selection) SetSpecialty(specialty string) error {
	s.mu.Lock()
	switch s.clinicType {
	case "":
		s.mu.Unlock()
		return availability.ErrClinicTypeRequired
	case scheduling.ClinicTypeGeneralPractice:
		s.mu.Unlock()
		return ErrSpecialtyNotApplicable
	}
	s.specialty = strings.TrimSpace(specialty)
	s.clearAfterLocked(FieldSpecialty)
	s.mu.Unlock()

	s.queryChanged()
	return nil
}

// SetClinic sets field 2. With a clinic list installed the clinic must be
// listed and match the clinic type and specialty.
func (s *Selection) SetClinic(clinicID string) error {
	s.mu.Lock()
	if s.clinicType == "" {
		s.mu.Unlock()
		return availability.ErrClinicTypeRequired
	}
	id := strings.TrimSpace(clinicID)
	if id != "" && len(s.clinics) > 0 && !s.clinicEligibleLocked(id) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrClinicNotEligible, id)
	}
	s.clinicID = id
	s.clearAfterLocked(FieldClinic)
	s.mu.Unlock()

	s.queryChanged()
	return nil
}

// SetDoctors sets field 3. With a directory installed every id must be
// eligible under the current filter.
func (s *Selection) SetDoctors(doctorIDs []string) error {
	ids := dedupe(doctorIDs)

	s.mu.Lock()
	if len(s.directory) > 0 {
		if kept := s.eligibleIDsLocked(ids); len(kept) != len(ids) {
			s.mu.Unlock()
			return ErrDoctorNotEligible
		}
	}
	s.doctorIDs = ids
	s.clearAfterLocked(FieldDoctors)
	s.mu.Unlock()

	s.queryChanged()
	return nil
}

// SetDate sets field 4.
func (s *Selection) SetDate(date string) error {
	if date != "" {
		if _, err := time.Parse(scheduling.DateLayout, date); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidDate, date)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.date = date
	s.clearAfterLocked(FieldDate)
	return nil
}

// ChooseWindow sets field 5 from an availability entry. The entry's date
// becomes the selected date if it differs. The doctor and clinic the slot is
// booked with are taken from the entry, falling back to the selected clinic
// and then the directory.
func (s *Selection) ChooseWindow(entry scheduling.DateAvailability, window scheduling.TimeWindow) error {
	if _, err := time.Parse(scheduling.DateLayout, entry.Date); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidDate, entry.Date)
	}
	w, err := window.Normalize()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidWindow, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.date != entry.Date {
		s.date = entry.Date
		s.clearAfterLocked(FieldDate)
	}

	clinicID := entry.ClinicID
	if clinicID == "" {
		clinicID = s.clinicID
	}
	if clinicID == "" {
		for _, d := range s.directory {
			if d.DoctorID == entry.DoctorID {
				clinicID = d.ClinicID
				break
			}
		}
	}

	// Choosing the slot that is already chosen keeps the revision.
	same := s.window != nil && *s.window == w &&
		s.chosenDoctorID == entry.DoctorID && s.chosenClinicID == clinicID
	s.window = &w
	s.chosenDoctorID = entry.DoctorID
	s.chosenClinicID = clinicID
	if !same {
		s.revision++
	}
	return nil
}

// Reset clears every field.
func (s *Selection) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clinicType = ""
	s.clearAfterLocked(FieldClinicType)
}

// State reports the furthest field reached.
func (s *Selection) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.readyLocked():
		return StateReady
	case s.window != nil:
		return StateSlotChosen
	case s.date != "":
		return StateDateChosen
	case len(s.doctorIDs) > 0:
		return StateDoctorsChosen
	case s.clinicID != "":
		return StateClinicChosen
	case s.specialty != "":
		return StateSpecialtyChosen
	case s.clinicType != "":
		return StateClinicTypeChosen
	}
	return StateEmpty
}

// Ready reports whether a date, window, doctor and clinic are all chosen.
func (s *Selection) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyLocked()
}

// Chosen returns the complete choice when the selection is ready.
func (s *Selection) Chosen() (Choice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.readyLocked() {
		return Choice{}, false
	}
	return Choice{
		Date:     s.date,
		Window:   *s.window,
		DoctorID: s.chosenDoctorID,
		ClinicID: s.chosenClinicID,
		Revision: s.revision,
	}, true
}

// Revision identifies the current window choice.
func (s *Selection) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Current returns a copy of all fields.
func (s *Selection) Current() Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := Value{
		ClinicType:     s.clinicType,
		Specialty:      s.specialty,
		ClinicID:       s.clinicID,
		DoctorIDs:      append([]string(nil), s.doctorIDs...),
		Date:           s.date,
		ChosenDoctorID: s.chosenDoctorID,
		ChosenClinicID: s.chosenClinicID,
		Revision:       s.revision,
	}
	if s.window != nil {
		w := *s.window
		v.Window = &w
	}
	return v
}

// Query returns the availability query for the current fields.
func (s *Selection) Query() availability.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked()
}

func (s *Selection) queryLocked() availability.Query {
	return availability.Query{
		ClinicType: s.clinicType,
		Specialty:  s.specialty,
		ClinicID:   s.clinicID,
		DoctorIDs:  append([]string(nil), s.doctorIDs...),
	}
}

func (s *Selection) filterLocked() Filter {
	return Filter{ClinicType: s.clinicType, Specialty: s.specialty, ClinicID: s.clinicID}
}

func (s *Selection) readyLocked() bool {
	return s.date != "" && s.window != nil && s.chosenDoctorID != "" && s.chosenClinicID != ""
}

// clearAfterLocked resets every field after f.
func (s *Selection) clearAfterLocked(f Field) {
	if f < FieldSpecialty {
		s.specialty = ""
	}
	if f < FieldClinic {
		s.clinicID = ""
	}
	if f < FieldDoctors {
		s.doctorIDs = nil
	}
	if f < FieldDate {
		s.date = ""
	}
	if f < FieldWindow {
		if s.window != nil {
			s.revision++
		}
		s.window = nil
		s.chosenDoctorID = ""
		s.chosenClinicID = ""
	}
}

func (s *Selection) clinicEligibleLocked(id string) bool {
	if len(s.clinics) == 0 {
		return true
	}
	f := s.filterLocked()
	for _, c := range s.clinics {
		if c.ClinicID == id {
			return ClinicEligible(c, f)
		}
	}
	return false
}

func (s *Selection) eligibleIDsLocked(ids []string) []string {
	if len(s.directory) == 0 {
		return ids
	}
	f := s.filterLocked()
	byID := make(map[string]scheduling.Doctor, len(s.directory))
	for _, d := range s.directory {
		byID[d.DoctorID] = d
	}
	var kept []string
	for _, id := range ids {
		if d, ok := byID[id]; ok && Eligible(d, f) {
			kept = append(kept, id)
		}
	}
	return kept
}

func (s *Selection) queryChanged() {
	s.mu.Lock()
	fn := s.onQueryChange
	q := s.queryLocked()
	s.mu.Unlock()

	if fn != nil && q.Validate() == nil {
		fn(q)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
