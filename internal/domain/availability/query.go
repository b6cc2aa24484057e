// Package availability fetches open appointment windows for a clinic filter
// and keeps a derived snapshot of which dates can and cannot be booked.
package availability

import (
	"errors"
	"strings"

	"github.com/clinic/desk/internal/domain/scheduling"
	"github.com/clinic/desk/internal/platform/backend"
)

var (
	ErrClinicTypeRequired = errors.New("clinic type is required")
	ErrSpecialtyRequired  = errors.New("specialty is required for specialist clinics")
	ErrLoadFailed         = errors.New("could not load availability")
	ErrStale              = errors.New("availability result superseded by a newer fetch")
	ErrClosed             = errors.New("availability fetcher is closed")
)

// Query is the clinic filter availability is fetched for.
type Query struct {
	ClinicType scheduling.ClinicType
	Specialty  string
	ClinicID   string
	DoctorIDs  []string
}

// Validate reports whether the query can be sent.
func (q Query) Validate() error {
	switch q.ClinicType {
	case scheduling.ClinicTypeGeneralPractice:
		return nil
	case scheduling.ClinicTypeSpecialist:
		if strings.TrimSpace(q.Specialty) == "" {
			return ErrSpecialtyRequired
		}
		return nil
	default:
		return ErrClinicTypeRequired
	}
}

// SpecialtyKey is the speciality value sent to the backend.
func (q Query) SpecialtyKey() string {
	if q.ClinicType == scheduling.ClinicTypeGeneralPractice {
		return scheduling.GeneralPracticeSpecialty
	}
	return q.Specialty
}

// Equal compares two queries field by field, including doctor order.
func (q Query) Equal(o Query) bool {
	if q.ClinicType != o.ClinicType || q.Specialty != o.Specialty || q.ClinicID != o.ClinicID {
		return false
	}
	if len(q.DoctorIDs) != len(o.DoctorIDs) {
		return false
	}
	for i := range q.DoctorIDs {
		if q.DoctorIDs[i] != o.DoctorIDs[i] {
			return false
		}
	}
	return true
}

func (q Query) request() backend.DateSlotsQuery {
	return backend.DateSlotsQuery{
		ClinicID:   q.ClinicID,
		Speciality: q.SpecialtyKey(),
		DoctorIDs:  append([]string(nil), q.DoctorIDs...),
	}
}

func (q Query) clone() Query {
	q.DoctorIDs = append([]string(nil), q.DoctorIDs...)
	return q
}
