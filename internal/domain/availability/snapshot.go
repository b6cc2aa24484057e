package availability

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/desk/internal/domain/scheduling"
	"github.com/clinic/desk/internal/platform/wallclock"
)

// DefaultHorizonDays is how far past today unavailable dates are listed.
const DefaultHorizonDays = 56

// Snapshot is the filtered availability plus the date sets derived from it.
type Snapshot struct {
	Query            Query
	Today            string
	HorizonDays      int
	Entries          []scheduling.DateAvailability
	AvailableDates   []string
	UnavailableDates []string
	FetchedAt        time.Time
}

// EntriesOn returns the entries for date.
func (s Snapshot) EntriesOn(date string) []scheduling.DateAvailability {
	var out []scheduling.DateAvailability
	for _, e := range s.Entries {
		if e.Date == date {
			out = append(out, cloneEntry(e))
		}
	}
	return out
}

// IsAvailable reports whether date has at least one open window.
func (s Snapshot) IsAvailable(date string) bool {
	i := sort.SearchStrings(s.AvailableDates, date)
	return i < len(s.AvailableDates) && s.AvailableDates[i] == date
}

// Derive filters raw backend entries as of now and computes the date sets.
//
// Windows are normalized to HH:MM and unusable ones are dropped. Dates before
// today are dropped. On today only windows starting strictly after the
// current minute are kept. Entries left without windows are dropped.
func Derive(raw []scheduling.DateAvailability, now time.Time, horizonDays int, logger zerolog.Logger) Snapshot {
	if horizonDays <= 0 {
		horizonDays = DefaultHorizonDays
	}
	today := scheduling.FormatDate(now)
	nowMinutes := wallclock.MinutesOf(now)

	var entries []scheduling.DateAvailability
	for _, e := range raw {
		if e.Date < today {
			continue
		}
		if _, err := scheduling.ParseDate(e.Date, now.Location()); err != nil {
			logger.Warn().Str("date", e.Date).Str("doctor_id", e.DoctorID).Msg("dropping availability with bad date")
			continue
		}

		kept := make([]scheduling.TimeWindow, 0, len(e.TimeSlots))
		seen := make(map[string]bool, len(e.TimeSlots))
		for _, w := range e.TimeSlots {
			nw, err := w.Normalize()
			if err != nil {
				logger.Warn().Err(err).Str("date", e.Date).Str("doctor_id", e.DoctorID).Msg("dropping unusable time window")
				continue
			}
			if e.Date == today && nw.StartMinutes() <= nowMinutes {
				continue
			}
			if seen[nw.StartTime] {
				continue
			}
			seen[nw.StartTime] = true
			kept = append(kept, nw)
		}
		if len(kept) == 0 {
			continue
		}
		sort.Slice(kept, func(i, j int) bool { return kept[i].StartTime < kept[j].StartTime })

		e.TimeSlots = kept
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Date != entries[j].Date {
			return entries[i].Date < entries[j].Date
		}
		return entries[i].DoctorID < entries[j].DoctorID
	})

	s := Snapshot{Today: today, HorizonDays: horizonDays, Entries: entries, FetchedAt: now}
	s.recompute(now.Location())
	return s
}

// recompute rebuilds AvailableDates and UnavailableDates from Entries.
func (s *Snapshot) recompute(loc *time.Location) {
	available := make(map[string]bool)
	for _, e := range s.Entries {
		if len(e.TimeSlots) > 0 {
			available[e.Date] = true
		}
	}

	s.AvailableDates = s.AvailableDates[:0]
	for d := range available {
		s.AvailableDates = append(s.AvailableDates, d)
	}
	sort.Strings(s.AvailableDates)

	s.UnavailableDates = s.UnavailableDates[:0]
	start, err := scheduling.ParseDate(s.Today, loc)
	if err != nil {
		return
	}
	for i := 0; i <= s.HorizonDays; i++ {
		d := scheduling.FormatDate(start.AddDate(0, 0, i))
		if !available[d] {
			s.UnavailableDates = append(s.UnavailableDates, d)
		}
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Query = s.Query.clone()
	out.Entries = make([]scheduling.DateAvailability, len(s.Entries))
	for i, e := range s.Entries {
		out.Entries[i] = cloneEntry(e)
	}
	out.AvailableDates = append([]string(nil), s.AvailableDates...)
	out.UnavailableDates = append([]string(nil), s.UnavailableDates...)
	return out
}

func cloneEntry(e scheduling.DateAvailability) scheduling.DateAvailability {
	e.TimeSlots = append([]scheduling.TimeWindow(nil), e.TimeSlots...)
	return e
}
