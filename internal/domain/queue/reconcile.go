package queue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/clinic/desk/internal/domain/scheduling"
)

// Reconcile re-reads the day's appointments and brings the waiting list and
// views back in line with the backend. Applying the same list twice changes
// nothing. A response that arrives after a newer one was applied is dropped
// with ErrStale.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	list, err := c.api.ListAppointments(ctx, c.clinicID, c.date)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrReconcileFailed, err)
	}
	if seq < c.applied {
		c.mu.Unlock()
		c.logger.Debug().Uint64("seq", seq).Msg("discarding stale appointment list")
		return ErrStale
	}
	c.applied = seq
	changed := c.applyLocked(list, seq)
	waiting := len(c.waiting)
	c.mu.Unlock()

	c.metrics.SetQueueWaiting(waiting)
	if changed {
		c.logger.Info().Int("appointments", len(list)).Int("waiting", waiting).Msg("queue reconciled")
		c.persist()
	}
	return nil
}

// applyLocked merges a fetched list into local state and reports whether the
// waiting list or "now serving" changed.
func (c *Coordinator) applyLocked(list []scheduling.Appointment, seq uint64) bool {
	fresh := make(map[string]scheduling.Appointment, len(list))
	for _, a := range list {
		if a.AppointmentID == "" {
			continue
		}
		if a.ClinicID != "" && a.ClinicID != c.clinicID {
			continue
		}
		fresh[a.AppointmentID] = a
	}

	// Local changes newer than this fetch win over what it says.
	for id, at := range c.touched {
		if at < seq {
			delete(c.touched, id)
			continue
		}
		if local, ok := c.appts[id]; ok {
			if a, ok := fresh[id]; ok {
				a.Status = local.Status
				a.CheckInTime = local.CheckInTime
				fresh[id] = a
			} else {
				fresh[id] = local
			}
		}
	}
	c.appts = fresh
	c.rebuildViewsLocked()

	before := slices.Clone(c.waiting)
	var beforeServing *Item
	if c.serving != nil {
		s := *c.serving
		beforeServing = &s
	}
	beforeNumber := c.lastNumber

	kept := c.waiting[:0]
	for _, it := range c.waiting {
		a, ok := fresh[it.AppointmentID]
		if !ok || a.Status != scheduling.StatusCheckedIn {
			continue
		}
		it.PatientName, it.DoctorName, it.StartTime = a.PatientName, a.DoctorName, a.StartTime
		kept = append(kept, it)
	}
	c.waiting = kept

	if c.serving != nil {
		if a, ok := fresh[c.serving.AppointmentID]; ok && a.Status.IsTerminal() {
			c.serving = nil
		}
	}

	var missing []scheduling.Appointment
	for id, a := range fresh {
		if a.Status != scheduling.StatusCheckedIn {
			continue
		}
		if c.called[id] || c.indexLocked(id) >= 0 || (c.serving != nil && c.serving.AppointmentID == id) {
			continue
		}
		missing = append(missing, a)
	}
	sortByCheckIn(missing)
	for _, a := range missing {
		c.lastNumber++
		c.waiting = append(c.waiting, c.itemLocked(a.AppointmentID, c.lastNumber))
	}

	return !slices.Equal(before, c.waiting) ||
		!sameItem(beforeServing, c.serving) ||
		beforeNumber != c.lastNumber
}

func sameItem(a, b *Item) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sortByCheckIn orders by check-in time, then start time. Appointments with
// no check-in time go last.
func sortByCheckIn(list []scheduling.Appointment) {
	sort.SliceStable(list, func(i, j int) bool {
		ti, tj := list[i].CheckInTime, list[j].CheckInTime
		switch {
		case ti != nil && tj != nil && !ti.Equal(*tj):
			return ti.Before(*tj)
		case ti != nil && tj == nil:
			return true
		case ti == nil && tj != nil:
			return false
		}
		si, sj := startMinutes(list[i].StartTime), startMinutes(list[j].StartTime)
		if si != sj {
			return si < sj
		}
		return list[i].AppointmentID < list[j].AppointmentID
	})
}

// Restore loads the saved snapshot for this clinic and day. A missing
// snapshot leaves the queue empty.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	snap, err := c.store.Load(ctx, c.clinicID, c.date)
	if errors.Is(err, ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load queue snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	c.waiting = slices.Clone(snap.Waiting)
	c.serving = nil
	if snap.Serving != nil {
		s := *snap.Serving
		c.serving = &s
	}
	c.paused = snap.Paused
	c.lastNumber = snap.LastNumber
	c.called = make(map[string]bool, len(snap.Called))
	for _, id := range snap.Called {
		c.called[id] = true
	}
	for _, it := range c.waiting {
		c.lastNumber = max(c.lastNumber, it.QueueNumber)
	}
	if c.serving != nil {
		c.lastNumber = max(c.lastNumber, c.serving.QueueNumber)
	}

	c.logger.Info().Int("waiting", len(c.waiting)).Time("saved_at", snap.SavedAt).Msg("queue restored")
	return nil
}

// Snapshot returns the persistable queue state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{
		ClinicID:   c.clinicID,
		Date:       c.date,
		Waiting:    slices.Clone(c.waiting),
		Paused:     c.paused,
		LastNumber: c.lastNumber,
		SavedAt:    c.now().UTC(),
	}
	if snap.Waiting == nil {
		snap.Waiting = []Item{}
	}
	if c.serving != nil {
		s := *c.serving
		snap.Serving = &s
	}
	for id := range c.called {
		snap.Called = append(snap.Called, id)
	}
	sort.Strings(snap.Called)
	return snap
}

// persist saves the current state when a store is configured. Failures are
// logged and otherwise ignored.
func (c *Coordinator) persist() {
	if c.store == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := c.store.Save(ctx, snap); err != nil {
		c.logger.Warn().Err(err).Msg("failed to save queue snapshot")
	}
}
