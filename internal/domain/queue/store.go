package queue

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// ErrNoSnapshot is returned by Store.Load when nothing was saved for the
// clinic and day.
var ErrNoSnapshot = errors.New("no queue snapshot")

// Snapshot is the persisted queue state for one clinic and day.
type Snapshot struct {
	ClinicID   string    `json:"clinicId"`
	Date       string    `json:"date"`
	Waiting    []Item    `json:"waiting"`
	Serving    *Item     `json:"serving,omitempty"`
	Called     []string  `json:"called,omitempty"`
	Paused     bool      `json:"paused"`
	LastNumber int       `json:"lastNumber"`
	SavedAt    time.Time `json:"savedAt"`
}

// Store persists queue snapshots so separate desk processes share a queue.
type Store interface {
	Load(ctx context.Context, clinicID, date string) (*Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// MemoryStore keeps snapshots in process.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (s *MemoryStore) Load(_ context.Context, clinicID, date string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[storeKey(clinicID, date)]
	if !ok {
		return nil, ErrNoSnapshot
	}
	out := cloneSnapshot(snap)
	return &out, nil
}

func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[storeKey(snap.ClinicID, snap.Date)] = cloneSnapshot(snap)
	return nil
}

func storeKey(clinicID, date string) string {
	return clinicID + "|" + date
}

func cloneSnapshot(s Snapshot) Snapshot {
	s.Waiting = slices.Clone(s.Waiting)
	s.Called = slices.Clone(s.Called)
	if s.Serving != nil {
		v := *s.Serving
		s.Serving = &v
	}
	return s
}
