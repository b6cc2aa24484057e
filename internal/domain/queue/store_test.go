package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clinic/desk/internal/platform/db"
)

func TestMemoryStore_RoundTripIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Load(ctx, "C1", "2025-06-10"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}

	serving := Item{AppointmentID: "S", QueueNumber: 1}
	snap := Snapshot{
		ClinicID:   "C1",
		Date:       "2025-06-10",
		Waiting:    []Item{{AppointmentID: "A", QueueNumber: 2}},
		Serving:    &serving,
		LastNumber: 2,
	}
	if err := s.Save(ctx, snap); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	snap.Waiting[0].AppointmentID = "mutated"
	serving.QueueNumber = 99

	got, err := s.Load(ctx, "C1", "2025-06-10")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.Waiting[0].AppointmentID != "A" || got.Serving.QueueNumber != 1 {
		t.Errorf("stored snapshot shares memory with caller: %+v", got)
	}

	if _, err := s.Load(ctx, "C1", "2025-06-11"); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("expected other day to be empty, got %v", err)
	}
}

// fakeRows stores payloads keyed by clinic and date and answers the two
// statements PGStore issues.
type fakeRows struct {
	payloads map[string][]byte
	lastSQL  string
}

func (f *fakeRows) Query(context.Context, string, ...interface{}) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

func (f *fakeRows) QueryRow(_ context.Context, sql string, args ...interface{}) pgx.Row {
	f.lastSQL = sql
	return fakeRow{payload: f.payloads[args[0].(string)+"|"+args[1].(string)]}
}

func (f *fakeRows) Exec(_ context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	f.lastSQL = sql
	f.payloads[args[0].(string)+"|"+args[1].(string)] = args[2].([]byte)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

type fakeRow struct{ payload []byte }

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.payload == nil {
		return pgx.ErrNoRows
	}
	*(dest[0].(*[]byte)) = r.payload
	return nil
}

func TestPGStore_SaveAndLoad(t *testing.T) {
	fake := &fakeRows{payloads: make(map[string][]byte)}
	ctx := db.WithConn(context.Background(), fake)
	s := NewPGStore(nil)

	if _, err := s.Load(ctx, "C1", "2025-06-10"); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}

	snap := Snapshot{
		ClinicID:   "C1",
		Date:       "2025-06-10",
		Waiting:    []Item{{AppointmentID: "B", QueueNumber: 2, FastTrack: true}, {AppointmentID: "A", QueueNumber: 1}},
		Paused:     true,
		LastNumber: 2,
		SavedAt:    time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC),
	}
	if err := s.Save(ctx, snap); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if !strings.Contains(fake.lastSQL, "ON CONFLICT (clinic_id, queue_date)") {
		t.Errorf("expected upsert, got %s", fake.lastSQL)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(fake.payloads["C1|2025-06-10"], &raw); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	waiting := raw["waiting"].([]interface{})
	if first := waiting[0].(map[string]interface{}); first["isFastTrack"] != true {
		t.Errorf("expected isFastTrack in payload, got %v", first)
	}

	got, err := s.Load(ctx, "C1", "2025-06-10")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got.Waiting) != 2 || got.Waiting[0].AppointmentID != "B" || !got.Paused || got.LastNumber != 2 {
		t.Errorf("unexpected snapshot: %+v", got)
	}
}

func TestPGStore_CorruptPayload(t *testing.T) {
	fake := &fakeRows{payloads: map[string][]byte{"C1|2025-06-10": []byte("{not json")}}
	ctx := db.WithConn(context.Background(), fake)

	_, err := NewPGStore(nil).Load(ctx, "C1", "2025-06-10")
	if err == nil || errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected decode error, got %v", err)
	}
}
