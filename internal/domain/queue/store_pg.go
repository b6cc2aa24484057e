package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/desk/internal/platform/db"
)

// PGStore keeps snapshots in the queue_snapshot table, one row per clinic
// and day.
type PGStore struct{ pool *pgxpool.Pool }

func NewPGStore(pool *pgxpool.Pool) *PGStore { return &PGStore{pool: pool} }

func (s *PGStore) conn(ctx context.Context) db.Querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *PGStore) Load(ctx context.Context, clinicID, date string) (*Snapshot, error) {
	var payload []byte
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT payload FROM queue_snapshot
		WHERE clinic_id = $1 AND queue_date = $2::date`,
		clinicID, date).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("select queue snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode queue snapshot: %w", err)
	}
	return &snap, nil
}

func (s *PGStore) Save(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode queue snapshot: %w", err)
	}
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO queue_snapshot (clinic_id, queue_date, payload, updated_at)
		VALUES ($1, $2::date, $3, NOW())
		ON CONFLICT (clinic_id, queue_date)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()`,
		snap.ClinicID, snap.Date, payload)
	if err != nil {
		return fmt.Errorf("upsert queue snapshot: %w", err)
	}
	return nil
}
