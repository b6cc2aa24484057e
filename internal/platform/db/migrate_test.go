package db

import (
	"context"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadMigrations(t *testing.T) {
	src := fstest.MapFS{
		"002_views.sql":    {Data: []byte("CREATE VIEW v AS SELECT 1;")},
		"001_queue.sql":    {Data: []byte("CREATE TABLE q (id SERIAL PRIMARY KEY);")},
		"010_indexes.sql":  {Data: []byte("CREATE INDEX i ON q (id);")},
		"README.md":        {Data: []byte("not sql")},
		"seed.sql":         {Data: []byte("no version prefix")},
		"abc_invalid.sql":  {Data: []byte("non-numeric prefix")},
		"sub/003_skip.sql": {Data: []byte("in a subdirectory")},
	}

	migrations, err := NewMigrator(nil, src, zerolog.Nop()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	wantVersions := []int{1, 2, 10}
	for i, v := range wantVersions {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_queue.sql" {
		t.Errorf("expected name 001_queue.sql, got %s", migrations[0].Name)
	}
	if migrations[0].SQL != "CREATE TABLE q (id SERIAL PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	src := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 2;")},
	}
	_, err := NewMigrator(nil, src, zerolog.Nop()).LoadMigrations()
	if err == nil || !strings.Contains(err.Error(), "duplicate migration version 1") {
		t.Fatalf("expected duplicate version error, got %v", err)
	}
}

func TestLoadMigrations_EmptySource(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}, zerolog.Nop()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected 0 migrations, got %d", len(migrations))
	}
}

func TestEmbeddedMigrations_QueueSnapshot(t *testing.T) {
	migrations, err := NewMigrator(nil, EmbeddedMigrations(), zerolog.Nop()).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected embedded migrations")
	}
	if migrations[0].Version != 1 {
		t.Errorf("expected first version 1, got %d", migrations[0].Version)
	}
	if !strings.Contains(migrations[0].SQL, "queue_snapshot") {
		t.Error("expected the first migration to create queue_snapshot")
	}
}

func TestStatuses_AppliedAndPending(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "001_queue.sql"},
		{Version: 2, Name: "002_views.sql"},
		{Version: 3, Name: "003_indexes.sql"},
	}
	at := time.Date(2025, 6, 9, 8, 0, 0, 0, time.UTC)
	applied := map[int]time.Time{1: at}

	got := statuses(migrations, applied)
	if len(got) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(got))
	}
	if !got[0].Applied || got[0].AppliedAt == nil || !got[0].AppliedAt.Equal(at) {
		t.Errorf("expected 001 applied at %v, got %+v", at, got[0])
	}
	for _, st := range got[1:] {
		if st.Applied || st.AppliedAt != nil {
			t.Errorf("expected %s pending, got %+v", st.Name, st)
		}
	}

	todo := pending(migrations, applied)
	if len(todo) != 2 || todo[0].Version != 2 || todo[1].Version != 3 {
		t.Errorf("unexpected pending set: %+v", todo)
	}
}

func TestConnFromContext(t *testing.T) {
	if q := ConnFromContext(context.Background()); q != nil {
		t.Errorf("expected nil querier, got %v", q)
	}

	ctx := context.WithValue(context.Background(), connKey, "not a querier")
	if q := ConnFromContext(ctx); q != nil {
		t.Errorf("expected nil for wrong type, got %v", q)
	}

	var fake fakeQuerier
	ctx = WithConn(context.Background(), fake)
	if q := ConnFromContext(ctx); q == nil {
		t.Error("expected querier from context")
	}
}

type fakeQuerier struct{ Querier }
