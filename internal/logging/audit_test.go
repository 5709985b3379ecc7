package logging

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`CREATE TABLE cycle_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_id  TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		seq         INTEGER,
		event       TEXT NOT NULL,
		detail      TEXT,
		created_at  TEXT NOT NULL
	)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	return db
}

// #endregion helpers

// #region audit-tests
func TestRecord_Success(t *testing.T) {
	db := setupDB(t)
	defer db.Close()
	log := NewAuditLog(db)

	entry := CycleEntry{
		ProfileID: "alice",
		SessionID: "s1",
		Seq:       3,
		Event:     EventPersisted,
		Detail:    CycleDetail{Missing: []string{"voice"}, DurationMS: 120},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := log.Record(context.Background(), entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := log.List(context.Background(), "alice", "", 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got))
	}
	if got[0].Seq != 3 || got[0].Event != EventPersisted {
		t.Errorf("unexpected entry: %+v", got[0])
	}
	if len(got[0].Detail.Missing) != 1 || got[0].Detail.Missing[0] != "voice" {
		t.Errorf("detail lost: %+v", got[0].Detail)
	}
	if !got[0].CreatedAt.Equal(entry.CreatedAt) {
		t.Errorf("expected %v, got %v", entry.CreatedAt, got[0].CreatedAt)
	}
}

func TestRecord_ZeroFields(t *testing.T) {
	db := setupDB(t)
	defer db.Close()
	log := NewAuditLog(db)

	before := time.Now().UTC()
	if err := log.Record(context.Background(), CycleEntry{ProfileID: "alice", SessionID: "s1", Event: EventEmpty}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var seq sql.NullInt64
	var detail sql.NullString
	var createdAt string
	db.QueryRow("SELECT seq, detail, created_at FROM cycle_log").Scan(&seq, &detail, &createdAt)
	if seq.Valid {
		t.Error("expected NULL seq when no record was written")
	}
	if detail.Valid {
		t.Error("expected NULL detail for empty detail")
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		t.Fatalf("parse created_at: %v", err)
	}
	if ts.Before(before) {
		t.Error("expected auto-filled created_at to be >= test start time")
	}
}

func TestList_SessionFilterAndOrder(t *testing.T) {
	db := setupDB(t)
	defer db.Close()
	log := NewAuditLog(db)
	ctx := context.Background()

	log.Record(ctx, CycleEntry{ProfileID: "alice", SessionID: "s1", Seq: 1, Event: EventPersisted})
	log.Record(ctx, CycleEntry{ProfileID: "alice", SessionID: "s2", Event: EventLowConfidence})
	log.Record(ctx, CycleEntry{ProfileID: "alice", SessionID: "s1", Seq: 2, Event: EventOverride})
	log.Record(ctx, CycleEntry{ProfileID: "bob", SessionID: "s1", Seq: 1, Event: EventPersisted})

	got, err := log.List(ctx, "alice", "s1", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Event != EventOverride {
		t.Errorf("expected newest first, got %s", got[0].Event)
	}
}

func TestRecord_Error(t *testing.T) {
	db := setupDB(t)
	db.Close() // close to force error

	err := NewAuditLog(db).Record(context.Background(), CycleEntry{ProfileID: "alice", SessionID: "s1", Event: EventPersisted})
	if err == nil {
		t.Fatal("expected error on closed db")
	}
}

// #endregion audit-tests

// #region logger-tests
func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn", true)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info must be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("expected JSON warn line, got %q", out)
	}
}

// #endregion logger-tests
