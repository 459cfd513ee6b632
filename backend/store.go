// Package backend is a self-contained case backend: a SQLite store, a change
// hub, and an HTTP server exposing REST, WebSocket and SSE push endpoints plus
// a signed booking intake hook.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/LuminPulse-AI/clinicsync"
)

// SQLiteStore persists case records. It satisfies clinicsync.RemoteStore, so
// an engine can also run in-process against it.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.RWMutex
	now func() time.Time
}

var _ clinicsync.RemoteStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at dbPath, creating the schema if needed.
// Use ":memory:" for a throwaway store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		status TEXT NOT NULL,
		patient_name TEXT NOT NULL,
		patient_email TEXT NOT NULL,
		patient_phone TEXT NOT NULL DEFAULT '',
		service TEXT NOT NULL,
		preferred_date TEXT NOT NULL DEFAULT '',
		preferred_time TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		admin_notes TEXT NOT NULL DEFAULT '',
		prescription TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_cases_created_at ON cases(created_at);
	CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

const caseColumns = `id, created_at, updated_at, status, patient_name, patient_email, patient_phone,
	service, preferred_date, preferred_time, notes, admin_notes, prescription`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (clinicsync.CaseRecord, error) {
	var r clinicsync.CaseRecord
	var created, updated int64
	var status string
	err := row.Scan(&r.ID, &created, &updated, &status, &r.PatientName, &r.PatientEmail, &r.PatientPhone,
		&r.Service, &r.PreferredDate, &r.PreferredTime, &r.Notes, &r.AdminNotes, &r.Prescription)
	if err != nil {
		return r, err
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.UpdatedAt = time.Unix(0, updated).UTC()
	r.Status = clinicsync.CaseStatus(status)
	return r, nil
}

// List returns every case, newest first.
func (s *SQLiteStore) List(ctx context.Context) ([]clinicsync.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+caseColumns+" FROM cases ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	records := []clinicsync.CaseRecord{}
	for rows.Next() {
		r, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return records, nil
}

// Get returns one case or clinicsync.ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*clinicsync.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(ctx, s.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) get(ctx context.Context, q querier, id string) (*clinicsync.CaseRecord, error) {
	r, err := scanCase(q.QueryRowContext(ctx, "SELECT "+caseColumns+" FROM cases WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("case %s: %w", id, clinicsync.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query case: %w", err)
	}
	return &r, nil
}

// Create validates input and stores it as a new pending case.
func (s *SQLiteStore) Create(ctx context.Context, input clinicsync.CaseInput) (*clinicsync.CaseRecord, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	r := clinicsync.CaseRecord{
		ID:            uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        clinicsync.StatusPending,
		PatientName:   input.PatientName,
		PatientEmail:  input.PatientEmail,
		PatientPhone:  input.PatientPhone,
		Service:       input.Service,
		PreferredDate: input.PreferredDate,
		PreferredTime: input.PreferredTime,
		Notes:         input.Notes,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO cases ("+caseColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano(), string(r.Status), r.PatientName, r.PatientEmail,
		r.PatientPhone, r.Service, r.PreferredDate, r.PreferredTime, r.Notes, r.AdminNotes, r.Prescription,
	)
	if err != nil {
		return nil, fmt.Errorf("insert case: %w", err)
	}
	return &r, nil
}

// UpdateStatus moves a case to status. Unknown statuses are rejected.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, status clinicsync.CaseStatus) (*clinicsync.CaseRecord, error) {
	return s.Update(ctx, id, clinicsync.CasePatch{Status: &status})
}

// Update applies a partial update and returns the stored result.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch clinicsync.CasePatch) (*clinicsync.CaseRecord, error) {
	if patch.Empty() {
		return nil, &clinicsync.APIError{Code: clinicsync.CodeInvalidInput, Message: "no fields to update"}
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, &clinicsync.APIError{Code: clinicsync.CodeInvalidInput, Message: "unknown status " + string(*patch.Status)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	next := patch.Apply(*cur)
	next.UpdatedAt = s.now().UTC()

	_, err = tx.ExecContext(ctx, `UPDATE cases SET updated_at = ?, status = ?, patient_name = ?, patient_email = ?,
		patient_phone = ?, service = ?, preferred_date = ?, preferred_time = ?, notes = ?, admin_notes = ?,
		prescription = ? WHERE id = ?`,
		next.UpdatedAt.UnixNano(), string(next.Status), next.PatientName, next.PatientEmail, next.PatientPhone,
		next.Service, next.PreferredDate, next.PreferredTime, next.Notes, next.AdminNotes, next.Prescription, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update case: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return &next, nil
}

// Delete removes a case.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM cases WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("case %s: %w", id, clinicsync.ErrNotFound)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
