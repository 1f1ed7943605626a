package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mossy-p/consult-signaling/internal/models"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps consultations in a local SQLite database. It suits
// single-node deployments that have no Redis.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS consultations (
			id              TEXT PRIMARY KEY,
			doctor_user_id  TEXT NOT NULL,
			patient_user_id TEXT NOT NULL,
			status          TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create consultations table: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) FindByID(ctx context.Context, id string) (models.Consultation, error) {
	var (
		c         = models.Consultation{ID: id}
		status    string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT doctor_user_id, patient_user_id, status, updated_at FROM consultations WHERE id = ?`, id,
	).Scan(&c.DoctorUserID, &c.PatientUserID, &status, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Consultation{}, ErrNotFound
	}
	if err != nil {
		return models.Consultation{}, fmt.Errorf("read consultation %s: %w", id, err)
	}
	c.Status = models.ConsultationStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		c.UpdatedAt = t
	}
	return c, nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, id string, status models.ConsultationStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE consultations SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), s.now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("update consultation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update consultation %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, c models.Consultation) error {
	if err := validate(c); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = models.StatusScheduled
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO consultations (id, doctor_user_id, patient_user_id, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			doctor_user_id  = excluded.doctor_user_id,
			patient_user_id = excluded.patient_user_id,
			status          = excluded.status,
			updated_at      = excluded.updated_at`,
		c.ID, c.DoctorUserID, c.PatientUserID, string(c.Status), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store consultation %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
