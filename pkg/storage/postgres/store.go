// Package postgres is the production clinical.Store backed by pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebridge/callrelay/pkg/clinical"
)

const (
	recentLabLimit  = 20
	recentNoteLimit = 10
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping is used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) PatientByPhone(ctx context.Context, phone string) (*clinical.Patient, error) {
	return s.patientWhere(ctx, "phone = $1", phone)
}

func (s *Store) PatientByID(ctx context.Context, id string) (*clinical.Patient, error) {
	return s.patientWhere(ctx, "id = $1", id)
}

func (s *Store) patientWhere(ctx context.Context, where, arg string) (*clinical.Patient, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, phone, first_name, last_name, date_of_birth, language
		 FROM patients WHERE `+where, arg)

	var p clinical.Patient
	err := row.Scan(&p.ID, &p.Phone, &p.FirstName, &p.LastName, &p.DateOfBirth, &p.Language)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, clinical.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: patient lookup: %w", err)
	}
	return &p, nil
}

func (s *Store) Medications(ctx context.Context, patientID string) ([]clinical.Medication, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, dosage, frequency, started_at
		 FROM medications WHERE patient_id = $1
		 ORDER BY started_at DESC NULLS LAST, name`, patientID)
	if err != nil {
		return nil, fmt.Errorf("postgres: medications: %w", err)
	}
	defer rows.Close()

	var out []clinical.Medication
	for rows.Next() {
		var m clinical.Medication
		var startedAt *time.Time
		if err := rows.Scan(&m.Name, &m.Dosage, &m.Frequency, &startedAt); err != nil {
			return nil, fmt.Errorf("postgres: medications scan: %w", err)
		}
		if startedAt != nil {
			m.StartedAt = *startedAt
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) LabResults(ctx context.Context, patientID string) ([]clinical.LabResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT test_name, value, unit, ref_range, resulted_at
		 FROM lab_results WHERE patient_id = $1
		 ORDER BY resulted_at DESC NULLS LAST LIMIT $2`, patientID, recentLabLimit)
	if err != nil {
		return nil, fmt.Errorf("postgres: lab results: %w", err)
	}
	defer rows.Close()

	var out []clinical.LabResult
	for rows.Next() {
		var l clinical.LabResult
		var resultedAt *time.Time
		if err := rows.Scan(&l.TestName, &l.Value, &l.Unit, &l.RefRange, &resultedAt); err != nil {
			return nil, fmt.Errorf("postgres: lab results scan: %w", err)
		}
		if resultedAt != nil {
			l.ResultedAt = *resultedAt
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) Diagnoses(ctx context.Context, patientID string) ([]clinical.Diagnosis, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT code, description, diagnosed_at
		 FROM diagnoses WHERE patient_id = $1
		 ORDER BY diagnosed_at DESC NULLS LAST`, patientID)
	if err != nil {
		return nil, fmt.Errorf("postgres: diagnoses: %w", err)
	}
	defer rows.Close()

	var out []clinical.Diagnosis
	for rows.Next() {
		var d clinical.Diagnosis
		var diagnosedAt *time.Time
		if err := rows.Scan(&d.Code, &d.Description, &diagnosedAt); err != nil {
			return nil, fmt.Errorf("postgres: diagnoses scan: %w", err)
		}
		if diagnosedAt != nil {
			d.DiagnosedAt = *diagnosedAt
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) ClinicalNotes(ctx context.Context, patientID string) ([]clinical.ClinicalNote, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT author, body, written_at
		 FROM clinical_notes WHERE patient_id = $1
		 ORDER BY written_at DESC NULLS LAST LIMIT $2`, patientID, recentNoteLimit)
	if err != nil {
		return nil, fmt.Errorf("postgres: clinical notes: %w", err)
	}
	defer rows.Close()

	var out []clinical.ClinicalNote
	for rows.Next() {
		var n clinical.ClinicalNote
		var writtenAt *time.Time
		if err := rows.Scan(&n.Author, &n.Body, &writtenAt); err != nil {
			return nil, fmt.Errorf("postgres: clinical notes scan: %w", err)
		}
		if writtenAt != nil {
			n.WrittenAt = *writtenAt
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) InsertCallRecord(ctx context.Context, rec *clinical.CallRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_records
		   (call_sid, stream_sid, patient_id, caller_phone, language,
		    started_at, ended_at, duration_seconds, transcript,
		    status, status_detail, upstream_session_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.CallSID, rec.StreamSID, nullIfEmpty(rec.PatientID), rec.CallerPhone, rec.Language,
		rec.StartedAt, rec.EndedAt, rec.DurationSeconds, rec.Transcript,
		rec.Status, rec.StatusDetail, rec.UpstreamSessionID)
	if err != nil {
		return fmt.Errorf("postgres: insert call record: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
