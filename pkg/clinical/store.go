// Package clinical defines the patient data model consumed by the relay:
// the read-side store interface, the per-call context resolver, and the
// short-lived caller pre-resolution token table.
package clinical

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by store lookups when no matching row exists.
// Callers degrade to an explicit "no data" result rather than failing a call.
var ErrNotFound = errors.New("clinical: not found")

type Patient struct {
	ID          string
	Phone       string
	FirstName   string
	LastName    string
	DateOfBirth string
	Language    string
}

type Medication struct {
	Name      string
	Dosage    string
	Frequency string
	StartedAt time.Time
}

type LabResult struct {
	TestName   string
	Value      string
	Unit       string
	RefRange   string
	ResultedAt time.Time
}

type Diagnosis struct {
	Code        string
	Description string
	DiagnosedAt time.Time
}

type ClinicalNote struct {
	Author    string
	Body      string
	WrittenAt time.Time
}

// CallRecord is the durable artifact persisted once per call. It is never
// mutated after insert.
type CallRecord struct {
	CallSID           string
	StreamSID         string
	PatientID         string
	CallerPhone       string
	Language          string
	StartedAt         time.Time
	EndedAt           time.Time
	DurationSeconds   int
	Transcript        string
	Status            string
	StatusDetail      string
	UpstreamSessionID string
}

// Call completion statuses.
const (
	CallStatusCompleted      = "completed"
	CallStatusUpstreamFailed = "upstream_failed"
	CallStatusAborted        = "aborted"
)

// Store is the read-mostly clinical data access surface shared by the context
// resolver and the tool-call dispatcher. The only write is the end-of-call
// record insert.
type Store interface {
	PatientByPhone(ctx context.Context, phone string) (*Patient, error)
	PatientByID(ctx context.Context, id string) (*Patient, error)
	Medications(ctx context.Context, patientID string) ([]Medication, error)
	LabResults(ctx context.Context, patientID string) ([]LabResult, error)
	Diagnoses(ctx context.Context, patientID string) ([]Diagnosis, error)
	ClinicalNotes(ctx context.Context, patientID string) ([]ClinicalNote, error)

	InsertCallRecord(ctx context.Context, rec *CallRecord) error
}
