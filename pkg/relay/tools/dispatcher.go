// Package tools answers function-call requests from the AI backend with live
// data from the clinical store. The tool surface is a fixed, enumerated set
// of read-only lookups, bound at session start to one patient identity.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/carebridge/callrelay/pkg/clinical"
	"github.com/carebridge/callrelay/pkg/relay/upstream"
)

// Tool names exposed to the backend.
const (
	ToolLabResults    = "get_lab_results"
	ToolMedications   = "get_medications"
	ToolDiagnoses     = "get_diagnoses"
	ToolClinicalNotes = "get_clinical_notes"
)

const defaultLookupTimeout = 3 * time.Second

// Declarations is the complete tool list sent with the upstream session
// configuration. None of the tools take arguments: the patient identity is
// bound server-side and cannot be addressed by the model.
func Declarations() []upstream.ToolDecl {
	return []upstream.ToolDecl{
		{Name: ToolLabResults, Description: "Get the patient's most recent lab results."},
		{Name: ToolMedications, Description: "Get the patient's current medication list."},
		{Name: ToolDiagnoses, Description: "Get the patient's active diagnoses."},
		{Name: ToolClinicalNotes, Description: "Get the patient's recent clinical notes."},
	}
}

// Dispatcher resolves tool calls for exactly one call session.
type Dispatcher struct {
	Store clinical.Store
	// PatientID is the identity resolved at call start. Empty means the
	// caller had no record; every lookup then reports no data.
	PatientID     string
	Logger        *slog.Logger
	LookupTimeout time.Duration
}

// Result mirrors what the backend receives: data on success, or an explicit
// no-data / error marker. A fabricated value is never returned.
type result struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// Dispatch runs one tool call and returns the JSON result to send upstream.
// It never returns an error: failures become structured results so the
// conversation survives them.
func (d *Dispatcher) Dispatch(ctx context.Context, call upstream.ToolCall) string {
	timeout := d.LookupTimeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if d.PatientID == "" {
		return marshalResult(result{Available: false, Error: "no patient record for this caller"})
	}

	data, err := d.lookup(ctx, call.Name)
	switch {
	case errors.Is(err, errUnknownTool):
		d.warn(call, err)
		return marshalResult(result{Available: false, Error: "unknown tool"})
	case errors.Is(err, clinical.ErrNotFound):
		return marshalResult(result{Available: false, Error: "no data available"})
	case err != nil:
		d.warn(call, err)
		return marshalResult(result{Available: false, Error: "lookup failed"})
	}
	if emptyData(data) {
		return marshalResult(result{Available: false, Error: "no data available"})
	}
	return marshalResult(result{Available: true, Data: data})
}

var errUnknownTool = errors.New("tools: unknown tool")

func (d *Dispatcher) lookup(ctx context.Context, name string) (any, error) {
	switch name {
	case ToolLabResults:
		items, err := d.Store.LabResults(ctx, d.PatientID)
		return labResultsPayload(items), err
	case ToolMedications:
		items, err := d.Store.Medications(ctx, d.PatientID)
		return medicationsPayload(items), err
	case ToolDiagnoses:
		items, err := d.Store.Diagnoses(ctx, d.PatientID)
		return diagnosesPayload(items), err
	case ToolClinicalNotes:
		items, err := d.Store.ClinicalNotes(ctx, d.PatientID)
		return notesPayload(items), err
	default:
		return nil, errUnknownTool
	}
}

func (d *Dispatcher) warn(call upstream.ToolCall, err error) {
	if d.Logger != nil {
		d.Logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "err", err)
	}
}

func marshalResult(r result) string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"available":false,"error":"internal"}`
	}
	return string(data)
}

func emptyData(data any) bool {
	switch v := data.(type) {
	case []map[string]any:
		return len(v) == 0
	default:
		return data == nil
	}
}

func labResultsPayload(items []clinical.LabResult) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, l := range items {
		entry := map[string]any{"test": l.TestName, "value": l.Value, "unit": l.Unit}
		if l.RefRange != "" {
			entry["reference_range"] = l.RefRange
		}
		if !l.ResultedAt.IsZero() {
			entry["resulted_at"] = l.ResultedAt.Format("2006-01-02")
		}
		out = append(out, entry)
	}
	return out
}

func medicationsPayload(items []clinical.Medication) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, m := range items {
		out = append(out, map[string]any{"name": m.Name, "dosage": m.Dosage, "frequency": m.Frequency})
	}
	return out
}

func diagnosesPayload(items []clinical.Diagnosis) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, d := range items {
		out = append(out, map[string]any{"code": d.Code, "description": d.Description})
	}
	return out
}

func notesPayload(items []clinical.ClinicalNote) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, n := range items {
		entry := map[string]any{"note": n.Body}
		if !n.WrittenAt.IsZero() {
			entry["written_at"] = n.WrittenAt.Format("2006-01-02")
		}
		out = append(out, entry)
	}
	return out
}
