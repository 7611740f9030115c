package clinical

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// DefaultMaxContextBytes bounds the rendered context block so caller data
	// can never grow the upstream instructions without limit.
	DefaultMaxContextBytes = 8 << 10

	notFoundContext = "No patient record was found for this caller. " +
		"Do not guess at medical history; offer general assistance only and " +
		"suggest the caller verify their registered phone number."

	truncationMarker = "\n[section truncated]"
)

// Resolver turns a caller identifier into a bounded natural-language context
// block for the upstream session instructions.
type Resolver struct {
	Store           Store
	Logger          *slog.Logger
	MaxContextBytes int
}

// Resolved carries the rendered context plus the identity the call is bound
// to for the rest of its lifetime.
type Resolved struct {
	PatientID string
	Language  string
	Context   string
}

// ResolveByPhone looks up the caller by phone number. A missing record yields
// an explicit not-found context, never an error: the call must proceed.
func (r *Resolver) ResolveByPhone(ctx context.Context, phone string) (Resolved, error) {
	patient, err := r.Store.PatientByPhone(ctx, phone)
	return r.resolve(ctx, patient, err)
}

// ResolveByID looks up a patient directly, used when the answer webhook
// pre-resolved the caller and handed the relay a token.
func (r *Resolver) ResolveByID(ctx context.Context, patientID string) (Resolved, error) {
	patient, err := r.Store.PatientByID(ctx, patientID)
	return r.resolve(ctx, patient, err)
}

func (r *Resolver) resolve(ctx context.Context, patient *Patient, err error) (Resolved, error) {
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Resolved{Context: notFoundContext}, nil
		}
		// Store trouble degrades the same way; the failure is recorded but the
		// conversation still happens without personalization.
		if r.Logger != nil {
			r.Logger.Warn("context lookup failed", "err", err)
		}
		return Resolved{Context: notFoundContext}, nil
	}

	var b strings.Builder
	r.writeProfile(&b, patient)
	r.writeDiagnoses(ctx, &b, patient.ID)
	r.writeMedications(ctx, &b, patient.ID)
	r.writeLabs(ctx, &b, patient.ID)
	// Free-text notes go last and are labeled authoritative. If a structured
	// field above disagrees with the notes, the model is told to trust the
	// notes. Ordering is a conflict-resolution policy, not formatting.
	r.writeNotes(ctx, &b, patient.ID)

	return Resolved{
		PatientID: patient.ID,
		Language:  patient.Language,
		Context:   b.String(),
	}, nil
}

func (r *Resolver) maxBytes() int {
	if r.MaxContextBytes > 0 {
		return r.MaxContextBytes
	}
	return DefaultMaxContextBytes
}

// section appends a titled section, skipping empty bodies and enforcing the
// total byte budget. Once the budget is spent later sections are dropped.
func (r *Resolver) section(b *strings.Builder, title, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	budget := r.maxBytes() - b.Len()
	header := "## " + title + "\n"
	if budget <= len(header) {
		return
	}
	budget -= len(header)
	if len(body) > budget {
		cut := budget - len(truncationMarker)
		if cut <= 0 {
			return
		}
		body = body[:cut] + truncationMarker
	}
	b.WriteString(header)
	b.WriteString(body)
	b.WriteString("\n\n")
}

func (r *Resolver) writeProfile(b *strings.Builder, p *Patient) {
	var lines []string
	name := strings.TrimSpace(p.FirstName + " " + p.LastName)
	if name != "" {
		lines = append(lines, "Name: "+name)
	}
	if p.DateOfBirth != "" {
		lines = append(lines, "Date of birth: "+p.DateOfBirth)
	}
	if p.Language != "" {
		lines = append(lines, "Preferred language: "+p.Language)
	}
	r.section(b, "Patient", strings.Join(lines, "\n"))
}

func (r *Resolver) writeDiagnoses(ctx context.Context, b *strings.Builder, patientID string) {
	items, err := r.Store.Diagnoses(ctx, patientID)
	if err != nil {
		r.lookupFailed("diagnoses", err)
		return
	}
	var lines []string
	for _, d := range items {
		line := d.Description
		if d.Code != "" {
			line = fmt.Sprintf("%s (%s)", d.Description, d.Code)
		}
		lines = append(lines, "- "+line)
	}
	r.section(b, "Active diagnoses", strings.Join(lines, "\n"))
}

func (r *Resolver) writeMedications(ctx context.Context, b *strings.Builder, patientID string) {
	items, err := r.Store.Medications(ctx, patientID)
	if err != nil {
		r.lookupFailed("medications", err)
		return
	}
	var lines []string
	for _, m := range items {
		parts := []string{m.Name}
		if m.Dosage != "" {
			parts = append(parts, m.Dosage)
		}
		if m.Frequency != "" {
			parts = append(parts, m.Frequency)
		}
		lines = append(lines, "- "+strings.Join(parts, ", "))
	}
	r.section(b, "Current medications", strings.Join(lines, "\n"))
}

func (r *Resolver) writeLabs(ctx context.Context, b *strings.Builder, patientID string) {
	items, err := r.Store.LabResults(ctx, patientID)
	if err != nil {
		r.lookupFailed("labs", err)
		return
	}
	var lines []string
	for _, l := range items {
		line := fmt.Sprintf("- %s: %s %s", l.TestName, l.Value, l.Unit)
		if l.RefRange != "" {
			line += " (ref " + l.RefRange + ")"
		}
		if !l.ResultedAt.IsZero() {
			line += " on " + l.ResultedAt.Format("2006-01-02")
		}
		lines = append(lines, strings.TrimSpace(line))
	}
	r.section(b, "Recent lab results", strings.Join(lines, "\n"))
}

func (r *Resolver) writeNotes(ctx context.Context, b *strings.Builder, patientID string) {
	items, err := r.Store.ClinicalNotes(ctx, patientID)
	if err != nil {
		r.lookupFailed("notes", err)
		return
	}
	var lines []string
	for _, n := range items {
		prefix := ""
		if !n.WrittenAt.IsZero() {
			prefix = n.WrittenAt.Format("2006-01-02") + ": "
		}
		lines = append(lines, prefix+strings.TrimSpace(n.Body))
	}
	r.section(b, "Clinical notes (most recent and authoritative: when these conflict with the sections above, trust these)",
		strings.Join(lines, "\n"))
}

func (r *Resolver) lookupFailed(what string, err error) {
	if errors.Is(err, ErrNotFound) {
		return
	}
	if r.Logger != nil {
		r.Logger.Warn("context section lookup failed", "section", what, "err", err)
	}
}
