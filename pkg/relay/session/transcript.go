package session

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carebridge/callrelay/pkg/clinical"
)

// Speaker identifies which side of the call produced an utterance.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// Entry is one completed utterance. Entries are append-only; the recorder
// never edits one in place.
type Entry struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

// RecordMeta is everything besides the transcript that goes into the durable
// call record.
type RecordMeta struct {
	CallSID           string
	StreamSID         string
	PatientID         string
	CallerPhone       string
	Language          string
	StartedAt         time.Time
	EndedAt           time.Time
	Status            string
	StatusDetail      string
	UpstreamSessionID string
}

// Recorder accumulates completed utterances and persists the call record
// exactly once at session close. Partial transcripts never reach it.
type Recorder struct {
	Store  clinical.Store
	Logger *slog.Logger

	mu        sync.Mutex
	entries   []Entry
	persisted bool
	persists  int
}

func (r *Recorder) Append(speaker Speaker, text string, at time.Time) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.persisted {
		// Late transcript events after close are dropped; the record is
		// immutable once written.
		return
	}
	r.entries = append(r.entries, Entry{Speaker: speaker, Text: text, At: at})
}

// Entries returns a copy of what has been captured so far, in append order.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// PersistAttempts reports how many times a store insert was attempted.
func (r *Recorder) PersistAttempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persists
}

// Persist writes the call record. It is idempotent: only the first call
// attempts the insert. A store failure is logged and swallowed; the live call
// must never pay for a persistence problem.
func (r *Recorder) Persist(ctx context.Context, meta RecordMeta) {
	r.mu.Lock()
	if r.persisted {
		r.mu.Unlock()
		return
	}
	r.persisted = true
	r.persists++
	entries := make([]Entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	duration := 0
	if !meta.StartedAt.IsZero() && meta.EndedAt.After(meta.StartedAt) {
		duration = int(meta.EndedAt.Sub(meta.StartedAt) / time.Second)
	}

	rec := &clinical.CallRecord{
		CallSID:           meta.CallSID,
		StreamSID:         meta.StreamSID,
		PatientID:         meta.PatientID,
		CallerPhone:       meta.CallerPhone,
		Language:          meta.Language,
		StartedAt:         meta.StartedAt,
		EndedAt:           meta.EndedAt,
		DurationSeconds:   duration,
		Transcript:        renderTranscript(entries),
		Status:            meta.Status,
		StatusDetail:      meta.StatusDetail,
		UpstreamSessionID: meta.UpstreamSessionID,
	}

	if r.Store == nil {
		return
	}
	if err := r.Store.InsertCallRecord(ctx, rec); err != nil && r.Logger != nil {
		r.Logger.Error("call record insert failed", "call_sid", meta.CallSID, "err", err)
	}
}

// renderTranscript interleaves both speakers by timestamp so the stored text
// reads as the conversation happened, not as events arrived.
func renderTranscript(entries []Entry) string {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].At.Before(sorted[j].At)
	})

	var b strings.Builder
	for _, e := range sorted {
		label := "Caller"
		if e.Speaker == SpeakerAssistant {
			label = "Assistant"
		}
		b.WriteString("[")
		b.WriteString(e.At.UTC().Format("15:04:05"))
		b.WriteString("] ")
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(e.Text)
		b.WriteString("\n")
	}
	return b.String()
}
