package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestRecorder_MergesSpeakersByTimestamp(t *testing.T) {
	store := &recordingStore{}
	r := &Recorder{Store: store}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Assistant transcript events often land before the caller's, even though
	// the caller spoke first.
	r.Append(SpeakerAssistant, "Your last A1C was 6.8.", base.Add(2*time.Second))
	r.Append(SpeakerCaller, "What was my last A1C?", base.Add(1*time.Second))

	r.Persist(context.Background(), RecordMeta{CallSID: "CA1", StartedAt: base, EndedAt: base.Add(time.Minute)})

	rec := store.lastInsert()
	if rec == nil {
		t.Fatal("no record written")
	}
	callerIdx := strings.Index(rec.Transcript, "Caller:")
	assistantIdx := strings.Index(rec.Transcript, "Assistant:")
	if callerIdx < 0 || assistantIdx < 0 || callerIdx > assistantIdx {
		t.Fatalf("transcript out of order:\n%s", rec.Transcript)
	}
	if rec.DurationSeconds != 60 {
		t.Fatalf("duration = %d, want 60", rec.DurationSeconds)
	}
}

func TestRecorder_PersistsExactlyOnceUnderConcurrency(t *testing.T) {
	store := &recordingStore{}
	r := &Recorder{Store: store}
	r.Append(SpeakerCaller, "hello", time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Persist(context.Background(), RecordMeta{CallSID: "CA1"})
		}()
	}
	wg.Wait()

	if got := store.insertCount(); got != 1 {
		t.Fatalf("insert count = %d, want 1", got)
	}
	if got := r.PersistAttempts(); got != 1 {
		t.Fatalf("persist attempts = %d, want 1", got)
	}
}

func TestRecorder_SwallowsStoreFailure(t *testing.T) {
	store := &recordingStore{insertErr: errors.New("connection reset")}
	r := &Recorder{Store: store}

	r.Persist(context.Background(), RecordMeta{CallSID: "CA1"})

	if got := r.PersistAttempts(); got != 1 {
		t.Fatalf("persist attempts = %d, want 1", got)
	}
}

func TestRecorder_DropsEmptyAndLateUtterances(t *testing.T) {
	r := &Recorder{}
	r.Append(SpeakerCaller, "   ", time.Now())
	if len(r.Entries()) != 0 {
		t.Fatal("blank utterance recorded")
	}

	r.Append(SpeakerCaller, "before close", time.Now())
	r.Persist(context.Background(), RecordMeta{CallSID: "CA1"})
	r.Append(SpeakerCaller, "after close", time.Now())

	entries := r.Entries()
	if len(entries) != 1 || entries[0].Text != "before close" {
		t.Fatalf("entries = %+v", entries)
	}
}
