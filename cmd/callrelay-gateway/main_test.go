package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/carebridge/callrelay/pkg/clinical"
	"github.com/carebridge/callrelay/pkg/gateway/config"
	gatewayserver "github.com/carebridge/callrelay/pkg/gateway/server"
)

type fakeStore struct{}

func (fakeStore) PatientByPhone(context.Context, string) (*clinical.Patient, error) {
	return nil, clinical.ErrNotFound
}

func (fakeStore) PatientByID(context.Context, string) (*clinical.Patient, error) {
	return nil, clinical.ErrNotFound
}

func (fakeStore) Medications(context.Context, string) ([]clinical.Medication, error) {
	return nil, nil
}

func (fakeStore) LabResults(context.Context, string) ([]clinical.LabResult, error) {
	return nil, nil
}

func (fakeStore) Diagnoses(context.Context, string) ([]clinical.Diagnosis, error) {
	return nil, nil
}

func (fakeStore) ClinicalNotes(context.Context, string) ([]clinical.ClinicalNote, error) {
	return nil, nil
}

func (fakeStore) InsertCallRecord(context.Context, *clinical.CallRecord) error { return nil }

func (fakeStore) Ping(context.Context) error { return nil }

func (fakeStore) Close() {}

func testDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{
				Addr:                   "127.0.0.1:0",
				DatabaseURL:            "postgres://test",
				UpstreamVariant:        config.VariantConversationalAI,
				OpenAIAPIKey:           "sk-test",
				UpstreamConnectTimeout: time.Second,
				Voice:                  "alloy",
				DefaultLanguage:        "en",
				TranscriptionModel:     "whisper-1",
				MaxContextBytes:        8 << 10,
				TokenTTL:               time.Minute,
				TokenTableSize:         16,
				MaxJSONMessageBytes:    64 * 1024,
				MaxCallDuration:        time.Minute,
				WSPingInterval:         20 * time.Second,
				WSWriteTimeout:         5 * time.Second,
				OutboundQueueSize:      32,
				ReadHeaderTimeout:      time.Second,
				ShutdownGracePeriod:    time.Second,
			}, nil
		},
		openStore: func(context.Context, string) (gatewayStore, error) {
			return fakeStore{}, nil
		},
		newGateway:   gatewayserver.New,
		signalNotify: func(chan<- os.Signal, ...os.Signal) {},
		signalStop:   func(chan<- os.Signal) {},
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	t.Parallel()

	deps := testDeps()
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("boom")
	}
	deps.openStore = func(context.Context, string) (gatewayStore, error) {
		t.Fatal("openStore should not be called when config load fails")
		return nil, nil
	}

	var stderr bytes.Buffer
	if exitCode := runMain(context.Background(), &stderr, deps); exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if stderr.String() == "" {
		t.Fatal("expected stderr output for startup error")
	}
}

func TestRunGateway_ReturnsErrorWhenStoreOpenFails(t *testing.T) {
	t.Parallel()

	deps := testDeps()
	deps.openStore = func(context.Context, string) (gatewayStore, error) {
		return nil, errors.New("connection refused")
	}

	err := runGateway(context.Background(), slog.Default(), deps)
	if err == nil || err.Error() != "connection refused" {
		t.Fatalf("err = %v, want store open failure", err)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestRunGateway_ShutsDownOnSignal(t *testing.T) {
	t.Parallel()

	deps := testDeps()
	sigCaptured := make(chan chan<- os.Signal, 1)
	deps.signalNotify = func(c chan<- os.Signal, _ ...os.Signal) {
		sigCaptured <- c
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- runGateway(context.Background(), slog.Default(), deps)
	}()

	select {
	case c := <-sigCaptured:
		c <- os.Interrupt
	case <-time.After(3 * time.Second):
		t.Fatal("signal channel never registered")
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runGateway error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down after signal")
	}
}

func TestRunGateway_StopsWhenContextCancelled(t *testing.T) {
	t.Parallel()

	deps := testDeps()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- runGateway(ctx, slog.Default(), deps)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("gateway did not stop on context cancel")
	}
}
