package attest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testEvent(runID string) Event {
	return Event{
		Version:   EventVersion,
		EventType: EventType,
		Timestamp: time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC),
		Run: RunInfo{
			RunID:        runID,
			RasterObject: "rasters/ida_adv12_ResultMaskRaster.tif",
			Mode:         "impact-only",
			States:       []string{"LA"},
			Tasks:        2,
			Successes:    2,
		},
		Artifacts: map[string]Artifact{
			"predictions": {
				Checksum:    "sha256:abc123",
				RowCount:    10,
				ByteSize:    1234,
				StoragePath: "results/" + runID + "/final/predictions.csv",
			},
		},
		Producer: ProducerInfo{Name: "flood-runner", Version: "v0.1.0", GitSHA: "abcdef"},
	}
}

func TestComputeEventHash(t *testing.T) {
	evt := testEvent("20240901_120000")
	evt.SetChainHashes("")

	if !strings.HasPrefix(evt.Chain.EventHash, "sha256:") {
		t.Errorf("EventHash should start with 'sha256:', got: %s", evt.Chain.EventHash)
	}
	if evt.Chain.PrevEventHash != "" {
		t.Errorf("PrevEventHash should be empty for first in chain, got: %s", evt.Chain.PrevEventHash)
	}
}

func TestHashChainDeterminism(t *testing.T) {
	a := testEvent("r1")
	a.SetChainHashes("prev_hash_123")
	b := testEvent("r1")
	b.SetChainHashes("prev_hash_123")

	if a.Chain.EventHash != b.Chain.EventHash {
		t.Errorf("identical events should hash identically:\n  %s\n  %s", a.Chain.EventHash, b.Chain.EventHash)
	}
}

func TestHashChainDifferentPrevHash(t *testing.T) {
	a := testEvent("r1")
	a.SetChainHashes("prev_hash_A")
	b := testEvent("r1")
	b.SetChainHashes("prev_hash_B")

	if a.Chain.EventHash == b.Chain.EventHash {
		t.Error("different prev_hash should produce different event_hash")
	}
}

func TestHashChainDifferentContent(t *testing.T) {
	a := testEvent("r1")
	a.SetChainHashes("")
	b := testEvent("r1")
	b.Artifacts["predictions"] = Artifact{Checksum: "sha256:other"}
	b.SetChainHashes("")

	if a.Chain.EventHash == b.Chain.EventHash {
		t.Error("different content should produce different event_hash")
	}
}

func TestArtifactOrderingDeterminism(t *testing.T) {
	a := testEvent("r1")
	a.Artifacts = map[string]Artifact{
		"zebra":  {Checksum: "sha256:z"},
		"alpha":  {Checksum: "sha256:a"},
		"middle": {Checksum: "sha256:m"},
	}
	a.SetChainHashes("")

	b := testEvent("r1")
	b.Artifacts = map[string]Artifact{
		"alpha":  {Checksum: "sha256:a"},
		"middle": {Checksum: "sha256:m"},
		"zebra":  {Checksum: "sha256:z"},
	}
	b.SetChainHashes("")

	if a.Chain.EventHash != b.Chain.EventHash {
		t.Errorf("artifact order should not affect hash:\n  %s\n  %s", a.Chain.EventHash, b.Chain.EventHash)
	}
}

func TestChainKey(t *testing.T) {
	r := RunInfo{Mode: "full-domain", RasterObject: "rasters/a.tif"}
	if got, want := r.ChainKey(), "full-domain/rasters/a.tif"; got != want {
		t.Errorf("ChainKey() = %s, want %s", got, want)
	}
}

func TestFileChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.csv")
	if err := os.WriteFile(path, []byte("abc"), 0644); err != nil {
		t.Fatal(err)
	}
	sum, n, err := FileChecksum(path)
	if err != nil {
		t.Fatalf("FileChecksum: %v", err)
	}
	if n != 3 {
		t.Errorf("size = %d, want 3", n)
	}
	want := "sha256:ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if sum != want {
		t.Errorf("checksum = %s, want %s", sum, want)
	}
}

func TestFileEmitterLinksRuns(t *testing.T) {
	dir := t.TempDir()
	e, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatalf("NewFileEmitter: %v", err)
	}
	ctx := context.Background()

	first := testEvent("r1")
	if err := e.Emit(ctx, &first); err != nil {
		t.Fatalf("emit first: %v", err)
	}
	second := testEvent("r2")
	if err := e.Emit(ctx, &second); err != nil {
		t.Fatalf("emit second: %v", err)
	}

	if first.Chain.PrevEventHash != "" {
		t.Errorf("first event should start the chain, prev = %s", first.Chain.PrevEventHash)
	}
	if second.Chain.PrevEventHash != first.Chain.EventHash {
		t.Errorf("second prev = %s, want %s", second.Chain.PrevEventHash, first.Chain.EventHash)
	}
	if first.EventID == second.EventID {
		t.Error("event ids should differ")
	}

	data, err := os.ReadFile(NewFileBackup(dir).Path(&second))
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	var saved Event
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("parse backup: %v", err)
	}
	if saved.Chain.EventHash != ComputeEventHash(&saved) {
		t.Error("saved event hash does not verify")
	}

	// A new emitter over the same directory continues the chain.
	e2, err := NewFileEmitter(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	third := testEvent("r3")
	if err := e2.Emit(ctx, &third); err != nil {
		t.Fatalf("emit third: %v", err)
	}
	if third.Chain.PrevEventHash != second.Chain.EventHash {
		t.Errorf("third prev = %s, want %s", third.Chain.PrevEventHash, second.Chain.EventHash)
	}
}

func TestHTTPEmitterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var evt Event
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil || evt.Run.RunID != "r1" {
			http.Error(w, "bad event", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	dir := t.TempDir()
	e, err := NewHTTPEmitter(Config{Enabled: true, Endpoint: srv.URL, Dir: dir})
	if err != nil {
		t.Fatalf("NewHTTPEmitter: %v", err)
	}
	e.delay = time.Millisecond
	defer e.Close()

	evt := testEvent("r1")
	if err := e.Emit(context.Background(), &evt); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
	head, err := e.chain.GetHead(evt.Run.ChainKey())
	if err != nil || head != evt.Chain.EventHash {
		t.Errorf("chain head = %q, %v", head, err)
	}
}

func TestHTTPEmitterFailureKeepsHead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, err := NewHTTPEmitter(Config{Enabled: true, Endpoint: srv.URL, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewHTTPEmitter: %v", err)
	}
	e.delay = time.Millisecond

	evt := testEvent("r1")
	if err := e.Emit(context.Background(), &evt); err == nil {
		t.Fatal("expected error")
	}
	if _, err := e.chain.GetHead(evt.Run.ChainKey()); err != ErrNoChainHead {
		t.Errorf("chain head should not advance, got %v", err)
	}
}

func TestNewEmitterDisabled(t *testing.T) {
	if _, ok := NewEmitter(Config{}).(noopEmitter); !ok {
		t.Error("disabled config should give a no-op emitter")
	}
	if _, ok := NewEmitter(Config{Enabled: true, Dir: t.TempDir()}).(*FileEmitter); !ok {
		t.Error("no endpoint should give a file emitter")
	}
}
