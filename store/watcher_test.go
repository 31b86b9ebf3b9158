package store

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"Px1LED/diag"
)

// drainEvents runs submitted watcher closures until the queue stays
// quiet for the given window.
func drainEvents(submitted chan func(), quiet time.Duration) {
	for {
		select {
		case fn := <-submitted:
			fn()
		case <-time.After(quiet):
			return
		}
	}
}

func vanishedCount(log *diag.Log) int {
	n := 0
	for _, e := range log.Entries() {
		if e.Code == diag.CodeBlobVanished {
			n++
		}
	}
	return n
}

func TestWatcherReportsExternalRemoval(t *testing.T) {
	s, log := newTestStore(t)
	writeBlob(t, s, "pattern.bin", bytes.Repeat([]byte{1}, 512), false)

	submitted := make(chan func(), 8)
	w, err := NewWatcher(s, log, func(fn func()) { submitted <- fn })
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer w.Close()

	// Removal behind the store's back, as a stray shell command would.
	if err := os.Remove(filepath.Join(s.Dir(), "pattern.bin")); err != nil {
		t.Fatalf("remove blob: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for vanishedCount(log) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("external removal never reached the diagnostic ring")
		}
		drainEvents(submitted, 20*time.Millisecond)
	}

	entries := log.Entries()
	last := entries[len(entries)-1]
	if last.Severity != diag.SeverityWarning {
		t.Errorf("got severity %v, want WARNING", last.Severity)
	}
}

func TestWatcherIgnoresStoreInitiatedDelete(t *testing.T) {
	s, log := newTestStore(t)
	writeBlob(t, s, "pattern.bin", bytes.Repeat([]byte{2}, 512), false)

	submitted := make(chan func(), 8)
	w, err := NewWatcher(s, log, func(fn func()) { submitted <- fn })
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer w.Close()

	if !s.Delete("pattern.bin") {
		t.Fatal("delete failed")
	}

	// Give the removal event time to arrive, then run everything the
	// watcher submitted. None of it may reach the ring.
	drainEvents(submitted, 250*time.Millisecond)
	if got := vanishedCount(log); got != 0 {
		t.Errorf("store-initiated delete reported as external tampering (%d entries)", got)
	}
}
