package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"Px1LED/diag"
)

func newTestStore(t *testing.T) (*Store, *diag.Log) {
	t.Helper()
	log := diag.NewLog(20, nil)
	s, err := New(Options{
		Dir:            filepath.Join(t.TempDir(), "patterns"),
		FlashCapacity:  1 << 20,
		SafetyMargin:   4096,
		SingleCeiling:  32 * 1024,
		ChunkedCeiling: 32 * 1024,
		DigestName:     DigestRolling,
		StallTimeout:   60 * time.Second,
	}, log)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s, log
}

func writeBlob(t *testing.T, s *Store, name string, data []byte, chunked bool) Result {
	t.Helper()
	h, err := s.BeginWrite(name, int64(len(data)), chunked)
	if err != nil {
		t.Fatalf("begin write %s: %v", name, err)
	}
	if err := s.WriteBytes(h, data); err != nil {
		t.Fatalf("write bytes %s: %v", name, err)
	}
	res, err := s.EndWrite(h)
	if err != nil {
		t.Fatalf("end write %s: %v", name, err)
	}
	return res
}

func TestOversizeRejectedBeforeAnyByteWritten(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.BeginWrite("pattern.bin", 40*1024, false)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if got := s.UsedBytes(); got != 0 {
		t.Errorf("expected no partial allocation, found %d bytes", got)
	}

	// The same payload fits under the chunked ceiling as two chunks.
	writeBlob(t, s, "chunk_000.bin", bytes.Repeat([]byte{1}, 20*1024), true)
	writeBlob(t, s, "chunk_001.bin", bytes.Repeat([]byte{2}, 20*1024), true)
	if len(s.List()) != 2 {
		t.Errorf("expected 2 blobs, got %d", len(s.List()))
	}
}

func TestCapacityCheckHonorsSafetyMargin(t *testing.T) {
	log := diag.NewLog(20, nil)
	s, err := New(Options{
		Dir:            filepath.Join(t.TempDir(), "patterns"),
		FlashCapacity:  10 * 1024,
		SafetyMargin:   1024,
		SingleCeiling:  32 * 1024,
		ChunkedCeiling: 32 * 1024,
		DigestName:     DigestRolling,
	}, log)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	writeBlob(t, s, "a.bin", bytes.Repeat([]byte{1}, 6*1024), false)

	// 6 KiB used, 4 KiB free, margin 1 KiB: 3 KiB fits, 4 KiB does not.
	if _, err := s.BeginWrite("b.bin", 4*1024, false); !errors.Is(err, ErrTooLarge) {
		t.Errorf("expected ErrTooLarge against safety margin, got %v", err)
	}

	// Replacing a.bin credits its bytes back.
	h, err := s.BeginWrite("a.bin", 8*1024, false)
	if err != nil {
		t.Fatalf("expected replacement to pass capacity check, got %v", err)
	}
	s.Abort(h)
}

func TestUploadReplacesPriorBlob(t *testing.T) {
	s, _ := newTestStore(t)

	writeBlob(t, s, "pattern.bin", []byte("old-old-old"), false)
	res := writeBlob(t, s, "pattern.bin", []byte("new"), false)
	if res.StoredSize != 3 {
		t.Errorf("expected 3 stored bytes, got %d", res.StoredSize)
	}

	list := s.List()
	if len(list) != 1 || list[0].Size != 3 {
		t.Errorf("expected one 3-byte blob, got %+v", list)
	}
}

func TestEndWriteDigestMatchesContentDigest(t *testing.T) {
	s, _ := newTestStore(t)
	data := bytes.Repeat([]byte{0xAB, 0xCD}, 500)
	res := writeBlob(t, s, "pattern.bin", data, false)

	if res.Digest == "" {
		t.Fatal("expected a digest")
	}
	again, err := s.ContentDigest("pattern.bin")
	if err != nil {
		t.Fatalf("content digest: %v", err)
	}
	if again != res.Digest {
		t.Errorf("digest mismatch: session %s, readback %s", res.Digest, again)
	}
}

func TestAbandonedSessionKeepsPartialOutOfList(t *testing.T) {
	s, _ := newTestStore(t)

	h, err := s.BeginWrite("pattern.bin", 1024, false)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if err := s.WriteBytes(h, []byte("partial")); err != nil {
		t.Fatalf("write bytes: %v", err)
	}
	s.Abort(h)

	if len(s.List()) != 0 {
		t.Errorf("partial must not be listed as a valid pattern: %+v", s.List())
	}
	// The partial is retained on flash for inspection.
	if _, err := os.Stat(filepath.Join(s.Dir(), "pattern.bin.part")); err != nil {
		t.Errorf("expected retained partial: %v", err)
	}
	// And counted against capacity.
	if s.UsedBytes() == 0 {
		t.Error("expected partial to occupy flash")
	}

	// A fresh upload of the same name overwrites it.
	writeBlob(t, s, "pattern.bin", []byte("complete"), false)
	if _, err := os.Stat(filepath.Join(s.Dir(), "pattern.bin.part")); !os.IsNotExist(err) {
		t.Error("expected stale partial to be removed on re-upload")
	}
}

func TestNewSessionAbandonsInFlightSession(t *testing.T) {
	s, log := newTestStore(t)

	h1, err := s.BeginWrite("a.bin", 1024, false)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if _, err := s.BeginWrite("b.bin", 1024, false); err != nil {
		t.Fatalf("second begin write: %v", err)
	}

	if err := s.WriteBytes(h1, []byte("late")); !errors.Is(err, ErrNoSession) {
		t.Errorf("expected ErrNoSession on abandoned handle, got %v", err)
	}
	var warned bool
	for _, e := range log.Entries() {
		if e.Code == diag.CodeUploadStalled {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a WARNING for the abandoned session")
	}
}

func TestExpireStalledSweepsIdleSession(t *testing.T) {
	s, log := newTestStore(t)
	now := time.Unix(1000, 0)
	s.clock = func() time.Time { return now }

	h, err := s.BeginWrite("pattern.bin", 1024, false)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	s.WriteBytes(h, []byte("x"))

	now = now.Add(30 * time.Second)
	s.ExpireStalled()
	if s.ActiveSession() == nil {
		t.Fatal("session swept before the stall timeout")
	}

	now = now.Add(31 * time.Second)
	s.ExpireStalled()
	if s.ActiveSession() != nil {
		t.Fatal("expected stalled session to be abandoned")
	}
	entries := log.Entries()
	if len(entries) == 0 || entries[len(entries)-1].Code != diag.CodeUploadStalled {
		t.Errorf("expected stall WARNING, got %+v", entries)
	}
}

func TestReadFrameAndDeleteSurfaceNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	data := []byte("0123456789")
	writeBlob(t, s, "pattern.bin", data, false)

	buf := make([]byte, 4)
	if err := s.ReadFrame("pattern.bin", 2, buf); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(buf) != "2345" {
		t.Errorf("expected 2345, got %s", buf)
	}

	if !s.Delete("pattern.bin") {
		t.Fatal("expected delete to succeed")
	}
	if err := s.ReadFrame("pattern.bin", 0, buf); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestWritePressureBelowCriticalFloorRestarts(t *testing.T) {
	log := diag.NewLog(20, nil)
	freeHeap := uint64(64 * 1024)
	guardian := diag.NewGuardian(log, 80*1024, 8*1024, 3*1024, func() diag.Sample {
		return diag.Sample{FreeHeap: freeHeap, MaxAllocHeap: 80 * 1024}
	})
	restarted := false
	guardian.SetRestart(func() { restarted = true })

	s, err := New(Options{
		Dir:            filepath.Join(t.TempDir(), "patterns"),
		FlashCapacity:  1 << 20,
		SafetyMargin:   4096,
		SingleCeiling:  32 * 1024,
		ChunkedCeiling: 32 * 1024,
		DigestName:     DigestRolling,
		StallTimeout:   60 * time.Second,
		Pressure:       func() { guardian.Check() },
	}, log)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	payload := bytes.Repeat([]byte{7}, 2048)
	h, err := s.BeginWrite("pattern.bin", int64(len(payload)), false)
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	if err := s.WriteBytes(h, payload[:1024]); err != nil {
		t.Fatalf("healthy write chunk: %v", err)
	}
	if restarted {
		t.Fatal("restart fired while the heap was healthy")
	}

	// The heap collapses below the critical floor mid-upload.
	freeHeap = 1024
	s.WriteBytes(h, payload[1024:])

	if !restarted {
		t.Fatal("restart hook did not fire on critical pressure")
	}
	critical := false
	for _, e := range log.Entries() {
		if e.Code == diag.CodeHeapCritical && e.Severity == diag.SeverityError {
			critical = true
		}
	}
	if !critical {
		t.Error("no CRITICAL heap entry in the diagnostic ring")
	}

	// The interrupted upload was never finalized: the partial must not
	// surface as a valid pattern after the restart.
	if got := len(s.List()); got != 0 {
		t.Errorf("partial upload listed as a valid pattern: %d entries", got)
	}
}

func TestSanitizeNameBlocksTraversal(t *testing.T) {
	cases := map[string]string{
		"pattern.bin":          "pattern.bin",
		"../../etc/passwd":     "passwd",
		"..\\..\\boot.ini":     "boot.ini",
		"chunk 001.bin":        "chunk001.bin",
		".hidden":              "hidden",
		"a/b/c/chunk_000.bin":  "chunk_000.bin",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q): expected %q, got %q", in, want, got)
		}
	}
}
