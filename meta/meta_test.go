package meta

import (
	"os"
	"path/filepath"
	"testing"

	"Px1LED/diag"
	"Px1LED/model"
)

const testFrameSize = 192

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.json")
	m := NewManager(Options{
		Path:           path,
		FrameSize:      testFrameSize,
		DefaultDelayMs: 100,
		DefaultPattern: "pattern.bin",
	}, diag.NewLog(20, nil))
	return m, path
}

func TestRecordDerivesFrameCountFromSize(t *testing.T) {
	m, _ := newTestManager(t)

	// 10 frames plus 10 bytes of inert padding.
	if err := m.Record("pattern.bin", 10*testFrameSize+10, 0, 0); err != nil {
		t.Fatalf("record: %v", err)
	}

	d, ok := m.Lookup("pattern.bin")
	if !ok {
		t.Fatal("expected descriptor")
	}
	if d.FrameCount != 10 {
		t.Errorf("expected 10 frames, got %d", d.FrameCount)
	}
	if d.FrameDelayMs != 100 {
		t.Errorf("expected default delay, got %d", d.FrameDelayMs)
	}
	if m.TotalFrames("pattern.bin") != 10 {
		t.Errorf("expected total 10, got %d", m.TotalFrames("pattern.bin"))
	}
}

func TestPersistSurvivesRestart(t *testing.T) {
	m, path := newTestManager(t)
	if err := m.Record("pattern.bin", 5*testFrameSize, 5, 150); err != nil {
		t.Fatalf("record: %v", err)
	}

	// A fresh manager on the same path sees the recorded state.
	reborn := NewManager(Options{
		Path:           path,
		FrameSize:      testFrameSize,
		DefaultDelayMs: 100,
		DefaultPattern: "pattern.bin",
	}, diag.NewLog(20, nil))
	reborn.Load()

	d, ok := reborn.Lookup("pattern.bin")
	if !ok || d.FrameCount != 5 || d.FrameDelayMs != 150 {
		t.Errorf("expected persisted descriptor, got %+v ok=%v", d, ok)
	}
}

func TestLoadToleratesMissingAndMalformedDocument(t *testing.T) {
	m, path := newTestManager(t)
	m.Load() // no file yet
	if len(m.Document().Entries) != 0 {
		t.Error("expected empty index")
	}

	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	log := diag.NewLog(20, nil)
	m2 := NewManager(Options{
		Path: path, FrameSize: testFrameSize, DefaultDelayMs: 100, DefaultPattern: "pattern.bin",
	}, log)
	m2.Load()

	if len(m2.Document().Entries) != 0 {
		t.Error("expected empty index after malformed load")
	}
	entries := log.Entries()
	if len(entries) != 1 || entries[0].Severity != diag.SeverityWarning {
		t.Errorf("expected one WARNING, got %+v", entries)
	}
	// Startup still works: recording proceeds normally.
	if err := m2.Record("pattern.bin", testFrameSize, 0, 0); err != nil {
		t.Fatalf("record after malformed load: %v", err)
	}
}

func TestChunkedUpdateSumsFrameCounts(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.ApplyUpdate(model.MetadataUpdate{
		FrameDelayMs: 150,
		Chunks: []model.Descriptor{
			{Name: "chunk_000.bin", Size: 20 * 1024},
			{Name: "chunk_001.bin", Size: 20 * 1024},
		},
	})
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}

	doc := m.Document()
	if !doc.Chunked || doc.ChunkCount != 2 {
		t.Errorf("expected chunked document with 2 chunks, got %+v", doc)
	}
	wantFrames := 2 * (20 * 1024 / testFrameSize)
	if doc.TotalFrames != wantFrames {
		t.Errorf("expected %d total frames, got %d", wantFrames, doc.TotalFrames)
	}
	if m.TotalFrames("pattern.bin") != wantFrames {
		t.Errorf("playlist total mismatch: %d", m.TotalFrames("pattern.bin"))
	}

	// Frame offsets are assigned in order.
	segs, err := m.Playlist("pattern.bin")
	if err != nil {
		t.Fatalf("playlist: %v", err)
	}
	if segs[0].FrameStart != 0 || segs[1].FrameStart != wantFrames/2 {
		t.Errorf("unexpected frame offsets: %+v", segs)
	}
}

func TestApplyUpdateRejectsBadValues(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.ApplyUpdate(model.MetadataUpdate{FrameDelayMs: -1}); err == nil {
		t.Error("expected rejection of negative delay")
	}
	if err := m.ApplyUpdate(model.MetadataUpdate{PerChunkDelays: []int{100, -5}}); err == nil {
		t.Error("expected rejection of negative per-chunk delay")
	}
	if err := m.ApplyUpdate(model.MetadataUpdate{Chunks: []model.Descriptor{{Name: "///"}}}); err == nil {
		t.Error("expected rejection of unusable chunk name")
	}
}

func TestEffectiveDelayPrecedence(t *testing.T) {
	m, _ := newTestManager(t)
	m.ApplyUpdate(model.MetadataUpdate{
		FrameDelayMs:   100,
		PerChunkDelays: []int{0, 250},
		Chunks: []model.Descriptor{
			{Name: "chunk_000.bin", Size: 192, FrameDelayMs: 40},
			{Name: "chunk_001.bin", Size: 192},
			{Name: "chunk_002.bin", Size: 192},
		},
	})

	segs, _ := m.Playlist("pattern.bin")
	// Chunk 0: per-chunk delay zero, descriptor delay wins.
	if got := m.EffectiveDelay(0, segs[0]); got != 40 {
		t.Errorf("chunk 0: expected 40, got %d", got)
	}
	// Chunk 1: per-chunk list wins.
	if got := m.EffectiveDelay(1, segs[1]); got != 250 {
		t.Errorf("chunk 1: expected 250, got %d", got)
	}
	// Chunk 2: no per-chunk entry, no descriptor delay, global wins.
	if got := m.EffectiveDelay(2, segs[2]); got != 100 {
		t.Errorf("chunk 2: expected 100, got %d", got)
	}
}

func TestPlaylistFallsBackToStoredSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metadata.json")
	m := NewManager(Options{
		Path:           path,
		FrameSize:      testFrameSize,
		DefaultDelayMs: 100,
		DefaultPattern: "pattern.bin",
		SizeOf: func(name string) (int64, bool) {
			if name == "orphan.bin" {
				return 3 * testFrameSize, true
			}
			return 0, false
		},
	}, diag.NewLog(20, nil))

	segs, err := m.Playlist("orphan.bin")
	if err != nil {
		t.Fatalf("playlist: %v", err)
	}
	if len(segs) != 1 || segs[0].FrameCount != 3 {
		t.Errorf("expected recomputed 3-frame playlist, got %+v", segs)
	}

	if _, err := m.Playlist("missing.bin"); err == nil {
		t.Error("expected unknown pattern error")
	}
}
