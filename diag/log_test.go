package diag

import (
	"fmt"
	"testing"
)

func TestLogKeepsMostRecentEntriesInOrder(t *testing.T) {
	const capacity = 20
	const extra = 7
	l := NewLog(capacity, nil)

	for i := 0; i < capacity+extra; i++ {
		l.Info("test", "append", fmt.Sprintf("event %d", i), i)
	}

	entries := l.Entries()
	if len(entries) != capacity {
		t.Fatalf("expected %d entries, got %d", capacity, len(entries))
	}
	for i, e := range entries {
		want := extra + i
		if e.Code != want {
			t.Errorf("entry %d: expected code %d, got %d", i, want, e.Code)
		}
	}
}

func TestLogPartiallyFilled(t *testing.T) {
	l := NewLog(20, nil)
	l.Info("test", "append", "first", 1)
	l.Warning("test", "append", "second", 2)

	entries := l.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Code != 1 || entries[1].Code != 2 {
		t.Errorf("entries out of order: %+v", entries)
	}
	if entries[1].Severity != SeverityWarning {
		t.Errorf("expected WARNING, got %s", entries[1].Severity)
	}
}

func TestLogHeapSnapshot(t *testing.T) {
	heap := uint64(12345)
	l := NewLog(5, func() uint64 { return heap })
	l.Error("store", "write", "short write", CodeUploadWriteShort)

	entries := l.Entries()
	if entries[0].FreeHeap != 12345 {
		t.Errorf("expected heap snapshot 12345, got %d", entries[0].FreeHeap)
	}
}

func TestLogTrimDropsOlderHalf(t *testing.T) {
	l := NewLog(10, nil)
	for i := 0; i < 10; i++ {
		l.Info("test", "append", "event", i)
	}
	l.Trim()

	entries := l.Entries()
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries after trim, got %d", len(entries))
	}
	if entries[0].Code != 5 || entries[4].Code != 9 {
		t.Errorf("trim kept wrong entries: %+v", entries)
	}

	// The ring keeps working after a trim.
	l.Info("test", "append", "event", 10)
	entries = l.Entries()
	if entries[len(entries)-1].Code != 10 {
		t.Errorf("append after trim failed: %+v", entries)
	}
}

func TestLogTrimKeepsNewerHalf(t *testing.T) {
	// Odd counts round in favor of retention, and a single entry
	// survives: a trim must never empty the post-mortem trail.
	cases := []struct {
		count, keep int
	}{
		{1, 1},
		{2, 1},
		{3, 2},
		{5, 3},
	}
	for _, c := range cases {
		l := NewLog(10, nil)
		for i := 0; i < c.count; i++ {
			l.Info("test", "append", "event", i)
		}
		l.Trim()
		entries := l.Entries()
		if len(entries) != c.keep {
			t.Errorf("count %d: kept %d entries, want %d", c.count, len(entries), c.keep)
			continue
		}
		if entries[len(entries)-1].Code != c.count-1 {
			t.Errorf("count %d: newest entry lost: %+v", c.count, entries)
		}
	}
}

func TestSeverityWireNames(t *testing.T) {
	cases := map[Severity]string{
		SeverityInfo:    "INFO",
		SeverityWarning: "WARNING",
		SeverityError:   "ERROR",
	}
	for sev, want := range cases {
		if sev.String() != want {
			t.Errorf("expected %s, got %s", want, sev.String())
		}
		b, err := sev.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if string(b) != `"`+want+`"` {
			t.Errorf("expected %q, got %s", want, b)
		}
	}
}
