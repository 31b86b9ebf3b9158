package diag

import "testing"

func fixedSampler(free uint64) func() Sample {
	return func() Sample {
		return Sample{FreeHeap: free, MaxAllocHeap: 80 * 1024}
	}
}

func TestClassifyThresholds(t *testing.T) {
	g := NewGuardian(NewLog(5, nil), 80*1024, 8192, 3072, fixedSampler(0))

	cases := []struct {
		free uint64
		want Level
	}{
		{free: 20000, want: LevelOK},
		{free: 8192, want: LevelOK},
		{free: 8191, want: LevelLow},
		{free: 3072, want: LevelLow},
		{free: 3071, want: LevelCritical},
		{free: 0, want: LevelCritical},
	}
	for _, c := range cases {
		got := g.Classify(Sample{FreeHeap: c.free})
		if got != c.want {
			t.Errorf("free=%d: expected %s, got %s", c.free, c.want, got)
		}
	}
}

func TestLowPressureRunsMitigations(t *testing.T) {
	log := NewLog(5, nil)
	g := NewGuardian(log, 80*1024, 8192, 3072, fixedSampler(4000))

	ran := 0
	g.AddMitigation(func() { ran++ })

	if level := g.Check(); level != LevelLow {
		t.Fatalf("expected LOW, got %s", level)
	}
	if ran != 1 {
		t.Errorf("expected mitigation to run once, ran %d times", ran)
	}

	entries := log.Entries()
	if len(entries) != 1 || entries[0].Severity != SeverityWarning {
		t.Errorf("expected one WARNING entry, got %+v", entries)
	}

	// Staying LOW keeps mitigating but does not re-log the transition.
	g.Check()
	if ran != 2 {
		t.Errorf("expected mitigation to run again, ran %d times", ran)
	}
	if len(log.Entries()) != 1 {
		t.Errorf("expected LOW transition logged once, got %d entries", len(log.Entries()))
	}
}

func TestCriticalTriggersRestart(t *testing.T) {
	log := NewLog(5, nil)
	g := NewGuardian(log, 80*1024, 8192, 3072, fixedSampler(1024))

	restarted := false
	g.SetRestart(func() { restarted = true })

	if level := g.Check(); level != LevelCritical {
		t.Fatalf("expected CRITICAL, got %s", level)
	}
	if !restarted {
		t.Error("expected restart to be triggered")
	}

	entries := log.Entries()
	if len(entries) != 1 || entries[0].Code != CodeHeapCritical {
		t.Errorf("expected CRITICAL entry with code %d, got %+v", CodeHeapCritical, entries)
	}
}

func TestRuntimeSamplerStaysWithinBudget(t *testing.T) {
	s := RuntimeSampler(1 << 62)()
	if s.FreeHeap == 0 {
		t.Error("expected free heap under a huge budget")
	}
	// A tiny budget must clamp at zero rather than underflow.
	s = RuntimeSampler(1)()
	if s.FreeHeap != 0 {
		t.Errorf("expected clamped free heap, got %d", s.FreeHeap)
	}
}
