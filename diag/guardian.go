package diag

import (
	"runtime"

	"Px1LED/model"
)

// Level classifies memory pressure.
type Level int

const (
	LevelOK Level = iota
	LevelLow
	LevelCritical
)

// String returns the wire name of the level.
func (l Level) String() string {
	switch l {
	case LevelLow:
		return "LOW"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "OK"
	}
}

// Sample is one memory-pressure observation.
type Sample struct {
	FreeHeap              uint64
	MaxAllocHeap          uint64
	FragmentationEstimate float64
}

// Guardian polls memory pressure on a fixed cadence and reacts:
// LOW runs non-destructive mitigations (closing idle read handles,
// trimming the diagnostic ring), CRITICAL triggers an unconditional
// restart. A wedged, fragmented heap is judged less safe than a
// clean reboot, even mid-operation.
type Guardian struct {
	lowBytes      uint64
	criticalBytes uint64
	sampler       func() Sample
	mitigations   []func()
	restart       func()
	log           *Log
	lastLevel     Level
}

// NewGuardian builds a guardian with the given thresholds. sampler
// may be nil, in which case a runtime.MemStats sampler against
// heapBudget is used. restart may be nil until SetRestart is called.
func NewGuardian(log *Log, heapBudget, lowBytes, criticalBytes uint64, sampler func() Sample) *Guardian {
	if sampler == nil {
		sampler = RuntimeSampler(heapBudget)
	}
	return &Guardian{
		lowBytes:      lowBytes,
		criticalBytes: criticalBytes,
		sampler:       sampler,
		log:           log,
	}
}

// RuntimeSampler emulates device heap accounting on top of the Go
// runtime: free heap is the configured budget minus live allocations.
func RuntimeSampler(heapBudget uint64) func() Sample {
	return func() Sample {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		free := uint64(0)
		if ms.HeapAlloc < heapBudget {
			free = heapBudget - ms.HeapAlloc
		}
		frag := 0.0
		if ms.HeapSys > 0 {
			frag = float64(ms.HeapIdle-ms.HeapReleased) / float64(ms.HeapSys) * 100
		}
		return Sample{
			FreeHeap:              free,
			MaxAllocHeap:          heapBudget,
			FragmentationEstimate: frag,
		}
	}
}

// AddMitigation registers a non-destructive LOW-pressure hook.
func (g *Guardian) AddMitigation(fn func()) {
	g.mitigations = append(g.mitigations, fn)
}

// SetRestart sets the CRITICAL handler. The default is a no-op so
// tests and read-only tooling do not reboot the host.
func (g *Guardian) SetRestart(fn func()) {
	g.restart = fn
}

// Sample returns the current memory observation.
func (g *Guardian) Sample() Sample {
	return g.sampler()
}

// FreeHeap is a convenience for diagnostic snapshots.
func (g *Guardian) FreeHeap() uint64 {
	return g.sampler().FreeHeap
}

// HeapStatus returns the wire-shaped memory snapshot.
func (g *Guardian) HeapStatus() model.HeapStatus {
	s := g.sampler()
	return model.HeapStatus{
		FreeHeap:          s.FreeHeap,
		MaxAllocHeap:      s.MaxAllocHeap,
		HeapFragmentation: s.FragmentationEstimate,
	}
}

// Classify maps a sample to a pressure level.
func (g *Guardian) Classify(s Sample) Level {
	switch {
	case s.FreeHeap < g.criticalBytes:
		return LevelCritical
	case s.FreeHeap < g.lowBytes:
		return LevelLow
	default:
		return LevelOK
	}
}

// Check samples, classifies and reacts. Called on the guardian
// cadence by the device loop, and by the store on every write chunk
// so uploads degrade gracefully instead of failing outright.
func (g *Guardian) Check() Level {
	s := g.sampler()
	level := g.Classify(s)

	switch level {
	case LevelCritical:
		g.log.Error("guardian", "check", "free heap below critical floor, restarting", CodeHeapCritical)
		if g.restart != nil {
			g.restart()
		}
	case LevelLow:
		// Log the transition once, not every cadence.
		if g.lastLevel != LevelLow {
			g.log.Warning("guardian", "check", "free heap low, running mitigations", CodeHeapLow)
		}
		for _, fn := range g.mitigations {
			fn()
		}
	}
	g.lastLevel = level
	return level
}
