package diag

import (
	"time"

	"Px1LED/logger"
)

// Severity of a diagnostic entry.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the wire name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// MarshalJSON encodes the severity as its wire name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Entry is one structured diagnostic event. FreeHeap captures the
// heap snapshot at append time so memory pressure can be correlated
// with failures after the fact.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  Severity  `json:"severity"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Code      int       `json:"code"`
	FreeHeap  uint64    `json:"free_heap"`
}

// Log is a fixed-capacity circular diagnostic buffer. Once full, the
// oldest entry is silently overwritten: this is a lossy post-mortem
// aid, not an audit trail. Not safe for concurrent use; the device
// loop is the only writer.
type Log struct {
	entries  []Entry
	head     int // index of the oldest entry
	count    int
	capacity int
	heapFn   func() uint64
	clock    func() time.Time
}

// DefaultCapacity matches the shipped device profile.
const DefaultCapacity = 20

// NewLog creates a log holding at most capacity entries. heapFn
// supplies the free-heap snapshot recorded with each entry; nil
// records zero.
func NewLog(capacity int, heapFn func() uint64) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if heapFn == nil {
		heapFn = func() uint64 { return 0 }
	}
	return &Log{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		heapFn:   heapFn,
		clock:    time.Now,
	}
}

// Append records an event, overwriting the oldest entry when full.
// Every event is mirrored to the structured logger.
func (l *Log) Append(sev Severity, component, operation, message string, code int) {
	e := Entry{
		Timestamp: l.clock(),
		Severity:  sev,
		Component: component,
		Operation: operation,
		Message:   message,
		Code:      code,
		FreeHeap:  l.heapFn(),
	}

	if len(l.entries) < l.capacity {
		l.entries = append(l.entries, e)
	} else {
		l.entries[l.head] = e
		l.head = (l.head + 1) % l.capacity
	}
	if l.count < l.capacity {
		l.count++
	}

	switch sev {
	case SeverityError:
		logger.Error(message,
			logger.String("component", component),
			logger.String("operation", operation),
			logger.Int("code", code),
			logger.Uint64("free_heap", e.FreeHeap))
	case SeverityWarning:
		logger.Warn(message,
			logger.String("component", component),
			logger.String("operation", operation),
			logger.Int("code", code),
			logger.Uint64("free_heap", e.FreeHeap))
	default:
		logger.Info(message,
			logger.String("component", component),
			logger.String("operation", operation),
			logger.Int("code", code),
			logger.Uint64("free_heap", e.FreeHeap))
	}
}

// Info appends an INFO entry.
func (l *Log) Info(component, operation, message string, code int) {
	l.Append(SeverityInfo, component, operation, message, code)
}

// Warning appends a WARNING entry.
func (l *Log) Warning(component, operation, message string, code int) {
	l.Append(SeverityWarning, component, operation, message, code)
}

// Error appends an ERROR entry.
func (l *Log) Error(component, operation, message string, code int) {
	l.Append(SeverityError, component, operation, message, code)
}

// Entries returns a snapshot in insertion order, oldest first. The
// returned slice is a copy; callers may not reach into the ring.
func (l *Log) Entries() []Entry {
	out := make([]Entry, 0, l.count)
	if len(l.entries) < l.capacity {
		out = append(out, l.entries...)
		return out
	}
	for i := 0; i < l.capacity; i++ {
		out = append(out, l.entries[(l.head+i)%l.capacity])
	}
	return out
}

// Len reports the number of retained entries.
func (l *Log) Len() int { return l.count }

// Capacity reports the ring size.
func (l *Log) Capacity() int { return l.capacity }

// Trim drops the older half of the retained entries. Low-memory
// mitigation hook; the ring storage itself is reused.
func (l *Log) Trim() {
	keep := l.count - l.count/2
	if keep == l.count {
		return
	}
	recent := l.Entries()
	recent = recent[len(recent)-keep:]
	l.entries = l.entries[:0]
	l.head = 0
	l.count = 0
	for _, e := range recent {
		if len(l.entries) < l.capacity {
			l.entries = append(l.entries, e)
			l.count++
		}
	}
}
