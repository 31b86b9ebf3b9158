package player

import "os"

// Sink receives one frame's bytes per emission. Implementations must
// not retain the buffer; it is reused on the next tick.
type Sink interface {
	EmitFrame(frame []byte) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(frame []byte) error

// EmitFrame calls f.
func (f SinkFunc) EmitFrame(frame []byte) error { return f(frame) }

// NullSink discards frames. The scheduler still advances, which keeps
// timing observable on a headless controller.
type NullSink struct{}

// EmitFrame discards the frame.
func (NullSink) EmitFrame([]byte) error { return nil }

// FileSink writes raw frames to a character device or FIFO, typically
// the SPI bridge driving the physical matrix.
type FileSink struct {
	f *os.File
}

// NewFileSink opens the device node for writing.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	return &FileSink{f: f}, nil
}

// EmitFrame writes one frame to the device.
func (s *FileSink) EmitFrame(frame []byte) error {
	_, err := s.f.Write(frame)
	return err
}

// Close releases the device node.
func (s *FileSink) Close() error { return s.f.Close() }

// MultiSink fans a frame out to several sinks; the first error wins
// but every sink still sees the frame.
type MultiSink []Sink

// EmitFrame emits to every sink.
func (m MultiSink) EmitFrame(frame []byte) error {
	var first error
	for _, s := range m {
		if err := s.EmitFrame(frame); err != nil && first == nil {
			first = err
		}
	}
	return first
}
