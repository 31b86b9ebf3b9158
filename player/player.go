// Package player implements the non-blocking playback scheduler. A
// periodically invoked Tick reads exactly one frame from storage into
// a fixed working buffer and emits it to the sink, so the working set
// stays a small constant no matter how large the pattern is.
package player

import (
	"errors"
	"fmt"

	"Px1LED/diag"
	"Px1LED/meta"
	"Px1LED/model"
	"Px1LED/store"
)

// State of the playback machine.
type State int

const (
	Stopped State = iota
	Playing
	Paused
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "stopped"
	}
}

// ErrUnknownPattern rejects play requests for names that resolve to
// nothing stored.
var ErrUnknownPattern = errors.New("unknown pattern")

// FrameReader is the slice of the store the player needs.
type FrameReader interface {
	ReadFrame(name string, offset int64, buf []byte) error
	Exists(name string) bool
}

// Player owns the transient playback cursor. Not safe for concurrent
// use; Tick and the control methods are only called from the device
// loop.
type Player struct {
	reader    FrameReader
	meta      *meta.Manager
	sink      Sink
	log       *diag.Log
	frameSize int

	pattern  string
	segments []model.Descriptor

	state      State
	chunkIdx   int
	frameIdx   int
	lastTickMs int64
	buf        []byte // one frame, reused every tick
}

// New builds a stopped player.
func New(reader FrameReader, m *meta.Manager, sink Sink, log *diag.Log, frameSize int) *Player {
	if sink == nil {
		sink = NullSink{}
	}
	return &Player{
		reader:    reader,
		meta:      m,
		sink:      sink,
		log:       log,
		frameSize: frameSize,
		buf:       make([]byte, frameSize),
	}
}

// SetSink swaps the output sink; playback state is untouched.
func (p *Player) SetSink(sink Sink) {
	if sink == nil {
		sink = NullSink{}
	}
	p.sink = sink
}

// Play selects a pattern, resets the cursor to chunk 0 / frame 0 and
// starts playing. The pattern must resolve to at least one stored
// blob with at least one frame.
func (p *Player) Play(name string) error {
	segs, err := p.meta.Playlist(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownPattern, err)
	}
	total := 0
	for _, s := range segs {
		total += s.FrameCount
	}
	if total == 0 {
		return fmt.Errorf("%w: %s has no frames", ErrUnknownPattern, name)
	}
	if len(segs) == 1 && !p.reader.Exists(segs[0].Name) {
		return fmt.Errorf("%w: %s not stored", ErrUnknownPattern, name)
	}

	p.pattern = name
	p.segments = segs
	p.chunkIdx = 0
	p.frameIdx = 0
	p.lastTickMs = 0
	p.state = Playing
	p.log.Info("player", "play", fmt.Sprintf("playing %s (%d frames, %d chunks)", name, total, len(segs)), 0)
	return nil
}

// Resume returns from PAUSED to PLAYING without touching the cursor.
func (p *Player) Resume() bool {
	if p.state != Paused {
		return false
	}
	p.state = Playing
	return true
}

// Pause suspends playback, keeping the cursor.
func (p *Player) Pause() bool {
	if p.state != Playing {
		return false
	}
	p.state = Paused
	return true
}

// Stop halts playback and resets the cursor.
func (p *Player) Stop() {
	p.state = Stopped
	p.chunkIdx = 0
	p.frameIdx = 0
	p.lastTickMs = 0
}

// State returns the current playback state.
func (p *Player) State() State { return p.state }

// Pattern returns the selected pattern name, if any.
func (p *Player) Pattern() string { return p.pattern }

// Tick advances playback. It is a no-op unless playing and the
// effective delay for the current chunk has elapsed since the last
// emission. On firing it reads one frame, emits it, and advances the
// cursor, looping from the last frame of the last chunk back to chunk
// 0 / frame 0. A read failure stops playback; the scheduler never
// spins on a broken pattern.
func (p *Player) Tick(nowMs int64) {
	if p.state != Playing {
		return
	}

	seg := p.segments[p.chunkIdx]
	delay := int64(p.meta.EffectiveDelay(p.chunkIdx, seg))
	if p.lastTickMs != 0 && nowMs-p.lastTickMs < delay {
		return
	}

	offset := int64(p.frameIdx) * int64(p.frameSize)
	if err := p.reader.ReadFrame(seg.Name, offset, p.buf); err != nil {
		code := diag.CodePlaybackReadFailed
		if errors.Is(err, store.ErrNotFound) {
			code = diag.CodePlaybackChunkMissing
		}
		p.log.Error("player", "tick",
			fmt.Sprintf("frame %d of %s: %v", p.frameIdx, seg.Name, err), code)
		p.Stop()
		return
	}

	if err := p.sink.EmitFrame(p.buf); err != nil {
		p.log.Error("player", "tick", fmt.Sprintf("emit frame: %v", err), diag.CodePlaybackSink)
		p.Stop()
		return
	}

	p.frameIdx++
	if p.frameIdx >= seg.FrameCount {
		p.frameIdx = 0
		p.chunkIdx++
		if p.chunkIdx >= len(p.segments) {
			p.chunkIdx = 0 // continuous looping is the only mode
		}
	}
	p.lastTickMs = nowMs
}

// CurrentFrame returns the global frame index across chunks.
func (p *Player) CurrentFrame() int {
	frame := p.frameIdx
	for i := 0; i < p.chunkIdx && i < len(p.segments); i++ {
		frame += p.segments[i].FrameCount
	}
	return frame
}

// Status returns the wire-shaped playback snapshot.
func (p *Player) Status() model.PlayerStatus {
	return model.PlayerStatus{
		Status:       p.state.String(),
		Pattern:      p.pattern,
		Playing:      p.state == Playing,
		Paused:       p.state == Paused,
		CurrentFrame: p.CurrentFrame(),
		TotalFrames:  p.meta.TotalFrames(p.pattern),
		FrameDelayMs: p.meta.GlobalDelay(),
		CurrentChunk: p.chunkIdx,
	}
}
