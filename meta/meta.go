// Package meta maintains the metadata document: the mapping from
// pattern and chunk names to frame layout and timing. The document is
// persisted write-through next to the pattern data so it survives a
// restart between uploads.
package meta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"Px1LED/diag"
	"Px1LED/model"
	"Px1LED/store"
)

// Manager owns the in-memory index and its persisted form. Not safe
// for concurrent use; all calls come from the device loop.
type Manager struct {
	path           string
	frameSize      int
	defaultDelayMs int
	defaultPattern string
	sizeOf         func(name string) (int64, bool)
	log            *diag.Log
	doc            model.Document
}

// Options configures a Manager.
type Options struct {
	Path           string // metadata document location
	FrameSize      int
	DefaultDelayMs int
	DefaultPattern string
	// SizeOf reports the stored size of a blob, for rebuilding frame
	// counts when the document has no entry for it.
	SizeOf func(name string) (int64, bool)
}

// NewManager builds a manager with an empty document. Call Load to
// pick up the persisted state.
func NewManager(opts Options, log *diag.Log) *Manager {
	if opts.SizeOf == nil {
		opts.SizeOf = func(string) (int64, bool) { return 0, false }
	}
	return &Manager{
		path:           opts.Path,
		frameSize:      opts.FrameSize,
		defaultDelayMs: opts.DefaultDelayMs,
		defaultPattern: opts.DefaultPattern,
		sizeOf:         opts.SizeOf,
		log:            log,
		doc: model.Document{
			FrameDelayMs: opts.DefaultDelayMs,
			Entries:      make(map[string]model.Descriptor),
		},
	}
}

// Load reads the persisted document. A missing or malformed document
// is a WARNING and an empty index, never a startup failure.
func (m *Manager) Load() {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warning("meta", "load", fmt.Sprintf("read %s: %v", m.path, err), diag.CodeMetadataLoad)
		}
		return
	}

	var doc model.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		m.log.Warning("meta", "load",
			fmt.Sprintf("malformed metadata document, starting empty: %v", err),
			diag.CodeMetadataLoad)
		return
	}

	if doc.Entries == nil {
		doc.Entries = make(map[string]model.Descriptor)
	}
	if doc.FrameDelayMs <= 0 {
		doc.FrameDelayMs = m.defaultDelayMs
	}
	m.doc = doc
}

// Persist writes the document atomically (temp file plus rename, the
// closest flash gives us to a transaction).
func (m *Manager) Persist() error {
	data, err := json.MarshalIndent(m.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		m.log.Error("meta", "persist", fmt.Sprintf("create dir: %v", err), diag.CodeMetadataPersist)
		return fmt.Errorf("persist metadata: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		m.log.Error("meta", "persist", fmt.Sprintf("write %s: %v", tmp, err), diag.CodeMetadataPersist)
		return fmt.Errorf("persist metadata: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		m.log.Error("meta", "persist", fmt.Sprintf("rename %s: %v", tmp, err), diag.CodeMetadataPersist)
		return fmt.Errorf("persist metadata: %w", err)
	}
	return nil
}

// Record indexes an uploaded blob and persists the document. A zero
// frame count is derived from the byte size; remainder bytes are
// inert padding, never an error. A zero delay inherits the default.
func (m *Manager) Record(name string, size int64, frameCount, frameDelayMs int) error {
	name = store.SanitizeName(name)
	if frameCount <= 0 {
		frameCount = int(size) / m.frameSize
	}
	if frameDelayMs <= 0 {
		frameDelayMs = m.defaultDelayMs
	}

	m.doc.Entries[name] = model.Descriptor{
		Name:         name,
		Size:         size,
		FrameCount:   frameCount,
		FrameDelayMs: frameDelayMs,
	}
	if !m.doc.Chunked && name == m.defaultPattern {
		m.doc.TotalFrames = frameCount
	}
	return m.Persist()
}

// Lookup returns the descriptor recorded for name.
func (m *Manager) Lookup(name string) (model.Descriptor, bool) {
	d, ok := m.doc.Entries[store.SanitizeName(name)]
	return d, ok
}

// Forget drops a blob from the index.
func (m *Manager) Forget(name string) error {
	delete(m.doc.Entries, store.SanitizeName(name))
	return m.Persist()
}

// ApplyUpdate folds an upload-metadata request into the document.
// Zero-valued fields are left alone, except the chunk list which
// replaces the previous one whenever present.
func (m *Manager) ApplyUpdate(u model.MetadataUpdate) error {
	if u.FrameDelayMs < 0 || u.TotalFrames < 0 {
		return fmt.Errorf("negative timing values")
	}
	for _, d := range u.PerChunkDelays {
		if d < 0 {
			return fmt.Errorf("negative per-chunk delay")
		}
	}

	if u.FrameDelayMs > 0 {
		m.doc.FrameDelayMs = u.FrameDelayMs
	}
	if u.TotalFrames > 0 {
		m.doc.TotalFrames = u.TotalFrames
	}
	if u.PerChunkDelays != nil {
		m.doc.PerChunkDelays = u.PerChunkDelays
	}

	if len(u.Chunks) > 0 {
		chunks := make([]model.Descriptor, 0, len(u.Chunks))
		frameStart := 0
		sum := 0
		for _, c := range u.Chunks {
			c.Name = store.SanitizeName(c.Name)
			if c.Name == "" {
				return fmt.Errorf("chunk with empty name")
			}
			if c.FrameCount <= 0 {
				c.FrameCount = int(c.Size) / m.frameSize
			}
			if c.FrameStart == 0 && frameStart > 0 {
				c.FrameStart = frameStart
			}
			frameStart = c.FrameStart + c.FrameCount
			sum += c.FrameCount
			chunks = append(chunks, c)
			m.doc.Entries[c.Name] = c
		}
		m.doc.Chunks = chunks
		m.doc.Chunked = true
		m.doc.ChunkCount = len(chunks)
		if u.TotalFrames == 0 {
			m.doc.TotalFrames = sum
		}
	} else if u.Chunked {
		m.doc.Chunked = true
		if u.ChunkCount > 0 {
			m.doc.ChunkCount = u.ChunkCount
		}
	}

	return m.Persist()
}

// SetFrameDelay updates the global frame delay, write-through.
func (m *Manager) SetFrameDelay(ms int) error {
	if ms <= 0 {
		return fmt.Errorf("frame delay must be positive")
	}
	m.doc.FrameDelayMs = ms
	return m.Persist()
}

// SetPerChunkDelays replaces the per-chunk delay list, write-through.
func (m *Manager) SetPerChunkDelays(delays []int) error {
	for _, d := range delays {
		if d < 0 {
			return fmt.Errorf("negative per-chunk delay")
		}
	}
	m.doc.PerChunkDelays = delays
	return m.Persist()
}

// GlobalDelay returns the document-wide frame delay.
func (m *Manager) GlobalDelay() int {
	if m.doc.FrameDelayMs > 0 {
		return m.doc.FrameDelayMs
	}
	return m.defaultDelayMs
}

// EffectiveDelay resolves the delay for the given chunk index: the
// per-chunk list wins, then the descriptor's own delay, then the
// global delay.
func (m *Manager) EffectiveDelay(chunkIdx int, seg model.Descriptor) int {
	if chunkIdx >= 0 && chunkIdx < len(m.doc.PerChunkDelays) && m.doc.PerChunkDelays[chunkIdx] > 0 {
		return m.doc.PerChunkDelays[chunkIdx]
	}
	if seg.FrameDelayMs > 0 {
		return seg.FrameDelayMs
	}
	return m.GlobalDelay()
}

// Playlist resolves a pattern name to its ordered segment list. The
// chunked document resolves under the default pattern name (or an
// empty name); any other name resolves to a single-blob playlist,
// falling back to a descriptor recomputed from the stored size when
// the index has no entry.
func (m *Manager) Playlist(name string) ([]model.Descriptor, error) {
	name = store.SanitizeName(name)
	if name == "" {
		name = m.defaultPattern
	}

	if m.doc.Chunked && name == m.defaultPattern && len(m.doc.Chunks) > 0 {
		out := make([]model.Descriptor, len(m.doc.Chunks))
		copy(out, m.doc.Chunks)
		return out, nil
	}

	if d, ok := m.doc.Entries[name]; ok {
		return []model.Descriptor{d}, nil
	}

	// No entry: fall back to the stored size and the default delay.
	if size, ok := m.sizeOf(name); ok {
		return []model.Descriptor{{
			Name:       name,
			Size:       size,
			FrameCount: int(size) / m.frameSize,
		}}, nil
	}
	return nil, fmt.Errorf("unknown pattern %q", name)
}

// TotalFrames sums the frame counts of the playlist for name.
func (m *Manager) TotalFrames(name string) int {
	segs, err := m.Playlist(name)
	if err != nil {
		return 0
	}
	total := 0
	for _, s := range segs {
		total += s.FrameCount
	}
	return total
}

// Document returns a copy of the current document for introspection.
func (m *Manager) Document() model.Document {
	doc := m.doc
	doc.Entries = make(map[string]model.Descriptor, len(m.doc.Entries))
	for k, v := range m.doc.Entries {
		doc.Entries[k] = v
	}
	doc.Chunks = append([]model.Descriptor(nil), m.doc.Chunks...)
	doc.PerChunkDelays = append([]int(nil), m.doc.PerChunkDelays...)
	return doc
}

// FrameSize returns the configured frame size in bytes.
func (m *Manager) FrameSize() int { return m.frameSize }
