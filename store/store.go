// Package store persists uploaded pattern and chunk blobs in a
// dedicated flash-backed namespace directory. Uploads are session
// based (begin, write, end) so large transfers are processed
// incrementally without ever holding a whole pattern in memory.
package store

import (
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"Px1LED/diag"
	"Px1LED/model"
)

// Failure modes surfaced to the HTTP layer.
var (
	ErrTooLarge   = errors.New("declared size exceeds storage ceiling") // 413
	ErrOpenFailed = errors.New("failed to open blob for writing")       // 500
	ErrWriteShort = errors.New("short write, upload incomplete")        // 500
	ErrNotFound   = errors.New("blob not found")                        // 404
	ErrNoSession  = errors.New("write session is not active")
)

// partSuffix marks in-progress and abandoned write sessions. Partial
// blobs are kept for forensic inspection but never listed as valid
// patterns; the next upload of the same name overwrites them.
const partSuffix = ".part"

var blobNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_\-\.]`)

// SanitizeName reduces a caller-supplied filename to a safe blob name
// inside the storage namespace. Path separators and traversal
// components never survive.
func SanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	name = blobNameSanitizer.ReplaceAllString(name, "")
	name = strings.TrimLeft(name, ".")
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// Options configures a Store.
type Options struct {
	Dir            string
	FlashCapacity  int64
	SafetyMargin   int64
	SingleCeiling  int64
	ChunkedCeiling int64
	DigestName     string
	StallTimeout   time.Duration

	// Pressure is invoked on every write chunk so the memory
	// guardian can react to a shrinking heap instead of the write
	// failing outright. May be nil.
	Pressure func()
}

// WriteHandle is one upload session. At most one session is active at
// a time; uploads are strictly serialized.
type WriteHandle struct {
	ID       string
	Name     string
	Declared int64
	Written  int64

	f            *os.File
	partPath     string
	finalPath    string
	digest       Digest
	failed       bool
	lastProgress time.Time
}

// Store owns the blob namespace. Not safe for concurrent use; all
// calls come from the device loop.
type Store struct {
	opts       Options
	log        *diag.Log
	active     *WriteHandle
	reads      map[string]*os.File
	ownDeletes map[string]int
	clock      func() time.Time
	entropy    *rand.Rand
}

// New creates the namespace directory if needed and returns the store.
func New(opts Options, log *diag.Log) (*Store, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		log.Error("store", "init", fmt.Sprintf("create namespace %s: %v", opts.Dir, err), diag.CodeStorageInitFailed)
		return nil, fmt.Errorf("create storage namespace: %w", err)
	}
	return &Store{
		opts:       opts,
		log:        log,
		reads:      make(map[string]*os.File),
		ownDeletes: make(map[string]int),
		clock:      time.Now,
		entropy:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// BeginWrite starts an upload session for name. Any prior blob under
// the same name is deleted first: uploads are full replacements. A
// session already in flight is implicitly abandoned.
func (s *Store) BeginWrite(name string, declared int64, chunked bool) (*WriteHandle, error) {
	name = SanitizeName(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty blob name", ErrOpenFailed)
	}

	ceiling := s.opts.SingleCeiling
	if chunked {
		ceiling = s.opts.ChunkedCeiling
	}
	if declared > ceiling {
		s.log.Warning("store", "begin_write",
			fmt.Sprintf("%s declares %d bytes, ceiling %d", name, declared, ceiling),
			diag.CodeUploadTooLarge)
		return nil, ErrTooLarge
	}

	// Replacing a blob frees its bytes, so credit them before the
	// capacity check.
	free := s.FreeCapacity() + s.blobSize(name)
	if declared > free-s.opts.SafetyMargin {
		s.log.Warning("store", "begin_write",
			fmt.Sprintf("%s declares %d bytes, only %d free", name, declared, free),
			diag.CodeUploadTooLarge)
		return nil, ErrTooLarge
	}

	if s.active != nil {
		s.log.Warning("store", "begin_write",
			fmt.Sprintf("abandoning in-flight session for %s", s.active.Name),
			diag.CodeUploadStalled)
		s.Abort(s.active)
	}

	s.dropReadHandle(name)
	finalPath := filepath.Join(s.opts.Dir, name)
	partPath := finalPath + partSuffix
	_ = os.Remove(finalPath)
	_ = os.Remove(partPath)

	f, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		s.log.Error("store", "begin_write", fmt.Sprintf("open %s: %v", name, err), diag.CodeUploadOpenFailed)
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	digest, err := NewDigest(s.opts.DigestName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	h := &WriteHandle{
		ID:           ulid.MustNew(ulid.Timestamp(s.clock()), s.entropy).String(),
		Name:         name,
		Declared:     declared,
		f:            f,
		partPath:     partPath,
		finalPath:    finalPath,
		digest:       digest,
		lastProgress: s.clock(),
	}
	s.active = h
	return h, nil
}

// WriteBytes appends one chunk of the upload. A short write is
// retried once at byte granularity; if it stays short the session is
// marked incomplete and the partial blob is retained.
func (s *Store) WriteBytes(h *WriteHandle, p []byte) error {
	if h == nil || s.active != h {
		return ErrNoSession
	}
	if s.opts.Pressure != nil {
		s.opts.Pressure()
	}

	n, err := h.f.Write(p)
	if n < len(p) {
		// One retry for the remainder, then give up.
		var m int
		var rerr error
		if err == nil || errors.Is(err, io.ErrShortWrite) {
			m, rerr = h.f.Write(p[n:])
			n += m
			err = rerr
		}
	}
	if n > 0 {
		h.digest.Write(p[:n])
		h.Written += int64(n)
		h.lastProgress = s.clock()
	}
	if err != nil || n < len(p) {
		h.failed = true
		s.log.Error("store", "write_bytes",
			fmt.Sprintf("%s: wrote %d of %d bytes: %v", h.Name, n, len(p), err),
			diag.CodeUploadWriteShort)
		return ErrWriteShort
	}
	return nil
}

// Result reports a finalized upload.
type Result struct {
	StoredSize int64
	Digest     string
}

// EndWrite finalizes the session: the blob is renamed into place and
// its stored size read back from the filesystem, not trusted from the
// session counter.
func (s *Store) EndWrite(h *WriteHandle) (Result, error) {
	if h == nil || s.active != h {
		return Result{}, ErrNoSession
	}
	s.active = nil

	if err := h.f.Close(); err != nil {
		s.log.Error("store", "end_write", fmt.Sprintf("close %s: %v", h.Name, err), diag.CodeUploadWriteShort)
		return Result{}, ErrWriteShort
	}
	if h.failed {
		// Partial blob stays on flash under .part for inspection.
		return Result{}, ErrWriteShort
	}

	fi, err := os.Stat(h.partPath)
	if err != nil {
		s.log.Error("store", "end_write", fmt.Sprintf("stat %s: %v", h.Name, err), diag.CodeUploadWriteShort)
		return Result{}, ErrWriteShort
	}
	if err := os.Rename(h.partPath, h.finalPath); err != nil {
		s.log.Error("store", "end_write", fmt.Sprintf("rename %s: %v", h.Name, err), diag.CodeUploadWriteShort)
		return Result{}, ErrWriteShort
	}

	return Result{StoredSize: fi.Size(), Digest: h.digest.Sum()}, nil
}

// Abort abandons a session. The partial blob is retained for
// forensic inspection; it is overwritten by the next upload of the
// same name.
func (s *Store) Abort(h *WriteHandle) {
	if h == nil {
		return
	}
	if h.f != nil {
		h.f.Close()
	}
	if s.active == h {
		s.active = nil
	}
}

// ExpireStalled abandons the active session when it has made no
// progress for the stall timeout. Called on the device loop cadence.
func (s *Store) ExpireStalled() {
	h := s.active
	if h == nil || s.opts.StallTimeout <= 0 {
		return
	}
	if s.clock().Sub(h.lastProgress) < s.opts.StallTimeout {
		return
	}
	s.log.Warning("store", "expire_stalled",
		fmt.Sprintf("upload of %s stalled after %d bytes, abandoning", h.Name, h.Written),
		diag.CodeUploadStalled)
	s.Abort(h)
}

// ActiveSession returns the in-flight write handle, or nil.
func (s *Store) ActiveSession() *WriteHandle { return s.active }

// ReadFrame reads exactly len(buf) bytes at the given offset. Read
// handles are cached across frames; a failed read drops the cached
// handle so a deleted blob surfaces as ErrNotFound on the next tick.
func (s *Store) ReadFrame(name string, offset int64, buf []byte) error {
	name = SanitizeName(name)
	f, ok := s.reads[name]
	if !ok {
		var err error
		f, err = os.Open(filepath.Join(s.opts.Dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				return ErrNotFound
			}
			return fmt.Errorf("open %s: %w", name, err)
		}
		s.reads[name] = f
	}

	if _, err := f.ReadAt(buf, offset); err != nil {
		s.dropReadHandle(name)
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s at %d: %w", name, offset, err)
	}
	return nil
}

// CloseIdleReads closes every cached read handle. Registered as a
// LOW-pressure mitigation with the memory guardian.
func (s *Store) CloseIdleReads() {
	for name, f := range s.reads {
		f.Close()
		delete(s.reads, name)
	}
}

func (s *Store) dropReadHandle(name string) {
	if f, ok := s.reads[name]; ok {
		f.Close()
		delete(s.reads, name)
	}
}

// Delete removes a blob and any partial under the same name.
func (s *Store) Delete(name string) bool {
	name = SanitizeName(name)
	s.dropReadHandle(name)
	final := os.Remove(filepath.Join(s.opts.Dir, name))
	if final == nil {
		s.ownDeletes[name]++
	}
	os.Remove(filepath.Join(s.opts.Dir, name+partSuffix))
	return final == nil
}

// ConsumeOwnDelete reports whether a removal of name originated from
// Delete, consuming one pending record. The namespace watcher calls
// it so store-initiated deletes are not reported as external
// tampering. Runs on the device loop like every other store call.
func (s *Store) ConsumeOwnDelete(name string) bool {
	if s.ownDeletes[name] == 0 {
		return false
	}
	s.ownDeletes[name]--
	if s.ownDeletes[name] == 0 {
		delete(s.ownDeletes, name)
	}
	return true
}

// List returns the stored blobs, partials excluded.
func (s *Store) List() []model.BlobInfo {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return nil
	}
	out := make([]model.BlobInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), partSuffix) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, model.BlobInfo{Name: e.Name(), Size: fi.Size()})
	}
	return out
}

// SizeOf reports the stored size of a finalized blob.
func (s *Store) SizeOf(name string) (int64, bool) {
	fi, err := os.Stat(filepath.Join(s.opts.Dir, SanitizeName(name)))
	if err != nil {
		return 0, false
	}
	return fi.Size(), true
}

// Exists reports whether a finalized blob is stored under name.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.opts.Dir, SanitizeName(name)))
	return err == nil
}

// UsedBytes counts every file in the namespace, partials included:
// they occupy flash all the same.
func (s *Store) UsedBytes() int64 {
	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return 0
	}
	var used int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if fi, err := e.Info(); err == nil {
			used += fi.Size()
		}
	}
	return used
}

// FreeCapacity returns the remaining pattern-data budget.
func (s *Store) FreeCapacity() int64 {
	free := s.opts.FlashCapacity - s.UsedBytes()
	if free < 0 {
		free = 0
	}
	return free
}

// FSInfo returns the wire-shaped storage snapshot.
func (s *Store) FSInfo() model.FSInfo {
	used := s.UsedBytes()
	return model.FSInfo{
		Capacity: s.opts.FlashCapacity,
		Used:     used,
		Free:     s.opts.FlashCapacity - used,
	}
}

// Dir returns the namespace directory.
func (s *Store) Dir() string { return s.opts.Dir }

// ContentDigest recomputes the content fingerprint of a stored blob,
// streaming through a small buffer. Serves the firmware-hash endpoint
// clients use for post-upload integrity comparison.
func (s *Store) ContentDigest(name string) (string, error) {
	name = SanitizeName(name)
	f, err := os.Open(filepath.Join(s.opts.Dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	defer f.Close()

	digest, err := NewDigest(s.opts.DigestName)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			digest.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return digest.Sum(), nil
}

func (s *Store) blobSize(name string) int64 {
	fi, err := os.Stat(filepath.Join(s.opts.Dir, name))
	if err != nil {
		return 0
	}
	return fi.Size()
}
