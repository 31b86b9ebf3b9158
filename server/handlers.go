package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"Px1LED/config"
	"Px1LED/device"
	"Px1LED/diag"
	"Px1LED/history"
	"Px1LED/meta"
	"Px1LED/model"
	"Px1LED/player"
	"Px1LED/store"
	"Px1LED/token"
)

// Version reported by system-info; tracks the firmware lineage the
// desktop tools check against.
const Version = "2.1.0"

// uploadCopyChunk is how many bytes move per unit of loop work during
// an upload, keeping any single pass through the loop short.
const uploadCopyChunk = 1024

// APIHandler carries the wired components into the HTTP handlers.
// Handlers never touch device state directly: every read or mutation
// is a closure run on the device loop.
type APIHandler struct {
	cfg      *config.Config
	loop     *device.Loop
	store    *store.Store
	meta     *meta.Manager
	player   *player.Player
	guardian *diag.Guardian
	dlog     *diag.Log
	auth     *token.Authenticator
	archive  *history.Archive // nil when the archive failed to open
	mirror   *store.Mirror    // nil unless configured
	hub      *Hub
	deviceID string
	bootTime time.Time
}

// NewAPIHandler wires the handler set.
func NewAPIHandler(
	cfg *config.Config,
	loop *device.Loop,
	s *store.Store,
	m *meta.Manager,
	p *player.Player,
	g *diag.Guardian,
	dlog *diag.Log,
	auth *token.Authenticator,
	archive *history.Archive,
	mirror *store.Mirror,
	hub *Hub,
	deviceID string,
) *APIHandler {
	return &APIHandler{
		cfg:      cfg,
		loop:     loop,
		store:    s,
		meta:     m,
		player:   p,
		guardian: g,
		dlog:     dlog,
		auth:     auth,
		archive:  archive,
		mirror:   mirror,
		hub:      hub,
		deviceID: deviceID,
		bootTime: time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code int) {
	writeJSON(w, status, map[string]interface{}{
		"status":  "error",
		"message": msg,
		"code":    code,
	})
}

// onLoop runs fn on the device loop. When the loop has shut down the
// closure never ran, so the handler must not trust any values it was
// supposed to fill; a 500 goes out and false comes back.
func (h *APIHandler) onLoop(w http.ResponseWriter, fn func()) bool {
	if !h.loop.Do(fn) {
		writeError(w, http.StatusServiceUnavailable, "device loop is down", diag.CodeUploadInternal)
		return false
	}
	return true
}

// UploadHandler accepts a single-file pattern upload.
// Multipart fields: "file" (required), "metadata" (optional JSON with
// total_frames and frame_delay_ms).
func (h *APIHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	h.handleUpload(w, r, false)
}

// ChunkedUploadHandler accepts one chunk of a multi-part pattern.
// Multipart fields: "file", "chunk_name", "chunk_index", "total_chunks".
func (h *APIHandler) ChunkedUploadHandler(w http.ResponseWriter, r *http.Request) {
	h.handleUpload(w, r, true)
}

func (h *APIHandler) handleUpload(w http.ResponseWriter, r *http.Request, chunked bool) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("parse multipart form: %v", err), diag.CodeUploadBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'file' in form", diag.CodeUploadBadRequest)
		return
	}
	defer file.Close()

	name := header.Filename
	if chunked {
		if cn := r.FormValue("chunk_name"); cn != "" {
			name = cn
		}
		// Index fields are advisory but must be numbers when present.
		for _, field := range []string{"chunk_index", "total_chunks"} {
			if v := r.FormValue(field); v != "" {
				if _, err := strconv.Atoi(v); err != nil {
					writeError(w, http.StatusBadRequest, field+" is not a number", diag.CodeUploadBadRequest)
					return
				}
			}
		}
	}
	name = store.SanitizeName(name)
	if name == "" {
		if chunked {
			writeError(w, http.StatusBadRequest, "unusable chunk name", diag.CodeUploadBadRequest)
			return
		}
		name = h.cfg.DefaultPattern
	}

	var upMeta struct {
		TotalFrames  int `json:"total_frames"`
		FrameDelayMs int `json:"frame_delay_ms"`
	}
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &upMeta); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed metadata: %v", err), diag.CodeUploadBadRequest)
			return
		}
	}

	declared := header.Size

	// Open the write session on the loop.
	var handle *store.WriteHandle
	var beginErr error
	if !h.onLoop(w, func() {
		handle, beginErr = h.store.BeginWrite(name, declared, chunked)
	}) {
		return
	}
	if beginErr != nil {
		h.recordUpload(model.UploadRecord{Name: name, Size: declared, Chunked: chunked, Code: uploadCode(beginErr)})
		switch {
		case errors.Is(beginErr, store.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, beginErr.Error(), diag.CodeUploadTooLarge)
		default:
			writeError(w, http.StatusInternalServerError, beginErr.Error(), diag.CodeUploadOpenFailed)
		}
		return
	}

	// Move the payload in small units so the loop keeps servicing
	// playback ticks between writes.
	buf := make([]byte, uploadCopyChunk)
	for {
		n, rerr := file.Read(buf)
		if n > 0 {
			var werr error
			if !h.onLoop(w, func() {
				werr = h.store.WriteBytes(handle, buf[:n])
			}) {
				return
			}
			if werr != nil {
				h.loop.Do(func() { h.store.Abort(handle) })
				h.recordUpload(model.UploadRecord{Name: name, Size: declared, Chunked: chunked, Code: diag.CodeUploadWriteShort})
				writeError(w, http.StatusInternalServerError, werr.Error(), diag.CodeUploadWriteShort)
				return
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			h.loop.Do(func() { h.store.Abort(handle) })
			h.recordUpload(model.UploadRecord{Name: name, Size: declared, Chunked: chunked, Code: diag.CodeUploadBadRequest})
			writeError(w, http.StatusBadRequest, fmt.Sprintf("read upload body: %v", rerr), diag.CodeUploadBadRequest)
			return
		}
	}

	var res store.Result
	var endErr error
	if !h.onLoop(w, func() {
		res, endErr = h.store.EndWrite(handle)
		if endErr == nil {
			frameCount := 0
			delay := 0
			if !chunked {
				frameCount = upMeta.TotalFrames
				delay = upMeta.FrameDelayMs
			}
			if err := h.meta.Record(name, res.StoredSize, frameCount, delay); err != nil {
				h.dlog.Warning("meta", "record", err.Error(), diag.CodeMetadataPersist)
			}
		}
	}) {
		return
	}
	if endErr != nil {
		h.recordUpload(model.UploadRecord{Name: name, Size: declared, Chunked: chunked, Code: diag.CodeUploadWriteShort})
		writeError(w, http.StatusInternalServerError, endErr.Error(), diag.CodeUploadWriteShort)
		return
	}

	if h.mirror != nil {
		h.mirror.Push(name)
	}
	h.recordUpload(model.UploadRecord{
		Name: name, Size: res.StoredSize, Digest: res.Digest, Chunked: chunked, Success: true,
	})

	if chunked {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status": "success",
			"chunk":  name,
			"size":   res.StoredSize,
			"digest": res.Digest,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"file":   name,
		"size":   res.StoredSize,
		"digest": res.Digest,
	})
}

func uploadCode(err error) int {
	switch {
	case errors.Is(err, store.ErrTooLarge):
		return diag.CodeUploadTooLarge
	case errors.Is(err, store.ErrWriteShort):
		return diag.CodeUploadWriteShort
	default:
		return diag.CodeUploadOpenFailed
	}
}

func (h *APIHandler) recordUpload(rec model.UploadRecord) {
	if h.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h.archive.Record(ctx, rec); err != nil {
		h.loop.Do(func() {
			h.dlog.Warning("history", "record", err.Error(), diag.CodeHistoryArchive)
		})
	}
}

// MetadataHandler applies an upload-metadata request: frame delay,
// total frames, per-chunk delays and the chunk list.
func (h *APIHandler) MetadataHandler(w http.ResponseWriter, r *http.Request) {
	// The desktop tools post a form field; newer clients post raw JSON.
	var raw string
	if strings.Contains(r.Header.Get("Content-Type"), "json") {
		body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
		if err != nil || len(body) == 0 {
			writeError(w, http.StatusBadRequest, "missing metadata body", diag.CodeUploadBadRequest)
			return
		}
		raw = string(body)
	} else if raw = r.FormValue("metadata"); raw == "" {
		writeError(w, http.StatusBadRequest, "missing metadata body", diag.CodeUploadBadRequest)
		return
	}

	var update model.MetadataUpdate
	if err := json.Unmarshal([]byte(raw), &update); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed metadata: %v", err), diag.CodeUploadBadRequest)
		return
	}

	var applyErr error
	if !h.onLoop(w, func() {
		applyErr = h.meta.ApplyUpdate(update)
	}) {
		return
	}
	if applyErr != nil {
		writeError(w, http.StatusBadRequest, applyErr.Error(), diag.CodeUploadBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "success",
		"message": "metadata updated",
	})
}

// LEDControlHandler is the playback-control surface:
// action=play|pause|stop|status|set_delay. Mutating actions pass the
// token gate; status does not.
func (h *APIHandler) LEDControlHandler(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")

	if action != "status" && h.auth.Enabled() {
		if !h.auth.Verify(r.Header.Get(uploadTokenHeader), time.Now().Unix()) {
			writeError(w, http.StatusUnauthorized, "invalid or expired token", diag.CodeUploadRejected)
			return
		}
	}

	var status model.PlayerStatus
	var ctlErr error
	var badRequest string

	if !h.onLoop(w, func() {
		switch action {
		case "play":
			pattern := r.URL.Query().Get("pattern")
			if pattern == "" && h.player.State() == player.Paused {
				h.player.Resume()
			} else {
				if pattern == "" {
					if pattern = h.player.Pattern(); pattern == "" {
						pattern = h.cfg.DefaultPattern
					}
				}
				ctlErr = h.player.Play(pattern)
			}
		case "pause":
			h.player.Pause()
		case "stop":
			h.player.Stop()
		case "set_delay":
			ms, err := strconv.Atoi(r.URL.Query().Get("delay_ms"))
			if err != nil || ms <= 0 {
				badRequest = "delay_ms must be a positive integer"
				return
			}
			if err := h.meta.SetFrameDelay(ms); err != nil {
				badRequest = err.Error()
			}
		case "status":
			// Snapshot below.
		default:
			badRequest = "unknown action " + action
		}
		status = h.player.Status()
	}) {
		return
	}

	if badRequest != "" {
		writeError(w, http.StatusBadRequest, badRequest, diag.CodeUploadBadRequest)
		return
	}
	if ctlErr != nil {
		if errors.Is(ctlErr, player.ErrUnknownPattern) {
			writeError(w, http.StatusNotFound, ctlErr.Error(), diag.CodePlaybackUnknown)
			return
		}
		writeError(w, http.StatusInternalServerError, ctlErr.Error(), diag.CodeUploadInternal)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// PingHandler answers connectivity probes.
func (h *APIHandler) PingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"free_heap": h.guardian.FreeHeap(),
	})
}

// HealthHandler reports liveness with heap and uptime.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"free_heap": h.guardian.FreeHeap(),
		"uptime":    int64(time.Since(h.bootTime).Seconds()),
	})
}

// PerformanceHandler reports the memory snapshot the desktop
// diagnostics poll for.
func (h *APIHandler) PerformanceHandler(w http.ResponseWriter, r *http.Request) {
	heap := h.guardian.HeapStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"free_heap":          heap.FreeHeap,
		"max_alloc_heap":     heap.MaxAllocHeap,
		"heap_fragmentation": heap.HeapFragmentation,
		"goroutines":         runtime.NumGoroutine(),
		"gomaxprocs":         runtime.GOMAXPROCS(0),
	})
}

// StatusHandler is the one-stop snapshot: playback, storage, heap,
// stored blobs.
func (h *APIHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	var status model.PlayerStatus
	var blobs []model.BlobInfo
	var fs model.FSInfo
	if !h.onLoop(w, func() {
		status = h.player.Status()
		blobs = h.store.List()
		fs = h.store.FSInfo()
	}) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"player":    status,
		"patterns":  blobs,
		"fs":        fs,
		"free_heap": h.guardian.FreeHeap(),
		"uptime":    int64(time.Since(h.bootTime).Seconds()),
	})
}

// SystemInfoHandler identifies the controller.
func (h *APIHandler) SystemInfoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"device_id":  h.deviceID,
		"version":    Version,
		"frame_size": h.cfg.FrameSize,
		"uptime":     int64(time.Since(h.bootTime).Seconds()),
		"token_auth": h.auth.Enabled(),
	})
}

// FSInfoHandler reports pattern storage occupancy.
func (h *APIHandler) FSInfoHandler(w http.ResponseWriter, r *http.Request) {
	var fs model.FSInfo
	if !h.onLoop(w, func() { fs = h.store.FSInfo() }) {
		return
	}
	writeJSON(w, http.StatusOK, fs)
}

// ErrorLogHandler returns the circular diagnostic log, oldest first.
func (h *APIHandler) ErrorLogHandler(w http.ResponseWriter, r *http.Request) {
	var entries []diag.Entry
	if !h.onLoop(w, func() { entries = h.dlog.Entries() }) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"count":   len(entries),
		"entries": entries,
	})
}

// DiagnosticHandler bundles heap, pressure level, storage and the
// diagnostic log into one post-mortem payload.
func (h *APIHandler) DiagnosticHandler(w http.ResponseWriter, r *http.Request) {
	var entries []diag.Entry
	var fs model.FSInfo
	var level diag.Level
	if !h.onLoop(w, func() {
		entries = h.dlog.Entries()
		fs = h.store.FSInfo()
		level = h.guardian.Classify(h.guardian.Sample())
	}) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"heap":     h.guardian.HeapStatus(),
		"pressure": level.String(),
		"fs":       fs,
		"log":      entries,
	})
}

// FirmwareHashHandler recomputes the content digest of a stored blob
// so clients can verify an upload end to end. Query param "file"
// defaults to the primary pattern.
func (h *APIHandler) FirmwareHashHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("file")
	if name == "" {
		name = h.cfg.DefaultPattern
	}

	var digest string
	var err error
	if !h.onLoop(w, func() {
		digest, err = h.store.ContentDigest(name)
	}) {
		return
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no such file "+name, diag.CodePlaybackUnknown)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), diag.CodeUploadInternal)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"file":   name,
		"hash":   digest,
	})
}

// UploadHistoryHandler returns recent upload outcomes from the
// archive, newest first.
func (h *APIHandler) UploadHistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records := []model.UploadRecord{}
	if h.archive != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		recs, err := h.archive.Recent(ctx, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), diag.CodeHistoryArchive)
			return
		}
		if recs != nil {
			records = recs
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"count":   len(records),
		"uploads": records,
	})
}

// DeleteHandler removes a stored blob and its metadata entry.
func (h *APIHandler) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("file")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing file parameter", diag.CodeUploadBadRequest)
		return
	}

	var removed bool
	if !h.onLoop(w, func() {
		removed = h.store.Delete(name)
		if removed {
			if err := h.meta.Forget(name); err != nil {
				h.dlog.Warning("meta", "forget", err.Error(), diag.CodeMetadataPersist)
			}
		}
	}) {
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "no such file "+name, diag.CodePlaybackUnknown)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"file":   store.SanitizeName(name),
	})
}
