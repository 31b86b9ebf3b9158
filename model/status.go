package model

import "time"

// PlayerStatus is the playback snapshot returned by led-control and
// status queries. Field names match what the desktop tools parse.
type PlayerStatus struct {
	Status       string `json:"status"`
	Pattern      string `json:"pattern,omitempty"`
	Playing      bool   `json:"playing"`
	Paused       bool   `json:"paused"`
	CurrentFrame int    `json:"current_frame"`
	TotalFrames  int    `json:"total_frames"`
	FrameDelayMs int    `json:"frame_delay_ms"`
	CurrentChunk int    `json:"current_chunk"`
}

// HeapStatus is the memory snapshot included in health and
// performance payloads.
type HeapStatus struct {
	FreeHeap          uint64  `json:"free_heap"`
	MaxAllocHeap      uint64  `json:"max_alloc_heap"`
	HeapFragmentation float64 `json:"heap_fragmentation"`
}

// FSInfo reports pattern storage occupancy.
type FSInfo struct {
	Capacity int64 `json:"capacity"`
	Used     int64 `json:"used"`
	Free     int64 `json:"free"`
}

// UploadRecord is one row of the upload-history archive.
type UploadRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"file"`
	Size      int64     `json:"size"`
	Digest    string    `json:"digest"`
	Chunked   bool      `json:"chunked"`
	Success   bool      `json:"success"`
	Code      int       `json:"code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
