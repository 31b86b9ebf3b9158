package model

// Descriptor describes one stored blob: a single-file pattern or one
// chunk of a chunked set. FrameStart is the index of the blob's first
// frame within the whole pattern; zero for single-file patterns.
type Descriptor struct {
	Name         string `json:"file"`
	Size         int64  `json:"size"`
	FrameStart   int    `json:"frame_start"`
	FrameCount   int    `json:"frame_count"`
	FrameDelayMs int    `json:"frame_delay_ms,omitempty"`
}

// Document is the persisted metadata document. Entries indexes every
// known blob by name; the chunk list describes the active chunked
// pattern, in playback order, when Chunked is set.
type Document struct {
	FrameDelayMs   int                   `json:"frame_delay_ms"`
	TotalFrames    int                   `json:"total_frames"`
	Chunked        bool                  `json:"chunked"`
	ChunkCount     int                   `json:"chunk_count,omitempty"`
	PerChunkDelays []int                 `json:"per_chunk_delays,omitempty"`
	Chunks         []Descriptor          `json:"chunks,omitempty"`
	Entries        map[string]Descriptor `json:"entries,omitempty"`
}

// MetadataUpdate is the body accepted by the upload-metadata endpoint.
// Fields left at their zero value are not applied, except Chunks which
// replaces the chunk list whenever present.
type MetadataUpdate struct {
	FrameDelayMs   int          `json:"frame_delay_ms"`
	TotalFrames    int          `json:"total_frames"`
	Chunked        bool         `json:"chunked"`
	ChunkCount     int          `json:"chunk_count"`
	PerChunkDelays []int        `json:"per_chunk_delays"`
	Chunks         []Descriptor `json:"chunks"`
}

// BlobInfo is one row of the store listing.
type BlobInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}
