package diag

// Diagnostic codes, banded by subsystem: 1000s filesystem/init,
// 2000s upload, 3000s playback, 4000s network.
const (
	CodeStorageInitFailed = 1001
	CodeMetadataLoad      = 1002
	CodeMetadataPersist   = 1003
	CodeHistoryArchive    = 1004
	CodeHeapLow           = 1101
	CodeHeapCritical      = 1102

	CodeUploadTooLarge   = 2001
	CodeUploadOpenFailed = 2002
	CodeUploadWriteShort = 2003
	CodeUploadStalled    = 2004
	CodeUploadBadRequest = 2005
	CodeUploadRejected   = 2006 // token verification failed
	CodeUploadInternal   = 2007

	CodePlaybackUnknown      = 3001
	CodePlaybackReadFailed   = 3002
	CodePlaybackChunkMissing = 3003
	CodePlaybackSink         = 3004

	CodeBlobVanished = 4001 // blob changed outside the upload path
	CodeMirrorFailed = 4002
)
