package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the controller configuration. Defaults mirror the
// shipped device profile: 8x8 RGB matrix, ~1 MiB of flash for pattern
// data, 32 KiB single-file upload ceiling.
type Config struct {
	HTTPAddr string

	// Pattern storage
	StorageDir     string // namespace directory for pattern/chunk blobs
	FlashCapacity  int64  // total bytes budgeted for pattern data
	SafetyMargin   int64  // bytes kept free below FlashCapacity
	SingleCeiling  int64  // max declared size for a single-file upload
	ChunkedCeiling int64  // max declared size for one chunk of a chunked set
	ContentDigest  string // digest registry key used for upload fingerprints

	// Frame layout and playback
	FrameSize           int // bytes per frame (8x8 RGB => 192)
	DefaultFrameDelayMs int
	TickInterval        time.Duration // scheduler pass cadence
	DefaultPattern      string        // blob name played when none is named

	// Upload authorization
	TokenSecret string // empty disables verification entirely
	TokenTTL    time.Duration
	TokenDigest string // "legacy" or "hmac-sha1"

	// Memory guardian
	HeapBudget        uint64 // emulated device heap for pressure accounting
	HeapLowBytes      uint64
	HeapCriticalBytes uint64
	GuardianInterval  time.Duration

	// Upload session hygiene
	UploadStallTimeout time.Duration

	// Diagnostics
	ErrorLogCapacity int
	HistoryDBPath    string // sqlite upload-history archive

	// Optional off-device pattern mirror (S3-compatible). Disabled
	// when MirrorEndpoint is empty.
	MirrorEndpoint  string
	MirrorAccessKey string
	MirrorSecretKey string
	MirrorBucket    string
	MirrorUseSSL    bool

	// Logging
	LogLevel   string
	LogPath    string
	LogMaxSize int
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvInt64 gets an environment variable as int64 or returns a default value.
func getEnvInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	dataBase := getEnv("DATA_DIR", "data")

	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8266"),

		StorageDir:     filepath.Join(dataBase, "patterns"),
		FlashCapacity:  getEnvInt64("FLASH_CAPACITY", 1<<20),
		SafetyMargin:   getEnvInt64("SAFETY_MARGIN", 4096),
		SingleCeiling:  getEnvInt64("SINGLE_UPLOAD_CEILING", 32*1024),
		ChunkedCeiling: getEnvInt64("CHUNK_UPLOAD_CEILING", 32*1024),
		ContentDigest:  getEnv("CONTENT_DIGEST", "rolling"),

		FrameSize:           getEnvInt("FRAME_SIZE", 192),
		DefaultFrameDelayMs: getEnvInt("DEFAULT_FRAME_DELAY_MS", 100),
		TickInterval:        time.Duration(getEnvInt("TICK_INTERVAL_MS", 5)) * time.Millisecond,
		DefaultPattern:      getEnv("DEFAULT_PATTERN", "pattern.bin"),

		TokenSecret: os.Getenv("TOKEN_SECRET"), // no hardcoded default for the secret
		TokenTTL:    time.Duration(getEnvInt("TOKEN_TTL_SECONDS", 90)) * time.Second,
		TokenDigest: getEnv("TOKEN_DIGEST", "legacy"),

		HeapBudget:        uint64(getEnvInt64("HEAP_BUDGET", 80*1024)),
		HeapLowBytes:      uint64(getEnvInt64("HEAP_LOW_BYTES", 8*1024)),
		HeapCriticalBytes: uint64(getEnvInt64("HEAP_CRITICAL_BYTES", 3*1024)),
		GuardianInterval:  time.Duration(getEnvInt("GUARDIAN_INTERVAL_MS", 1000)) * time.Millisecond,

		UploadStallTimeout: time.Duration(getEnvInt("UPLOAD_STALL_SECONDS", 60)) * time.Second,

		ErrorLogCapacity: getEnvInt("ERROR_LOG_CAPACITY", 20),
		HistoryDBPath:    getEnv("HISTORY_DB", filepath.Join(dataBase, "history.db")),

		MirrorEndpoint:  getEnv("MIRROR_ENDPOINT", ""),
		MirrorAccessKey: getEnv("MIRROR_ACCESS_KEY", ""),
		MirrorSecretKey: os.Getenv("MIRROR_SECRET_KEY"),
		MirrorBucket:    getEnv("MIRROR_BUCKET", "px1led-patterns"),
		MirrorUseSSL:    getEnvBool("MIRROR_USE_SSL", true),

		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogPath:    getEnv("LOG_PATH", filepath.Join(dataBase, "logs", "px1led.log")),
		LogMaxSize: getEnvInt("LOG_MAX_SIZE_MB", 10),
	}
}
