package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"Px1LED/config"
	"Px1LED/device"
	"Px1LED/diag"
	"Px1LED/history"
	"Px1LED/logger"
	"Px1LED/meta"
	"Px1LED/player"
	"Px1LED/store"
	"Px1LED/token"
)

// Start wires the controller together and serves until interrupted.
func Start() {
	cfg := config.Load()

	logger.InitLogger(logger.Config{
		Level:      logger.LogLevel(cfg.LogLevel),
		OutputPath: cfg.LogPath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: 3,
		MaxAge:     14,
		Compress:   true,
	})

	guardianSampler := diag.RuntimeSampler(cfg.HeapBudget)
	dlog := diag.NewLog(cfg.ErrorLogCapacity, func() uint64 {
		return guardianSampler().FreeHeap
	})
	guardian := diag.NewGuardian(dlog, cfg.HeapBudget, cfg.HeapLowBytes, cfg.HeapCriticalBytes, guardianSampler)
	guardian.SetRestart(func() {
		// Mirrors the device behavior: a heap below the critical
		// floor is unrecoverable in place, so the supervisor gets a
		// clean exit code to restart on.
		logger.Error("free heap below critical floor, restarting")
		os.Exit(2)
	})

	blobStore, err := store.New(store.Options{
		Dir:            cfg.StorageDir,
		FlashCapacity:  cfg.FlashCapacity,
		SafetyMargin:   cfg.SafetyMargin,
		SingleCeiling:  cfg.SingleCeiling,
		ChunkedCeiling: cfg.ChunkedCeiling,
		DigestName:     cfg.ContentDigest,
		StallTimeout:   cfg.UploadStallTimeout,
		Pressure:       func() { guardian.Check() },
	}, dlog)
	if err != nil {
		logger.Fatal("pattern storage init failed", logger.ErrorField(err))
	}
	guardian.AddMitigation(blobStore.CloseIdleReads)
	guardian.AddMitigation(dlog.Trim)

	metaMgr := meta.NewManager(meta.Options{
		Path:           filepath.Join(filepath.Dir(cfg.StorageDir), "metadata.json"),
		FrameSize:      cfg.FrameSize,
		DefaultDelayMs: cfg.DefaultFrameDelayMs,
		DefaultPattern: cfg.DefaultPattern,
		SizeOf:         blobStore.SizeOf,
	}, dlog)
	metaMgr.Load()

	hub := NewHub()
	ledPlayer := player.New(blobStore, metaMgr, hub, dlog, cfg.FrameSize)

	loop := device.NewLoop(ledPlayer, guardian, blobStore, device.Options{
		TickInterval:     cfg.TickInterval,
		GuardianInterval: cfg.GuardianInterval,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	watcher, err := store.NewWatcher(blobStore, dlog, loop.Submit)
	if err != nil {
		logger.Warn("storage watcher unavailable", logger.ErrorField(err))
	} else {
		defer watcher.Close()
	}

	var mirror *store.Mirror
	if cfg.MirrorEndpoint != "" {
		mirror, err = store.NewMirror(store.MirrorOptions{
			Endpoint:  cfg.MirrorEndpoint,
			AccessKey: cfg.MirrorAccessKey,
			SecretKey: cfg.MirrorSecretKey,
			Bucket:    cfg.MirrorBucket,
			UseSSL:    cfg.MirrorUseSSL,
		}, blobStore, dlog, loop.Submit)
		if err != nil {
			logger.Warn("pattern mirror unavailable", logger.ErrorField(err))
			mirror = nil
		}
	}

	archive, err := history.Open(cfg.HistoryDBPath)
	if err != nil {
		logger.Warn("upload history archive unavailable", logger.ErrorField(err))
		archive = nil
	} else {
		defer archive.Close()
	}

	auth := token.New(cfg.TokenSecret, cfg.TokenTTL, cfg.TokenDigest)
	if !auth.Enabled() {
		logger.Warn("no token secret configured, uploads are unauthenticated")
	}

	api := NewAPIHandler(cfg, loop, blobStore, metaMgr, ledPlayer, guardian, dlog, auth, archive, mirror, hub, uuid.NewString())

	router := mux.NewRouter()
	router.Use(corsMiddleware)
	router.Use(recoverMiddleware)

	// Upload surface, token-gated.
	router.HandleFunc("/upload", api.requireToken(api.UploadHandler)).Methods(http.MethodPost)
	router.HandleFunc("/upload-chunked", api.requireToken(api.ChunkedUploadHandler)).Methods(http.MethodPost)
	router.HandleFunc("/upload-metadata", api.requireToken(api.MetadataHandler)).Methods(http.MethodPost)
	router.HandleFunc("/delete", api.requireToken(api.DeleteHandler)).Methods(http.MethodPost, http.MethodDelete)

	// Playback control; the handler gates mutating actions itself so
	// action=status stays reachable without a token.
	router.HandleFunc("/led-control", api.LEDControlHandler).Methods(http.MethodGet, http.MethodPost)

	// Diagnostics and status.
	router.HandleFunc("/status", api.StatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/ping", api.PingHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", api.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/performance", api.PerformanceHandler).Methods(http.MethodGet)
	router.HandleFunc("/system-info", api.SystemInfoHandler).Methods(http.MethodGet)
	router.HandleFunc("/fs-info", api.FSInfoHandler).Methods(http.MethodGet)
	router.HandleFunc("/error-log", api.ErrorLogHandler).Methods(http.MethodGet)
	router.HandleFunc("/diagnostic", api.DiagnosticHandler).Methods(http.MethodGet)
	router.HandleFunc("/firmware-hash", api.FirmwareHashHandler).Methods(http.MethodGet)
	router.HandleFunc("/upload-history", api.UploadHistoryHandler).Methods(http.MethodGet)

	// Live frame feed for the display bridge.
	router.HandleFunc("/frames", api.FrameFeedHandler)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	loop.Do(func() {
		dlog.Info("device", "boot", "controller up, serving on "+cfg.HTTPAddr, 0)
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("controller listening",
			logger.String("addr", cfg.HTTPAddr),
			logger.String("storage", cfg.StorageDir),
			logger.Int("frame_size", cfg.FrameSize))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", logger.ErrorField(err))
		}
	}()

	<-stop
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", logger.ErrorField(err))
	}
	cancel()
	logger.Info("controller stopped")
}
