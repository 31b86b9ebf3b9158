package server

import (
	"net/http"
	"time"

	"Px1LED/diag"
	"Px1LED/logger"
)

// uploadTokenHeader carries the rotating proof-of-possession token on
// every state-mutating request.
const uploadTokenHeader = "X-Upload-Token"

// requireToken gates state-mutating endpoints. Read-only status
// queries are never wrapped. With no secret configured the gate is
// wide open; that mode is unauthenticated by design and logged once
// at startup.
func (h *APIHandler) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.auth.Enabled() {
			tok := r.Header.Get(uploadTokenHeader)
			if !h.auth.Verify(tok, time.Now().Unix()) {
				h.loop.Do(func() {
					h.dlog.Warning("auth", "verify",
						"rejected upload token on "+r.URL.Path, diag.CodeUploadRejected)
				})
				writeError(w, http.StatusUnauthorized, "invalid or expired token", diag.CodeUploadRejected)
				return
			}
		}
		next(w, r)
	}
}

// corsMiddleware mirrors what the desktop tools expect when driven
// from a browser-hosted preview.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+uploadTokenHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverMiddleware guarantees no request leaves the HTTP layer
// without a structured response, even on an internal panic.
func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panic",
					logger.String("path", r.URL.Path),
					logger.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal error", diag.CodeUploadInternal)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
