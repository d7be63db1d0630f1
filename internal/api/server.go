// Package api is the HTTP surface: client registration, report intake and
// read access to reports, guns, gunshots and the live events.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/gunshot.report/internal/db"
	"github.com/banshee-data/gunshot.report/internal/gunshot"
	"github.com/banshee-data/gunshot.report/internal/ingest"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 16

type Server struct {
	db       *db.DB
	pipeline *ingest.Pipeline
	engine   *gunshot.Engine
	tokens   *TokenManager
}

func NewServer(database *db.DB, pipeline *ingest.Pipeline, engine *gunshot.Engine, tokens *TokenManager) *Server {
	return &Server{
		db:       database,
		pipeline: pipeline,
		engine:   engine,
		tokens:   tokens,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the routes. Everything under /api/ requires a client
// token from /register.
func (s *Server) ServeMux() *http.ServeMux {
	api := http.NewServeMux()
	api.HandleFunc("/api/reports", s.handleReports)
	api.HandleFunc("/api/guns", s.handleGuns)
	api.HandleFunc("/api/gunshots", s.handleGunshots)
	api.HandleFunc("/api/gunshots/latest", s.latestGunshot)
	api.HandleFunc("/api/events", s.listEvents)

	mux := http.NewServeMux()
	mux.HandleFunc("/register", s.register)
	mux.Handle("/api/", s.tokens.RequireClient(api))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
