// Package api exposes the read-only HTTP surface: live stats, the latest
// annotated frame and the persisted event history.
package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/rcret/carCount/internal/db"
	"github.com/rcret/carCount/internal/lanes"
	"github.com/rcret/carCount/internal/state"
	"github.com/rcret/carCount/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// defaultEventsLimit caps /events responses when no limit param is given.
const defaultEventsLimit = 100

// EventStore is the slice of the event log the API reads.
type EventStore interface {
	LaneTotals() (db.AggregateCounts, error)
	RecentEvents(limit int) ([]lanes.CrossingEvent, error)
}

type Server struct {
	state *state.AppState
	store EventStore
}

func NewServer(appState *state.AppState, store EventStore) *Server {
	return &Server{
		state: appState,
		store: store,
	}
}

// StatsResponse is the /stats payload. Totals are projected from the event
// log; stream health and the recent tail come from the shared state.
type StatsResponse struct {
	Lane1         int                   `json:"lane1"`
	Lane2         int                   `json:"lane2"`
	Total         int                   `json:"total"`
	StreamStatus  state.Status          `json:"stream_status"`
	LastUpdate    *time.Time            `json:"last_update"`
	UptimeSeconds float64               `json:"uptime_seconds"`
	SessionID     string                `json:"session_id"`
	RecentEvents  []lanes.CrossingEvent `json:"recent_events"`
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration
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

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.showStats)
	mux.HandleFunc("/frame", s.showFrame)
	mux.HandleFunc("/events", s.listEvents)
	mux.HandleFunc("/health", s.showHealth)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// showStats always returns a well-formed snapshot, even before the stream
// has ever connected. If the event log cannot be read the in-memory totals
// stand in, so the endpoint degrades rather than erroring.
func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := s.state.Snapshot()
	resp := StatsResponse{
		Lane1:         snap.Lane1,
		Lane2:         snap.Lane2,
		Total:         snap.Total,
		StreamStatus:  snap.StreamStatus,
		LastUpdate:    snap.LastUpdate,
		UptimeSeconds: snap.UptimeSeconds,
		SessionID:     snap.SessionID,
		RecentEvents:  snap.RecentEvents,
	}

	if counts, err := s.store.LaneTotals(); err == nil {
		resp.Lane1 = counts.Lane1
		resp.Lane2 = counts.Lane2
		resp.Total = counts.Total
	} else {
		log.Printf("stats falling back to in-memory totals: %v", err)
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write stats")
	}
}

// showFrame serves the most recent annotated JPEG, or 503 if no frame has
// ever been cached.
func (s *Server) showFrame(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	frame, ok := s.state.LatestFrame()
	if !ok {
		http.Error(w, "No frame available yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(frame)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := defaultEventsLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	events, err := s.store.RecentEvents(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to retrieve events: %v", err))
		return
	}

	if err := json.NewEncoder(w).Encode(events); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to write events")
	}
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  string(s.state.Status()),
		"version": version.Version,
	})
}
