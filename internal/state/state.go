// Package state holds the shared mutable state between the stream worker
// (sole writer) and the HTTP handlers (readers): stream health, the latest
// encoded frame, in-memory totals and a bounded tail of recent events.
package state

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rcret/carCount/internal/lanes"
)

// Status is the stream health as seen by the worker.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusStreaming    Status = "streaming"
	StatusDisconnected Status = "disconnected"
	// StatusError marks an unrecoverable resource problem (e.g. missing
	// model weights). The process keeps serving stats with stale data.
	StatusError Status = "error"
)

// Snapshot is a consistent read of the shared state. Total always equals
// Lane1+Lane2 as of the instant the snapshot was taken.
type Snapshot struct {
	Lane1         int                  `json:"lane1"`
	Lane2         int                  `json:"lane2"`
	Total         int                  `json:"total"`
	StreamStatus  Status               `json:"stream_status"`
	LastUpdate    *time.Time           `json:"last_update"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	SessionID     string               `json:"session_id"`
	RecentEvents  []lanes.CrossingEvent `json:"recent_events"`
}

// AppState is safe for concurrent use. Writers hold the lock only for the
// brief mutation; no blocking work (stream reads, inference, encoding)
// happens under it.
type AppState struct {
	mu          sync.Mutex
	lane1       int
	lane2       int
	status      Status
	lastUpdate  time.Time
	latestFrame []byte
	recent      []lanes.CrossingEvent // ring, oldest first
	recentLimit int

	startTime time.Time
	sessionID string
}

// New creates an AppState in the connecting state. recentLimit bounds the
// in-memory recent-events tail.
func New(recentLimit int) *AppState {
	return &AppState{
		status:      StatusConnecting,
		recentLimit: recentLimit,
		startTime:   time.Now(),
		sessionID:   uuid.NewString(),
	}
}

// SetStatus records a stream health transition.
func (s *AppState) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// Status returns the current stream health.
func (s *AppState) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// PublishFrame stores the latest encoded frame together with the current
// totals and marks the stream as updated. frame may be nil to update the
// totals only.
func (s *AppState) PublishFrame(frame []byte, lane1, lane2 int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if frame != nil {
		s.latestFrame = frame
	}
	s.lane1, s.lane2 = lane1, lane2
	s.lastUpdate = time.Now()
}

// AddEvent appends a crossing event to the bounded recent-events tail.
func (s *AppState) AddEvent(ev lanes.CrossingEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, ev)
	if len(s.recent) > s.recentLimit {
		s.recent = s.recent[len(s.recent)-s.recentLimit:]
	}
}

// LatestFrame returns the most recent encoded frame, or ok=false if no
// frame has ever been published.
func (s *AppState) LatestFrame() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestFrame == nil {
		return nil, false
	}
	return s.latestFrame, true
}

// Snapshot returns a consistent copy of the state. Safe to call at any
// time, including before the stream has ever connected.
func (s *AppState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Lane1:         s.lane1,
		Lane2:         s.lane2,
		Total:         s.lane1 + s.lane2,
		StreamStatus:  s.status,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		SessionID:     s.sessionID,
		RecentEvents:  make([]lanes.CrossingEvent, 0, len(s.recent)),
	}
	if !s.lastUpdate.IsZero() {
		t := s.lastUpdate
		snap.LastUpdate = &t
	}
	// Most recent first.
	for i := len(s.recent) - 1; i >= 0; i-- {
		snap.RecentEvents = append(snap.RecentEvents, s.recent[i])
	}
	return snap
}
