// Package lanes implements the two-lane crossing counter: per-track history,
// directional counting-line crossing detection, lane attribution and
// once-per-track deduplication.
package lanes

import (
	"fmt"
	"sync"
	"time"

	"github.com/rcret/carCount/internal/geometry"
)

// Direction restricts which crossing direction produces a count.
type Direction string

const (
	// DirectionAny counts crossings in both directions.
	DirectionAny Direction = "any"
	// DirectionPositive counts only crossings that end on the positive side
	// of the counting line (increasing y for a left-to-right horizontal line).
	DirectionPositive Direction = "positive"
	// DirectionNegative counts only crossings that end on the negative side.
	DirectionNegative Direction = "negative"
)

// LaneConfig is the immutable lane geometry loaded at startup.
type LaneConfig struct {
	Lane1Polygon geometry.Polygon `json:"lane1_polygon"`
	Lane2Polygon geometry.Polygon `json:"lane2_polygon"`
	CountingLine geometry.Line    `json:"counting_line"`
	Direction    Direction        `json:"direction"`
}

// Validate rejects geometry the counter cannot operate on. Called once at
// startup; a failure here is fatal before the stream worker starts.
func (c LaneConfig) Validate() error {
	if len(c.Lane1Polygon) < 3 {
		return fmt.Errorf("lane1_polygon needs at least 3 points, got %d", len(c.Lane1Polygon))
	}
	if len(c.Lane2Polygon) < 3 {
		return fmt.Errorf("lane2_polygon needs at least 3 points, got %d", len(c.Lane2Polygon))
	}
	if c.CountingLine[0] == c.CountingLine[1] {
		return fmt.Errorf("counting_line endpoints must be distinct")
	}
	switch c.Direction {
	case DirectionAny, DirectionPositive, DirectionNegative:
	default:
		return fmt.Errorf("unknown direction %q", c.Direction)
	}
	return nil
}

// TrackObservation is one tracked object in one processed frame.
type TrackObservation struct {
	TrackID    int
	ClassName  string
	Confidence float64
	Center     geometry.Point
}

// CrossingEvent is the durable record of a track passing the counting line.
type CrossingEvent struct {
	Timestamp time.Time `json:"ts"`
	Lane      int       `json:"lane"`
	TrackID   int       `json:"track_id"`
	ClassName string    `json:"class_name"`
}

// trackHistory is the per-track state between frames.
type trackHistory struct {
	point    geometry.Point
	lane     int // 1, 2, or 0 for neither polygon
	lastSeen time.Time
}

// Counter consumes one TrackObservation per tracked object per frame and
// emits at most one CrossingEvent per track id for its lifetime.
//
// Observe is safe for concurrent use; the decision steps for a single track
// (direction filter, lane attribution, dedup, history update) happen under
// one lock so a track can never be counted twice.
type Counter struct {
	cfg LaneConfig

	mu      sync.Mutex
	history map[int]*trackHistory
	counted map[int]struct{}
	lane1   int
	lane2   int

	now func() time.Time // swappable for tests
}

// NewCounter creates a Counter for the given validated lane geometry.
func NewCounter(cfg LaneConfig) *Counter {
	return &Counter{
		cfg:     cfg,
		history: make(map[int]*trackHistory),
		counted: make(map[int]struct{}),
		now:     time.Now,
	}
}

// laneOf classifies a point: lane 1 first, then lane 2, else 0.
func (c *Counter) laneOf(p geometry.Point) int {
	if geometry.PointInPolygon(p, c.cfg.Lane1Polygon) {
		return 1
	}
	if geometry.PointInPolygon(p, c.cfg.Lane2Polygon) {
		return 2
	}
	return 0
}

// Observe processes one tracked object and returns a CrossingEvent if this
// observation completed a new, directionally valid, attributable crossing.
// Returns nil otherwise. The first observation of a track id never counts.
func (c *Counter) Observe(obs TrackObservation) *CrossingEvent {
	now := c.now()
	currLane := c.laneOf(obs.Center)

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, seen := c.history[obs.TrackID]
	if !seen {
		c.history[obs.TrackID] = &trackHistory{point: obs.Center, lane: currLane, lastSeen: now}
		return nil
	}

	prevPoint, prevLane := prev.point, prev.lane
	prev.point = obs.Center
	prev.lane = currLane
	prev.lastSeen = now

	crossed, side := geometry.SegmentCrossing(
		prevPoint, obs.Center, c.cfg.CountingLine[0], c.cfg.CountingLine[1])
	if !crossed {
		return nil
	}

	switch c.cfg.Direction {
	case DirectionPositive:
		if side <= 0 {
			return nil
		}
	case DirectionNegative:
		if side >= 0 {
			return nil
		}
	}

	// Attribute the crossing to the lane the track is in now; fall back to
	// where it came from when the crossing point sits outside both polygons.
	lane := currLane
	if lane == 0 {
		lane = prevLane
	}
	if lane == 0 {
		return nil
	}

	// Dedup check comes after direction filtering so a filtered-out crossing
	// does not consume the track's single count.
	if _, dup := c.counted[obs.TrackID]; dup {
		return nil
	}
	c.counted[obs.TrackID] = struct{}{}

	if lane == 1 {
		c.lane1++
	} else {
		c.lane2++
	}

	return &CrossingEvent{
		Timestamp: now,
		Lane:      lane,
		TrackID:   obs.TrackID,
		ClassName: obs.ClassName,
	}
}

// EvictIdle drops history entries not observed within maxIdle and returns how
// many were removed. The counted set is never evicted: dedup holds for the
// whole process lifetime even if the tracker briefly loses and re-finds an id.
func (c *Counter) EvictIdle(maxIdle time.Duration) int {
	cutoff := c.now().Add(-maxIdle)

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, h := range c.history {
		if h.lastSeen.Before(cutoff) {
			delete(c.history, id)
			evicted++
		}
	}
	return evicted
}

// Totals returns the in-memory per-lane counts. These mirror the event log
// for this process's lifetime and are used for frame annotation; the stats
// API projects its totals from the log itself.
func (c *Counter) Totals() (lane1, lane2 int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lane1, c.lane2
}

// TrackedCount returns the number of live history entries.
func (c *Counter) TrackedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Reset clears all history, the counted set and the totals.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = make(map[int]*trackHistory)
	c.counted = make(map[int]struct{})
	c.lane1, c.lane2 = 0, 0
}
