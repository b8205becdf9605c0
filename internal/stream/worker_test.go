package stream

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/rcret/carCount/internal/detect"
	"github.com/rcret/carCount/internal/geometry"
	"github.com/rcret/carCount/internal/lanes"
	"github.com/rcret/carCount/internal/monitoring"
	"github.com/rcret/carCount/internal/state"
)

func init() {
	// Keep worker logging out of test output.
	monitoring.SetLogger(nil)
}

// scriptedSource yields a fixed number of frames, then fails its reads.
type scriptedSource struct {
	mu     sync.Mutex
	frames int
	closed bool
}

func (s *scriptedSource) Read(m *gocv.Mat) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames <= 0 {
		return false
	}
	s.frames--
	tmp := gocv.NewMatWithSize(720, 960, gocv.MatTypeCV8UC3)
	defer tmp.Close()
	tmp.CopyTo(m)
	return true
}

func (s *scriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// scriptedCapability returns one pre-planned object list per call.
type scriptedCapability struct {
	mu     sync.Mutex
	script [][]detect.Object
	call   int
}

func (c *scriptedCapability) DetectAndTrack(frame gocv.Mat) ([]detect.Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call >= len(c.script) {
		return nil, nil
	}
	objects := c.script[c.call]
	c.call++
	return objects, nil
}

func (c *scriptedCapability) Close() error { return nil }

func (c *scriptedCapability) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.call
}

// recordingSink collects persisted events; fail makes every write error.
type recordingSink struct {
	mu     sync.Mutex
	events []lanes.CrossingEvent
	fail   bool
}

func (s *recordingSink) RecordCrossing(ev lanes.CrossingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testLaneConfig() lanes.LaneConfig {
	return lanes.LaneConfig{
		Lane1Polygon: geometry.Polygon{{X: 0, Y: 0}, {X: 960, Y: 0}, {X: 960, Y: 360}, {X: 0, Y: 360}},
		Lane2Polygon: geometry.Polygon{{X: 0, Y: 360}, {X: 960, Y: 360}, {X: 960, Y: 720}, {X: 0, Y: 720}},
		CountingLine: geometry.Line{{X: 0, Y: 360}, {X: 960, Y: 360}},
		Direction:    lanes.DirectionAny,
	}
}

// boxAt builds a detection whose bottom-center lands at (x, y).
func boxAt(trackID int, x, y float64) detect.Object {
	return detect.Object{
		Rect:       image.Rect(int(x)-40, int(y)-40, int(x)+40, int(y)),
		ClassName:  "car",
		Confidence: 0.9,
		TrackID:    trackID,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testWorkerConfig() Config {
	return Config{
		Source:        "scripted",
		BackoffBase:   time.Millisecond,
		BackoffMax:    4 * time.Millisecond,
		ReadRetryWait: time.Millisecond,
		Lanes:         testLaneConfig(),
	}
}

func TestWorkerCountsAndPersistsCrossing(t *testing.T) {
	capability := &scriptedCapability{script: [][]detect.Object{
		{boxAt(1, 480, 340)},
		{boxAt(1, 480, 380)},
	}}
	sink := &recordingSink{}
	appState := state.New(10)
	counter := lanes.NewCounter(testLaneConfig())

	src := &scriptedSource{frames: 2}
	opens := 0
	opener := func(addr string) (FrameSource, error) {
		opens++
		if opens == 1 {
			return src, nil
		}
		return nil, errors.New("stream gone")
	}

	w := NewWorker(testWorkerConfig(), opener, capability, counter, sink, appState)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, "crossing event to be persisted", func() bool { return sink.count() == 1 })
	waitFor(t, "source to be closed after read failure", func() bool { return src.isClosed() })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	ev := sink.events[0]
	if ev.Lane != 2 || ev.TrackID != 1 || ev.ClassName != "car" {
		t.Errorf("unexpected event: %+v", ev)
	}

	snap := appState.Snapshot()
	if snap.Lane2 != 1 || snap.Total != 1 {
		t.Errorf("snapshot counts = %+v, want lane2=1", snap)
	}
	if len(snap.RecentEvents) != 1 {
		t.Errorf("expected 1 recent event, got %d", len(snap.RecentEvents))
	}
	if _, ok := appState.LatestFrame(); !ok {
		t.Error("a processed frame should be cached")
	}
}

// Losing the stream mid-run transitions the status away from streaming and
// leaves the accumulated totals untouched while reconnection is attempted.
func TestWorkerStreamLossKeepsTotals(t *testing.T) {
	capability := &scriptedCapability{script: [][]detect.Object{
		{boxAt(1, 480, 340)},
		{boxAt(1, 480, 380)},
	}}
	sink := &recordingSink{}
	appState := state.New(10)
	counter := lanes.NewCounter(testLaneConfig())

	var opens atomic.Int32
	opener := func(addr string) (FrameSource, error) {
		if opens.Add(1) == 1 {
			return &scriptedSource{frames: 2}, nil
		}
		return nil, errors.New("still down")
	}

	w := NewWorker(testWorkerConfig(), opener, capability, counter, sink, appState)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, "reconnect attempts", func() bool { return opens.Load() >= 3 })

	// During the outage the previously accumulated totals are unchanged and
	// the stream is no longer reported as streaming.
	snap := appState.Snapshot()
	if snap.Lane2 != 1 || snap.Total != 1 {
		t.Errorf("totals changed during outage: %+v", snap)
	}
	if snap.StreamStatus == state.StatusStreaming {
		t.Errorf("status = %q during outage", snap.StreamStatus)
	}

	cancel()
	<-done
}

// A persistence failure must not crash the loop and must not roll back the
// dedup decision: the event is lost, the track cannot count again.
func TestWorkerPersistenceFailureDoesNotCrash(t *testing.T) {
	capability := &scriptedCapability{script: [][]detect.Object{
		{boxAt(1, 480, 340)},
		{boxAt(1, 480, 380)},
		{boxAt(1, 480, 340)}, // crosses back
		{boxAt(1, 480, 380)}, // and forward again: dedup holds
	}}
	sink := &recordingSink{fail: true}
	appState := state.New(10)
	counter := lanes.NewCounter(testLaneConfig())

	opener := func(addr string) (FrameSource, error) {
		return &scriptedSource{frames: 4}, nil
	}

	w := NewWorker(testWorkerConfig(), opener, capability, counter, sink, appState)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	waitFor(t, "all scripted frames processed", func() bool { return capability.calls() >= 4 })
	cancel()
	<-done

	if sink.count() != 0 {
		t.Errorf("failing sink recorded %d events", sink.count())
	}
	lane1, lane2 := counter.Totals()
	if lane1+lane2 != 1 {
		t.Errorf("dedup broken after persistence failure: totals %d/%d", lane1, lane2)
	}
	snap := appState.Snapshot()
	if len(snap.RecentEvents) != 1 {
		t.Errorf("in-memory tail should still hold the event, got %d", len(snap.RecentEvents))
	}
}

func TestBackoffWaitBoundedExponential(t *testing.T) {
	w := NewWorker(Config{BackoffBase: time.Second, BackoffMax: 30 * time.Second},
		func(string) (FrameSource, error) { return nil, errors.New("no") },
		nil, nil, nil, nil)

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 30 * time.Second},  // capped (32s → 30s)
		{50, 30 * time.Second}, // stays capped, no overflow blowup
	}
	for _, tc := range cases {
		if got := w.backoffWait(tc.failures); got != tc.want {
			t.Errorf("backoffWait(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}
