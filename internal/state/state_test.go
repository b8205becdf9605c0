package state

import (
	"sync"
	"testing"
	"time"

	"github.com/rcret/carCount/internal/lanes"
)

func TestNewStateStartsConnecting(t *testing.T) {
	s := New(10)

	snap := s.Snapshot()
	if snap.StreamStatus != StatusConnecting {
		t.Errorf("initial status = %q, want %q", snap.StreamStatus, StatusConnecting)
	}
	if snap.Lane1 != 0 || snap.Lane2 != 0 || snap.Total != 0 {
		t.Errorf("initial counts should be zero, got %+v", snap)
	}
	if snap.LastUpdate != nil {
		t.Error("last_update should be nil before any frame")
	}
	if snap.SessionID == "" {
		t.Error("session id should be set")
	}
	if len(snap.RecentEvents) != 0 {
		t.Error("recent events should start empty")
	}
}

func TestPublishFrameAndLatestFrame(t *testing.T) {
	s := New(10)

	if _, ok := s.LatestFrame(); ok {
		t.Fatal("LatestFrame should report unavailable before any publish")
	}

	s.PublishFrame([]byte{0xff, 0xd8}, 2, 3)

	frame, ok := s.LatestFrame()
	if !ok || len(frame) != 2 {
		t.Fatalf("LatestFrame = (%v, %v), want cached frame", frame, ok)
	}

	snap := s.Snapshot()
	if snap.Lane1 != 2 || snap.Lane2 != 3 || snap.Total != 5 {
		t.Errorf("snapshot counts = %d/%d/%d, want 2/3/5", snap.Lane1, snap.Lane2, snap.Total)
	}
	if snap.LastUpdate == nil {
		t.Error("last_update should be set after a publish")
	}

	// A nil frame updates counts but keeps the cached frame.
	s.PublishFrame(nil, 4, 4)
	frame, ok = s.LatestFrame()
	if !ok || len(frame) != 2 {
		t.Error("nil publish must not clear the cached frame")
	}
}

func TestRecentEventsBoundedMostRecentFirst(t *testing.T) {
	s := New(3)

	for i := 1; i <= 5; i++ {
		s.AddEvent(lanes.CrossingEvent{TrackID: i, Lane: 1, ClassName: "car", Timestamp: time.Now()})
	}

	snap := s.Snapshot()
	if len(snap.RecentEvents) != 3 {
		t.Fatalf("expected tail capped at 3, got %d", len(snap.RecentEvents))
	}
	if snap.RecentEvents[0].TrackID != 5 || snap.RecentEvents[2].TrackID != 3 {
		t.Errorf("unexpected ordering: %+v", snap.RecentEvents)
	}
}

// Totals in a snapshot must never disagree with lane1+lane2, even while a
// writer is updating them concurrently.
func TestSnapshotConsistencyUnderConcurrency(t *testing.T) {
	s := New(10)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				s.PublishFrame(nil, i, i*2)
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		snap := s.Snapshot()
		if snap.Total != snap.Lane1+snap.Lane2 {
			t.Fatalf("torn read: total=%d lane1=%d lane2=%d", snap.Total, snap.Lane1, snap.Lane2)
		}
	}
	close(stop)
	wg.Wait()
}

func TestStatusTransitions(t *testing.T) {
	s := New(10)

	for _, st := range []Status{StatusStreaming, StatusDisconnected, StatusConnecting, StatusError} {
		s.SetStatus(st)
		if got := s.Status(); got != st {
			t.Errorf("Status() = %q, want %q", got, st)
		}
	}
}
