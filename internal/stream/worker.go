// Package stream runs the continuous ingest loop: acquire the video source,
// read frames, run detection/tracking, feed the lane counter, persist
// crossing events and publish the annotated frame, reconnecting forever
// when the source drops.
package stream

import (
	"context"
	"time"

	"gocv.io/x/gocv"

	"github.com/rcret/carCount/internal/detect"
	"github.com/rcret/carCount/internal/geometry"
	"github.com/rcret/carCount/internal/lanes"
	"github.com/rcret/carCount/internal/monitoring"
	"github.com/rcret/carCount/internal/state"
)

// FrameSource is the minimal surface the worker needs from a video capture.
// *gocv.VideoCapture satisfies it; tests substitute a scripted source.
type FrameSource interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// SourceOpener opens a FrameSource for a stream address. Split out so tests
// can fail or script the connection without a real camera.
type SourceOpener func(addr string) (FrameSource, error)

// OpenVideoSource is the production opener: gocv handles RTSP URLs, device
// indices and plain video files alike.
func OpenVideoSource(addr string) (FrameSource, error) {
	return gocv.OpenVideoCapture(addr)
}

// EventSink receives crossing events for durable storage. *db.DB satisfies
// it.
type EventSink interface {
	RecordCrossing(ev lanes.CrossingEvent) error
}

// Config is the worker's tuning, populated from the app config.
type Config struct {
	Source        string
	BackoffBase   time.Duration // first reconnect delay
	BackoffMax    time.Duration // reconnect delay cap
	ReadRetryWait time.Duration // pause after a failed frame read
	IdleWindow    time.Duration // track history eviction window
	EvictEvery    int           // run an eviction sweep every N frames
	JPEGQuality   int
	Lanes         lanes.LaneConfig // for frame annotation
}

// Worker is the stream orchestrator. It is the sole writer of the counter,
// the event sink and the shared state; HTTP handlers only read.
type Worker struct {
	cfg        Config
	open       SourceOpener
	capability detect.Capability
	counter    *lanes.Counter
	sink       EventSink
	state      *state.AppState
}

// NewWorker wires the orchestrator. open may be nil, which selects
// OpenVideoSource.
func NewWorker(cfg Config, open SourceOpener, capability detect.Capability,
	counter *lanes.Counter, sink EventSink, appState *state.AppState) *Worker {
	if open == nil {
		open = OpenVideoSource
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.ReadRetryWait <= 0 {
		cfg.ReadRetryWait = time.Second
	}
	if cfg.EvictEvery <= 0 {
		cfg.EvictEvery = 100
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 80
	}
	return &Worker{
		cfg:        cfg,
		open:       open,
		capability: capability,
		counter:    counter,
		sink:       sink,
		state:      appState,
	}
}

// backoffWait returns the reconnect delay for the given consecutive failure
// count: bounded exponential, base doubling up to the cap.
func (w *Worker) backoffWait(failures int) time.Duration {
	wait := w.cfg.BackoffBase
	for i := 1; i < failures && wait < w.cfg.BackoffMax; i++ {
		wait *= 2
	}
	if wait > w.cfg.BackoffMax {
		wait = w.cfg.BackoffMax
	}
	return wait
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes the orchestration loop until ctx is cancelled. The loop never
// exits because of a source failure: connection loss transitions the status
// through disconnected back to connecting and retries indefinitely.
func (w *Worker) Run(ctx context.Context) error {
	var src FrameSource
	defer func() {
		if src != nil {
			src.Close()
		}
	}()

	failures := 0
	frames := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if src == nil {
			w.state.SetStatus(state.StatusConnecting)
			opened, err := w.open(w.cfg.Source)
			if err != nil {
				failures++
				wait := w.backoffWait(failures)
				monitoring.Logf("cannot open stream %s, retry in %v (attempt %d): %v",
					w.cfg.Source, wait, failures, err)
				if err := sleep(ctx, wait); err != nil {
					return err
				}
				continue
			}
			failures = 0
			src = opened
			w.state.SetStatus(state.StatusStreaming)
			monitoring.Logf("stream opened: %s", w.cfg.Source)
		}

		frame := gocv.NewMat()
		if !src.Read(&frame) {
			frame.Close()
			monitoring.Logf("frame read failed, re-opening stream")
			w.state.SetStatus(state.StatusDisconnected)
			src.Close()
			src = nil
			if err := sleep(ctx, w.cfg.ReadRetryWait); err != nil {
				return err
			}
			continue
		}
		if frame.Empty() {
			frame.Close()
			continue
		}

		w.processFrame(&frame)
		frame.Close()

		frames++
		if frames%w.cfg.EvictEvery == 0 && w.cfg.IdleWindow > 0 {
			if n := w.counter.EvictIdle(w.cfg.IdleWindow); n > 0 {
				monitoring.Logf("evicted %d idle tracks", n)
			}
		}
	}
}

// processFrame runs detection on one frame, feeds the counter, persists any
// events, and publishes the annotated frame. Capability errors drop the
// frame and leave the loop running.
func (w *Worker) processFrame(frame *gocv.Mat) {
	objects, err := w.capability.DetectAndTrack(*frame)
	if err != nil {
		monitoring.Logf("detection error: %v", err)
		objects = nil
	}

	for _, obj := range objects {
		if obj.TrackID < 0 {
			continue
		}
		ev := w.counter.Observe(lanes.TrackObservation{
			TrackID:    obj.TrackID,
			ClassName:  obj.ClassName,
			Confidence: obj.Confidence,
			Center:     bottomCenter(obj),
		})
		if ev == nil {
			continue
		}
		w.state.AddEvent(*ev)
		// A failed write is logged as lost; the counted set is not rolled
		// back, so the track stays ineligible to count again.
		if err := w.sink.RecordCrossing(*ev); err != nil {
			monitoring.Logf("crossing event lost (lane %d, track %d): %v", ev.Lane, ev.TrackID, err)
		}
	}

	lane1, lane2 := w.counter.Totals()
	encoded := w.annotateAndEncode(frame, objects, lane1, lane2)
	w.state.PublishFrame(encoded, lane1, lane2)
}

// bottomCenter derives the counting point from a bounding box: horizontal
// center of the bottom edge, where the vehicle meets the road.
func bottomCenter(obj detect.Object) geometry.Point {
	return geometry.Point{
		X: float64(obj.Rect.Min.X+obj.Rect.Max.X) / 2,
		Y: float64(obj.Rect.Max.Y),
	}
}
