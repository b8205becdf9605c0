// Package detect provides the detection/tracking capability consumed by the
// stream worker: per-frame object detection via an OpenCV DNN and stable
// track-id assignment via IoU association.
package detect

import (
	"fmt"
	"image"
	"os"
	"strings"

	"gocv.io/x/gocv"
)

// Object is one detected (and optionally tracked) object in a frame.
// TrackID is -1 until a tracker has assigned a stable id.
type Object struct {
	Rect       image.Rectangle
	ClassName  string
	Confidence float64
	TrackID    int
}

// Capability is what the stream worker consumes: given a frame, return the
// tracked objects in it. Track ids are stable for a physical object across
// consecutive calls and are never reused within one session.
type Capability interface {
	DetectAndTrack(frame gocv.Mat) ([]Object, error)
	Close() error
}

// Config holds the detection tuning passed down from the app config.
type Config struct {
	WeightsPath    string
	ModelConfig    string
	NamesPath      string
	InputSize      int
	ConfThreshold  float64
	IoUThreshold   float64 // NMS threshold
	AllowedClasses []string
}

// YOLONet runs object detection with gocv's DNN module. It is not safe for
// concurrent Detect calls; the worker invokes it from a single goroutine.
type YOLONet struct {
	net        gocv.Net
	classNames []string
	allowed    map[string]bool
	inputSize  int
	confThresh float32
	nmsThresh  float32
}

// NewYOLONet loads the network and class names. A missing or unreadable
// model is a configuration error: the caller fails startup rather than
// degrading counting silently.
func NewYOLONet(cfg Config) (*YOLONet, error) {
	net := gocv.ReadNet(cfg.WeightsPath, cfg.ModelConfig)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load network from %s / %s", cfg.WeightsPath, cfg.ModelConfig)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	namesBytes, err := os.ReadFile(cfg.NamesPath)
	if err != nil {
		net.Close()
		return nil, fmt.Errorf("could not read class names: %w", err)
	}
	var names []string
	for _, line := range strings.Split(string(namesBytes), "\n") {
		names = append(names, strings.TrimSpace(line))
	}

	allowed := make(map[string]bool, len(cfg.AllowedClasses))
	for _, c := range cfg.AllowedClasses {
		allowed[c] = true
	}

	size := cfg.InputSize
	if size == 0 {
		size = 416
	}

	return &YOLONet{
		net:        net,
		classNames: names,
		allowed:    allowed,
		inputSize:  size,
		confThresh: float32(cfg.ConfThreshold),
		nmsThresh:  float32(cfg.IoUThreshold),
	}, nil
}

// Detect runs one forward pass and returns the allowed-class detections
// after confidence filtering and non-maximum suppression. TrackID is -1 on
// every returned object.
func (y *YOLONet) Detect(frame gocv.Mat) ([]Object, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	blob := gocv.BlobFromImage(frame, 1.0/255.0,
		image.Pt(y.inputSize, y.inputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	y.net.SetInput(blob, "")
	output := y.net.Forward("")
	defer output.Close()

	frameW := float32(frame.Cols())
	frameH := float32(frame.Rows())

	var rects []image.Rectangle
	var scores []float32
	var classIDs []int

	// Each output row: cx, cy, w, h, objectness, per-class scores.
	for i := 0; i < output.Rows(); i++ {
		row := output.RowRange(i, i+1)
		data := row.Clone()
		classScores := data.ColRange(5, data.Cols())
		_, maxVal, _, maxLoc := gocv.MinMaxLoc(classScores)
		classID := maxLoc.X

		if maxVal >= y.confThresh && classID < len(y.classNames) {
			cx := data.GetFloatAt(0, 0) * frameW
			cy := data.GetFloatAt(0, 1) * frameH
			w := data.GetFloatAt(0, 2) * frameW
			h := data.GetFloatAt(0, 3) * frameH
			left := int(cx - w/2)
			top := int(cy - h/2)

			rects = append(rects, image.Rect(left, top, left+int(w), top+int(h)))
			scores = append(scores, maxVal)
			classIDs = append(classIDs, classID)
		}

		classScores.Close()
		data.Close()
		row.Close()
	}

	if len(rects) == 0 {
		return nil, nil
	}

	var objects []Object
	for _, idx := range gocv.NMSBoxes(rects, scores, y.confThresh, y.nmsThresh) {
		className := y.classNames[classIDs[idx]]
		if len(y.allowed) > 0 && !y.allowed[className] {
			continue
		}
		objects = append(objects, Object{
			Rect:       rects[idx],
			ClassName:  className,
			Confidence: float64(scores[idx]),
			TrackID:    -1,
		})
	}
	return objects, nil
}

// Close releases the network.
func (y *YOLONet) Close() error {
	return y.net.Close()
}

// TrackingDetector composes a YOLONet with an IoU tracker to satisfy
// Capability.
type TrackingDetector struct {
	net     *YOLONet
	tracker *Tracker
}

// NewTrackingDetector builds the full capability from the detection config.
func NewTrackingDetector(cfg Config) (*TrackingDetector, error) {
	net, err := NewYOLONet(cfg)
	if err != nil {
		return nil, err
	}
	return &TrackingDetector{
		net:     net,
		tracker: NewTracker(cfg.IoUThreshold, defaultMaxLost),
	}, nil
}

// DetectAndTrack runs detection then assigns stable track ids.
func (d *TrackingDetector) DetectAndTrack(frame gocv.Mat) ([]Object, error) {
	objects, err := d.net.Detect(frame)
	if err != nil {
		return nil, err
	}
	return d.tracker.Assign(objects), nil
}

// Close releases the underlying network.
func (d *TrackingDetector) Close() error {
	return d.net.Close()
}
