package detect

import "image"

// defaultMaxLost is how many consecutive frames a track survives without a
// matching detection before it is dropped.
const defaultMaxLost = 5

// minMatchIoU is the association floor: detections overlapping an existing
// track by less than this start a new track instead.
const minMatchIoU = 0.2

// track is the tracker's per-object state between frames.
type track struct {
	rect     image.Rectangle
	prevRect image.Rectangle
	hasPrev  bool
	lost     int
}

// Tracker assigns stable integer ids to detections across frames by greedy
// IoU association against the previous frame's (velocity-predicted) boxes.
// Ids are monotonically increasing and never reused within a session.
type Tracker struct {
	iouThreshold float64
	maxLost      int
	nextID       int
	tracks       map[int]*track
}

// NewTracker creates a Tracker. iouThreshold below minMatchIoU is clamped.
func NewTracker(iouThreshold float64, maxLost int) *Tracker {
	if iouThreshold < minMatchIoU {
		iouThreshold = minMatchIoU
	}
	return &Tracker{
		iouThreshold: iouThreshold,
		maxLost:      maxLost,
		nextID:       1,
		tracks:       make(map[int]*track),
	}
}

// iou returns the intersection-over-union of two rectangles.
func iou(r1, r2 image.Rectangle) float64 {
	inter := r1.Intersect(r2)
	if inter.Empty() {
		return 0
	}
	union := r1.Union(r2)
	return float64(inter.Dx()*inter.Dy()) / float64(union.Dx()*union.Dy())
}

// predict extrapolates a track's box one frame forward assuming linear
// velocity of its center.
func (t *track) predict() image.Rectangle {
	if !t.hasPrev {
		return t.rect
	}
	oldCX := (t.prevRect.Min.X + t.prevRect.Max.X) / 2
	oldCY := (t.prevRect.Min.Y + t.prevRect.Max.Y) / 2
	curCX := (t.rect.Min.X + t.rect.Max.X) / 2
	curCY := (t.rect.Min.Y + t.rect.Max.Y) / 2
	dx, dy := curCX-oldCX, curCY-oldCY
	return t.rect.Add(image.Pt(dx, dy))
}

// Assign matches detections against live tracks and returns them with
// TrackID populated. Unmatched detections start new tracks; tracks missing
// for more than maxLost consecutive frames are dropped.
func (t *Tracker) Assign(detections []Object) []Object {
	type candidate struct {
		trackID int
		detIdx  int
		overlap float64
	}

	var candidates []candidate
	for id, tr := range t.tracks {
		pred := tr.predict()
		for i, det := range detections {
			if overlap := iou(pred, det.Rect); overlap >= t.iouThreshold {
				candidates = append(candidates, candidate{id, i, overlap})
			}
		}
	}

	// Greedy: repeatedly take the globally best remaining pair.
	matchedTrack := make(map[int]bool)
	matchedDet := make(map[int]bool)
	assigned := make(map[int]int) // detection index → track id
	for len(candidates) > 0 {
		best := -1
		for i, c := range candidates {
			if matchedTrack[c.trackID] || matchedDet[c.detIdx] {
				continue
			}
			if best == -1 || c.overlap > candidates[best].overlap {
				best = i
			}
		}
		if best == -1 {
			break
		}
		c := candidates[best]
		matchedTrack[c.trackID] = true
		matchedDet[c.detIdx] = true
		assigned[c.detIdx] = c.trackID

		tr := t.tracks[c.trackID]
		tr.prevRect, tr.hasPrev = tr.rect, true
		tr.rect = detections[c.detIdx].Rect
		tr.lost = 0

		candidates = append(candidates[:best], candidates[best+1:]...)
	}

	// Age out tracks that missed this frame.
	for id, tr := range t.tracks {
		if matchedTrack[id] {
			continue
		}
		tr.lost++
		if tr.lost > t.maxLost {
			delete(t.tracks, id)
		}
	}

	out := make([]Object, len(detections))
	for i, det := range detections {
		if id, ok := assigned[i]; ok {
			det.TrackID = id
		} else {
			det.TrackID = t.nextID
			t.tracks[det.TrackID] = &track{rect: det.Rect}
			t.nextID++
		}
		out[i] = det
	}
	return out
}

// Live returns the number of tracks currently maintained.
func (t *Tracker) Live() int {
	return len(t.tracks)
}
