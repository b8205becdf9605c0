package stream

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/rcret/carCount/internal/detect"
	"github.com/rcret/carCount/internal/geometry"
	"github.com/rcret/carCount/internal/monitoring"
)

var (
	lane1Color = color.RGBA{0, 255, 0, 0}
	lane2Color = color.RGBA{255, 0, 0, 0}
	lineColor  = color.RGBA{0, 0, 255, 0}
	boxColor   = color.RGBA{255, 255, 0, 0}
	textColor  = color.RGBA{255, 255, 255, 0}
)

func toImagePoints(poly geometry.Polygon) []image.Point {
	pts := make([]image.Point, len(poly))
	for i, p := range poly {
		pts[i] = image.Pt(int(p.X), int(p.Y))
	}
	return pts
}

// annotateAndEncode draws the lane geometry, detections and running totals
// onto the frame and returns it JPEG-encoded. Returns nil when encoding
// fails; the caller publishes counts either way.
func (w *Worker) annotateAndEncode(frame *gocv.Mat, objects []detect.Object, lane1, lane2 int) []byte {
	poly1 := gocv.NewPointsVectorFromPoints([][]image.Point{toImagePoints(w.cfg.Lanes.Lane1Polygon)})
	gocv.Polylines(frame, poly1, true, lane1Color, 2)
	poly1.Close()

	poly2 := gocv.NewPointsVectorFromPoints([][]image.Point{toImagePoints(w.cfg.Lanes.Lane2Polygon)})
	gocv.Polylines(frame, poly2, true, lane2Color, 2)
	poly2.Close()

	line := w.cfg.Lanes.CountingLine
	gocv.Line(frame,
		image.Pt(int(line[0].X), int(line[0].Y)),
		image.Pt(int(line[1].X), int(line[1].Y)),
		lineColor, 2)

	for _, obj := range objects {
		gocv.Rectangle(frame, obj.Rect, boxColor, 2)
		label := fmt.Sprintf("#%d %s %.2f", obj.TrackID, obj.ClassName, obj.Confidence)
		org := image.Pt(obj.Rect.Min.X, max(obj.Rect.Min.Y-5, 10))
		gocv.PutText(frame, label, org, gocv.FontHersheySimplex, 0.5, boxColor, 1)
	}

	overlay := fmt.Sprintf("Lane1: %d  Lane2: %d", lane1, lane2)
	gocv.PutText(frame, overlay, image.Pt(10, 30), gocv.FontHersheySimplex, 1.0, textColor, 2)

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, *frame,
		[]int{gocv.IMWriteJpegQuality, w.cfg.JPEGQuality})
	if err != nil {
		monitoring.Logf("frame encode failed: %v", err)
		return nil
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out
}
