// Package geometry provides the planar primitives used for lane membership
// and counting-line crossing tests. All functions are pure and allocation-free.
package geometry

// Point is a position in frame pixel coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is an ordered ring of vertices describing a simple closed polygon.
// The closing edge from the last vertex back to the first is implicit.
type Polygon []Point

// Line is a segment defined by exactly two endpoints.
type Line [2]Point

// cross returns the z component of (p-o) × (q-o). Positive when o→p→q turns
// counter-clockwise in standard orientation (y-down image coordinates flip
// the visual sense but not the consistency of the sign).
func cross(o, p, q Point) float64 {
	return (p.X-o.X)*(q.Y-o.Y) - (p.Y-o.Y)*(q.X-o.X)
}

// PointInPolygon reports whether p lies inside poly using the crossing-number
// (ray casting) test. Works for non-convex polygons. Boundary behaviour
// follows the half-open edge rule: a point exactly on an edge shared by two
// polygons is classified into exactly one of them, deterministically, based
// on edge orientation. Degenerate polygons are the caller's responsibility
// and are rejected at configuration time, not here.
func PointInPolygon(p Point, poly Polygon) bool {
	inside := false
	n := len(poly)
	j := n - 1
	for i := 0; i < n; i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Y > p.Y) != (pj.Y > p.Y) &&
			p.X < (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y)+pi.X {
			inside = !inside
		}
		j = i
	}
	return inside
}

// SegmentCrossing reports whether the motion segment prev→curr properly
// crosses the segment a→b, and on which side of a→b the motion ended.
//
// The side is +1 when curr lies on the positive half-plane of a→b (positive
// cross product of the line direction with a→curr) and -1 on the other side.
// A zero-length motion (prev == curr) never crosses. Touching the line or
// one of its endpoints exactly is not a crossing either; the crossing
// registers on the first step that strictly spans the line. Large
// frame-to-frame jumps are handled like any other segment: they may yield a
// spurious crossing on track re-acquisition, which callers accept.
func SegmentCrossing(prev, curr, a, b Point) (bool, int) {
	d1 := cross(a, b, prev)
	d2 := cross(a, b, curr)
	d3 := cross(prev, curr, a)
	d4 := cross(prev, curr, b)

	side := 0
	if d2 > 0 {
		side = 1
	} else if d2 < 0 {
		side = -1
	}

	// Strict inequalities: collinear or endpoint-touching cases do not count.
	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true, side
	}
	return false, side
}
