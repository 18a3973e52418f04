package geom

import "math"

// Point is a planar point in the bird's-eye view (world frame, metres).
type Point struct {
	X float64
	Y float64
}

// CornersXY returns the four planar corners of an oriented rectangle
// centred at (x, y) with heading yaw, length l along the forward axis
// and width w across it. Corner order is fixed:
//
//	(+l/2, +w/2), (+l/2, -w/2), (-l/2, -w/2), (-l/2, +w/2)
//
// rotated by yaw and translated by (x, y). The clipping routine relies
// on this winding being consistent for both boxes.
func CornersXY(x, y, yaw, l, w float64) [4]Point {
	c := math.Cos(yaw)
	s := math.Sin(yaw)
	dx := l / 2
	dy := w / 2
	local := [4]Point{{dx, dy}, {dx, -dy}, {-dx, -dy}, {-dx, dy}}

	var out [4]Point
	for i, p := range local {
		out[i] = Point{
			X: x + c*p.X - s*p.Y,
			Y: y + s*p.X + c*p.Y,
		}
	}
	return out
}

// inside reports whether p lies on the inner half-plane of the directed
// clip edge e1→e2, i.e. the side where the cross product
// (e2-e1) × (p-e1) is non-negative.
func inside(p, e1, e2 Point) bool {
	return (e2.X-e1.X)*(p.Y-e1.Y)-(e2.Y-e1.Y)*(p.X-e1.X) >= 0
}

// intersection returns the crossing of segment s→e with the infinite
// line through cp1→cp2. Near-parallel edges (|denominator| < 1e-9)
// return the second endpoint rather than failing.
func intersection(s, e, cp1, cp2 Point) Point {
	dcx := cp1.X - cp2.X
	dcy := cp1.Y - cp2.Y
	dpx := s.X - e.X
	dpy := s.Y - e.Y
	n1 := cp1.X*cp2.Y - cp1.Y*cp2.X
	n2 := s.X*e.Y - s.Y*e.X
	denom := dcx*dpy - dcy*dpx
	if math.Abs(denom) < 1e-9 {
		return e
	}
	return Point{
		X: (n1*dpx - n2*dcx) / denom,
		Y: (n1*dpy - n2*dcy) / denom,
	}
}

// ClipPolygon intersects subject with the convex clip polygon using
// Sutherland–Hodgman. The clip polygon is traversed in the order given;
// the returned polygon may be empty.
func ClipPolygon(subject, clip []Point) []Point {
	output := make([]Point, len(subject))
	copy(output, subject)

	cp1 := clip[len(clip)-1]
	for _, cp2 := range clip {
		input := output
		if len(input) == 0 {
			return nil
		}
		next := make([]Point, 0, len(input)+4)
		s := input[len(input)-1]
		for _, e := range input {
			if inside(e, cp1, cp2) {
				if !inside(s, cp1, cp2) {
					next = append(next, intersection(s, e, cp1, cp2))
				}
				next = append(next, e)
			} else if inside(s, cp1, cp2) {
				next = append(next, intersection(s, e, cp1, cp2))
			}
			s = e
		}
		output = next
		cp1 = cp2
	}
	return output
}

// PolygonArea returns the shoelace area of poly, 0 for fewer than three
// vertices.
func PolygonArea(poly []Point) float64 {
	if len(poly) < 3 {
		return 0
	}
	sum := 0.0
	for i, p := range poly {
		q := poly[(i+1)%len(poly)]
		sum += p.X*q.Y - q.X*p.Y
	}
	return math.Abs(sum) / 2
}

// BEVIoU computes the intersection-over-union of two oriented boxes in
// the xy plane. Inputs are full 9-element kinematic states indexed as
// (x, y, z, v, yaw, yaw_rate, l, w, h); only x, y, yaw, l, w are used.
// Returns 0 when the boxes do not overlap or the union area is
// degenerate.
func BEVIoU(a, b []float64) float64 {
	pa := CornersXY(a[0], a[1], a[4], a[6], a[7])
	pb := CornersXY(b[0], b[1], b[4], b[6], b[7])
	// CornersXY yields clockwise corners; the clip polygon must run
	// counter-clockwise for the inside half-plane test.
	clip := []Point{pb[3], pb[2], pb[1], pb[0]}
	inter := PolygonArea(ClipPolygon(pa[:], clip))
	if inter <= 0 {
		return 0
	}
	union := PolygonArea(pa[:]) + PolygonArea(pb[:]) - inter
	if union <= 1e-9 {
		return 0
	}
	return inter / union
}

// YawCost maps the absolute heading difference between two yaws onto
// [0, 1], with 1 meaning opposite headings.
func YawCost(a, b float64) float64 {
	return math.Min(math.Abs(AngleDiff(a, b))/math.Pi, 1)
}
