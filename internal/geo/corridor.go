package geo

import (
	"math"

	"github.com/example/carpool/internal/models"
)

// point is a position on a local tangent plane, in kilometers.
type point struct{ x, y float64 }

// plane is an equirectangular projection centred on a reference coord.
// Good to a few meters over commute-sized extents.
type plane struct {
	lon0, lat0 float64
	kx, ky     float64
}

func newPlane(ref models.Coord) plane {
	return plane{
		lon0: ref.Lon,
		lat0: ref.Lat,
		kx:   111.320 * math.Cos(ref.Lat*math.Pi/180),
		ky:   110.574,
	}
}

func (p plane) project(c models.Coord) point {
	return point{x: (c.Lon - p.lon0) * p.kx, y: (c.Lat - p.lat0) * p.ky}
}

func (p plane) unproject(q point) models.Coord {
	return models.Coord{Lon: p.lon0 + q.x/p.kx, Lat: p.lat0 + q.y/p.ky}
}

// Corridor is the admissibility polygon around a route polyline: every
// vertex is offset by the half-width along the route normal on both sides,
// the first and last vertices are pushed outward along the route to cap
// the ends, and the two offset strips are closed into one ring.
type Corridor struct {
	plane        plane
	line         []point
	ring         []point
	halfWidth    float64
	selfCrossing bool
}

// NewCorridor buffers line by halfWidthKm. A line with a single distinct
// vertex yields a square of side 2*halfWidthKm around it.
func NewCorridor(line []models.Coord, halfWidthKm float64) *Corridor {
	if len(line) == 0 {
		return &Corridor{halfWidth: halfWidthKm}
	}
	pl := newPlane(centroid(line))
	pts := make([]point, 0, len(line))
	for _, c := range line {
		q := pl.project(c)
		if n := len(pts); n > 0 && pts[n-1] == q {
			continue
		}
		pts = append(pts, q)
	}
	pts = simplify(pts, halfWidthKm/20)
	c := &Corridor{plane: pl, line: pts, halfWidth: halfWidthKm}
	c.ring = buffer(pts, halfWidthKm)
	c.selfCrossing = selfIntersects(c.ring)
	return c
}

func centroid(line []models.Coord) models.Coord {
	var lon, lat float64
	for _, c := range line {
		lon += c.Lon
		lat += c.Lat
	}
	n := float64(len(line))
	return models.Coord{Lon: lon / n, Lat: lat / n}
}

func buffer(pts []point, w float64) []point {
	if len(pts) == 1 {
		p := pts[0]
		return []point{{p.x - w, p.y - w}, {p.x + w, p.y - w}, {p.x + w, p.y + w}, {p.x - w, p.y + w}}
	}
	n := len(pts)
	left := make([]point, n)
	right := make([]point, n)
	for i := range pts {
		nx, ny := vertexNormal(pts, i)
		p := pts[i]
		switch i {
		case 0:
			dx, dy := unit(pts[1].x-p.x, pts[1].y-p.y)
			p = point{p.x - dx*w, p.y - dy*w}
		case n - 1:
			dx, dy := unit(p.x-pts[n-2].x, p.y-pts[n-2].y)
			p = point{p.x + dx*w, p.y + dy*w}
		}
		left[i] = point{p.x + nx*w, p.y + ny*w}
		right[i] = point{p.x - nx*w, p.y - ny*w}
	}
	ring := make([]point, 0, 2*n)
	ring = append(ring, left...)
	for i := n - 1; i >= 0; i-- {
		ring = append(ring, right[i])
	}
	return ring
}

// vertexNormal is the left unit normal at vertex i, averaged over the
// adjacent segments.
func vertexNormal(pts []point, i int) (float64, float64) {
	var sx, sy float64
	if i > 0 {
		dx, dy := unit(pts[i].x-pts[i-1].x, pts[i].y-pts[i-1].y)
		sx, sy = sx-dy, sy+dx
	}
	if i < len(pts)-1 {
		dx, dy := unit(pts[i+1].x-pts[i].x, pts[i+1].y-pts[i].y)
		sx, sy = sx-dy, sy+dx
	}
	nx, ny := unit(sx, sy)
	if nx == 0 && ny == 0 && i > 0 {
		// hairpin: the two segments cancel, fall back to the incoming one
		dx, dy := unit(pts[i].x-pts[i-1].x, pts[i].y-pts[i-1].y)
		return -dy, dx
	}
	return nx, ny
}

func unit(x, y float64) (float64, float64) {
	l := math.Hypot(x, y)
	if l == 0 {
		return 0, 0
	}
	return x / l, y / l
}

// Contains reports whether c lies inside the corridor. The ring is tested
// with the non-zero winding rule. When the ring crosses itself (looping
// routes) a point outside every winding is still admitted if it lies
// within the half-width of the route, so overlapping loops never reject.
func (c *Corridor) Contains(p models.Coord) bool {
	if len(c.ring) == 0 {
		return false
	}
	q := c.plane.project(p)
	if winding(c.ring, q) != 0 {
		return true
	}
	if !c.selfCrossing {
		return false
	}
	return distanceToLine(c.line, q) <= c.halfWidth
}

// Ring returns the polygon vertices as coordinates.
func (c *Corridor) Ring() []models.Coord {
	out := make([]models.Coord, len(c.ring))
	for i, q := range c.ring {
		out[i] = c.plane.unproject(q)
	}
	return out
}

// SelfIntersecting reports whether the ring is non-simple.
func (c *Corridor) SelfIntersecting() bool { return c.selfCrossing }

// winding computes the winding number of ring around q.
func winding(ring []point, q point) int {
	wn := 0
	n := len(ring)
	for i := 0; i < n; i++ {
		a, b := ring[i], ring[(i+1)%n]
		if a.y <= q.y {
			if b.y > q.y && isLeft(a, b, q) > 0 {
				wn++
			}
		} else if b.y <= q.y && isLeft(a, b, q) < 0 {
			wn--
		}
	}
	return wn
}

func isLeft(a, b, q point) float64 {
	return (b.x-a.x)*(q.y-a.y) - (q.x-a.x)*(b.y-a.y)
}

func selfIntersects(ring []point) bool {
	n := len(ring)
	for i := 0; i < n; i++ {
		a1, a2 := ring[i], ring[(i+1)%n]
		for j := i + 2; j < n; j++ {
			if i == 0 && j == n-1 {
				continue // adjacent through the closing edge
			}
			if segmentsCross(a1, a2, ring[j], ring[(j+1)%n]) {
				return true
			}
		}
	}
	return false
}

func segmentsCross(p1, p2, q1, q2 point) bool {
	d1 := isLeft(q1, q2, p1)
	d2 := isLeft(q1, q2, p2)
	d3 := isLeft(p1, p2, q1)
	d4 := isLeft(p1, p2, q2)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func distanceToLine(line []point, q point) float64 {
	if len(line) == 1 {
		return math.Hypot(q.x-line[0].x, q.y-line[0].y)
	}
	best := math.Inf(1)
	for i := 0; i+1 < len(line); i++ {
		if d := distanceToSegment(line[i], line[i+1], q); d < best {
			best = d
		}
	}
	return best
}

func distanceToSegment(a, b, q point) float64 {
	dx, dy := b.x-a.x, b.y-a.y
	l2 := dx*dx + dy*dy
	t := 0.0
	if l2 > 0 {
		t = math.Max(0, math.Min(1, ((q.x-a.x)*dx+(q.y-a.y)*dy)/l2))
	}
	return math.Hypot(q.x-(a.x+t*dx), q.y-(a.y+t*dy))
}

// simplify drops vertices closer than tol to the chord of their neighbours
// (Douglas-Peucker), keeping the ring size proportional to route shape
// rather than to the router's sampling density.
func simplify(pts []point, tol float64) []point {
	if len(pts) < 3 || tol <= 0 {
		return pts
	}
	keep := make([]bool, len(pts))
	keep[0], keep[len(pts)-1] = true, true
	var rec func(lo, hi int)
	rec = func(lo, hi int) {
		if hi-lo < 2 {
			return
		}
		idx, maxD := -1, tol
		for i := lo + 1; i < hi; i++ {
			if d := distanceToSegment(pts[lo], pts[hi], pts[i]); d > maxD {
				idx, maxD = i, d
			}
		}
		if idx < 0 {
			return
		}
		keep[idx] = true
		rec(lo, idx)
		rec(idx, hi)
	}
	rec(0, len(pts)-1)
	out := make([]point, 0, len(pts))
	for i, k := range keep {
		if k {
			out = append(out, pts[i])
		}
	}
	return out
}
