package geometry

import "math"

// Point is a position on the virtual canvas, in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) Add(other Point) Point {
	return Point{X: p.X + other.X, Y: p.Y + other.Y}
}
func (p Point) Sub(other Point) Point {
	return Point{X: p.X - other.X, Y: p.Y - other.Y}
}

// Rect is an axis-aligned rectangle. A rect only counts as a screen
// contributor when both dimensions are strictly positive.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (r Rect) Origin() Point {
	return Point{X: r.X, Y: r.Y}
}
func (r Rect) Valid() bool {
	return r.W > 0 && r.H > 0
}

// Union returns the bounding box of both rectangles.
func (r Rect) Union(other Rect) Rect {
	x := math.Min(r.X, other.X)
	y := math.Min(r.Y, other.Y)
	maxX := math.Max(r.X+r.W, other.X+other.W)
	maxY := math.Max(r.Y+r.H, other.Y+other.H)
	return Rect{X: x, Y: y, W: maxX - x, H: maxY - y}
}

// Intersect returns the overlap of both rectangles, and false when they
// are disjoint or merely share an edge.
func (r Rect) Intersect(other Rect) (Rect, bool) {
	x := math.Max(r.X, other.X)
	y := math.Max(r.Y, other.Y)
	maxX := math.Min(r.X+r.W, other.X+other.W)
	maxY := math.Min(r.Y+r.H, other.Y+other.H)
	if maxX <= x || maxY <= y {
		return Rect{}, false
	}
	return Rect{X: x, Y: y, W: maxX - x, H: maxY - y}, true
}

// BoundingBox returns the union of all given rectangles, and false when
// the input is empty.
func BoundingBox(rects []Rect) (Rect, bool) {
	if len(rects) == 0 {
		return Rect{}, false
	}
	box := rects[0]
	for _, r := range rects[1:] {
		box = box.Union(r)
	}
	return box, true
}

// Similarity scores how close two sizes are, on a scale where 1 means
// identical dimensions. The score decreases with the relative width and
// height deltas.
func Similarity(aw, ah, bw, bh float64) float64 {
	var dw, dh float64
	if m := math.Max(aw, bw); m > 0 {
		dw = math.Abs(aw-bw) / m
	}
	if m := math.Max(ah, bh); m > 0 {
		dh = math.Abs(ah-bh) / m
	}
	return 1 - (dw+dh)/2
}
