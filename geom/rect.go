package geom

// Rect is an axis-aligned rectangle described by its center and its half
// extents. Edges are inclusive: rectangles that share an edge intersect.
type Rect struct {
	Center      Vec2 `json:"center"`
	HalfExtents Vec2 `json:"half_extents"`
}

func NewRect(x, y, halfWidth, halfHeight float64) Rect {
	return Rect{
		Center:      Vec2{x, y},
		HalfExtents: Vec2{halfWidth, halfHeight},
	}
}

// NewRectFromMinMax returns the rectangle spanning from min to max.
func NewRectFromMinMax(min, max Vec2) Rect {
	half := max.Sub(min).Mul(0.5).Abs()
	return Rect{
		Center:      min.Add(max).Mul(0.5),
		HalfExtents: half,
	}
}

func (r Rect) Left() float64 {
	return r.Center.X - r.HalfExtents.X
}

func (r Rect) Right() float64 {
	return r.Center.X + r.HalfExtents.X
}

func (r Rect) Top() float64 {
	return r.Center.Y - r.HalfExtents.Y
}

func (r Rect) Bottom() float64 {
	return r.Center.Y + r.HalfExtents.Y
}

func (r Rect) Min() Vec2 {
	return r.Center.Sub(r.HalfExtents)
}

func (r Rect) Max() Vec2 {
	return r.Center.Add(r.HalfExtents)
}

// Size returns the full width and height of r.
func (r Rect) Size() Vec2 {
	return r.HalfExtents.Mul(2)
}

// Intersects reports whether r and o overlap, edges included.
func (r Rect) Intersects(o Rect) bool {
	if r.Right() < o.Left() {
		return false
	}
	if r.Left() > o.Right() {
		return false
	}
	if r.Bottom() < o.Top() {
		return false
	}
	if r.Top() > o.Bottom() {
		return false
	}

	// overlap on both axes -> must overlap
	return true
}

// Contains reports whether o lies entirely within r, edges included.
func (r Rect) Contains(o Rect) bool {
	return o.Left() >= r.Left() &&
		o.Right() <= r.Right() &&
		o.Top() >= r.Top() &&
		o.Bottom() <= r.Bottom()
}

// ContainsPoint reports whether p lies within r, edges included.
func (r Rect) ContainsPoint(p Vec2) bool {
	return p.X >= r.Left() && p.X <= r.Right() &&
		p.Y >= r.Top() && p.Y <= r.Bottom()
}

// Translate returns r moved by offset.
func (r Rect) Translate(offset Vec2) Rect {
	r.Center = r.Center.Add(offset)
	return r
}
