package models

import (
	"math"

	"github.com/aukilabs/laguz/geom"
	"github.com/segmentio/encoding/json"
)

// Transform locates an entity relative to its parent, or to the world when it
// has no parent.
type Transform struct {
	Position    geom.Vec2 `json:"position"`
	Rotation    float64   `json:"rotation"`
	Scale       geom.Vec2 `json:"scale"`
	HalfExtents geom.Vec2 `json:"half_extents"`
}

// NewTransform returns an identity transform with the given half extents.
func NewTransform(halfExtents geom.Vec2) Transform {
	return Transform{
		Scale:       geom.NewVec2(1, 1),
		HalfExtents: halfExtents,
	}
}

// UnmarshalJSON decodes a transform. A missing scale defaults to (1, 1).
func (t *Transform) UnmarshalJSON(b []byte) error {
	type transform Transform

	v := transform(NewTransform(geom.Vec2{}))
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	*t = Transform(v)
	return nil
}

// Compose returns the absolute transform of t when attached to a parent whose
// absolute transform is parent.
func (t Transform) Compose(parent Transform) Transform {
	return Transform{
		Position: t.Position.
			Rotate(parent.Rotation).
			Scale(parent.Scale).
			Add(parent.Position),
		Rotation:    math.Mod(t.Rotation+parent.Rotation, 2*math.Pi),
		Scale:       t.Scale.Scale(parent.Scale),
		HalfExtents: t.HalfExtents,
	}
}

// Bounds returns the axis-aligned bounding box of t, including its rotation
// and scale.
func (t Transform) Bounds() geom.Rect {
	h := t.HalfExtents.Scale(t.Scale).Abs()

	sin, cos := math.Sincos(t.Rotation)
	sin = math.Abs(sin)
	cos = math.Abs(cos)

	return geom.Rect{
		Center: t.Position,
		HalfExtents: geom.Vec2{
			X: h.X*cos + h.Y*sin,
			Y: h.X*sin + h.Y*cos,
		},
	}
}
