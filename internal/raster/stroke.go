// Package raster holds the brush geometry shared by the page renderer and
// the signature drawing surface.
package raster

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/vector"
)

// kappa places cubic control points so that four curves approximate a circle.
const kappa = 0.5522847498

// Point is a position in device space.
type Point struct {
	X, Y float64
}

// Stroke adds the outline of the polyline pts, drawn with a round brush of
// the given width, to z. All sub-paths share one orientation so that
// overlapping pieces saturate instead of cancelling out.
func Stroke(z *vector.Rasterizer, pts []Point, width float64) {
	if len(pts) == 0 || width <= 0 {
		return
	}
	hw := width / 2
	for i := 0; i+1 < len(pts); i++ {
		segment(z, pts[i], pts[i+1], hw)
	}
	for _, p := range pts {
		Circle(z, p, hw)
	}
}

func segment(z *vector.Rasterizer, p0, p1 Point, hw float64) {
	dx, dy := p1.X-p0.X, p1.Y-p0.Y
	l := math.Hypot(dx, dy)
	if l == 0 {
		return
	}
	nx, ny := -dy/l*hw, dx/l*hw
	z.MoveTo(f32(p0.X+nx), f32(p0.Y+ny))
	z.LineTo(f32(p1.X+nx), f32(p1.Y+ny))
	z.LineTo(f32(p1.X-nx), f32(p1.Y-ny))
	z.LineTo(f32(p0.X-nx), f32(p0.Y-ny))
	z.ClosePath()
}

// Circle adds a closed circle of radius r around c to z.
func Circle(z *vector.Rasterizer, c Point, r float64) {
	if r <= 0 {
		return
	}
	k := r * kappa
	z.MoveTo(f32(c.X+r), f32(c.Y))
	z.CubeTo(f32(c.X+r), f32(c.Y-k), f32(c.X+k), f32(c.Y-r), f32(c.X), f32(c.Y-r))
	z.CubeTo(f32(c.X-k), f32(c.Y-r), f32(c.X-r), f32(c.Y-k), f32(c.X-r), f32(c.Y))
	z.CubeTo(f32(c.X-r), f32(c.Y+k), f32(c.X-k), f32(c.Y+r), f32(c.X), f32(c.Y+r))
	z.CubeTo(f32(c.X+k), f32(c.Y+r), f32(c.X+r), f32(c.Y+k), f32(c.X+r), f32(c.Y))
	z.ClosePath()
}

// Paint composites the coverage accumulated in z onto dst using col, then
// resets z for the next path.
func Paint(dst draw.Image, z *vector.Rasterizer, col color.Color) {
	b := dst.Bounds()
	z.DrawOp = draw.Over
	z.Draw(dst, b, image.NewUniform(col), image.Point{})
	z.Reset(b.Dx(), b.Dy())
}

func f32(v float64) float32 {
	return float32(v)
}
