package raster

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"slices"
)

// evenOddSamples is the number of sub-scanlines sampled per pixel row.
const evenOddSamples = 4

type edge struct {
	x0, y0, x1, y1 float64
}

// FillEvenOdd composites the closed polygons in paths onto dst with col,
// using the even-odd rule: a point is inside when a ray from it crosses the
// outlines an odd number of times. Rows are supersampled vertically and
// spans carry exact horizontal coverage.
func FillEvenOdd(dst draw.Image, paths [][]Point, col color.Color) {
	var edges []edge
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, pts := range paths {
		if len(pts) < 3 {
			continue
		}
		for i, a := range pts {
			b := pts[(i+1)%len(pts)]
			minX, maxX = math.Min(minX, a.X), math.Max(maxX, a.X)
			minY, maxY = math.Min(minY, a.Y), math.Max(maxY, a.Y)
			if a.Y != b.Y {
				edges = append(edges, edge{a.X, a.Y, b.X, b.Y})
			}
		}
	}
	if len(edges) == 0 {
		return
	}
	area := image.Rect(
		int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX)), int(math.Ceil(maxY)),
	).Intersect(dst.Bounds())
	if area.Empty() {
		return
	}

	mask := image.NewAlpha(area)
	cov := make([]float64, area.Dx())
	var xs []float64
	for py := area.Min.Y; py < area.Max.Y; py++ {
		clear(cov)
		for s := 0; s < evenOddSamples; s++ {
			y := float64(py) + (float64(s)+0.5)/evenOddSamples
			xs = xs[:0]
			for _, e := range edges {
				if (y >= e.y0) != (y >= e.y1) {
					xs = append(xs, e.x0+(y-e.y0)*(e.x1-e.x0)/(e.y1-e.y0))
				}
			}
			slices.Sort(xs)
			for i := 0; i+1 < len(xs); i += 2 {
				addSpan(cov, xs[i]-float64(area.Min.X), xs[i+1]-float64(area.Min.X), 1.0/evenOddSamples)
			}
		}
		row := mask.Pix[(py-area.Min.Y)*mask.Stride:]
		for i, c := range cov {
			row[i] = uint8(math.Min(c, 1)*255 + 0.5)
		}
	}
	draw.DrawMask(dst, area, image.NewUniform(col), image.Point{}, mask, area.Min, draw.Over)
}

// addSpan adds weight times the covered fraction of each pixel in [x0, x1).
func addSpan(cov []float64, x0, x1, weight float64) {
	x0 = math.Max(x0, 0)
	x1 = math.Min(x1, float64(len(cov)))
	if x1 <= x0 {
		return
	}
	i0, i1 := int(x0), int(x1)
	if i0 == i1 {
		cov[i0] += (x1 - x0) * weight
		return
	}
	cov[i0] += (float64(i0+1) - x0) * weight
	for i := i0 + 1; i < i1; i++ {
		cov[i] += weight
	}
	if i1 < len(cov) {
		cov[i1] += (x1 - float64(i1)) * weight
	}
}
