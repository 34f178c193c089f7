package render

import (
	"context"
	"image"
	"image/color"

	"github.com/digitorus/pdf"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/vector"

	"github.com/Lllllllleong/documentsignflow/internal/raster"
)

const (
	// maxFormDepth bounds nested form XObjects (and reference cycles).
	maxFormDepth = 8
	// curveSteps is the number of line segments per Bézier curve.
	curveSteps = 16
	// ctxCheckEvery is how many operators run between context checks.
	ctxCheckEvery = 256
)

type rgb struct {
	r, g, b float64
}

type gstate struct {
	ctm         matrix
	lineWidth   float64
	fill        rgb
	stroke      rgb
	fillAlpha   float64
	strokeAlpha float64
	text        textState
}

func defaultState() gstate {
	return gstate{ctm: identity, lineWidth: 1, fillAlpha: 1, strokeAlpha: 1, text: textState{hscale: 1}}
}

type subpath struct {
	pts    []raster.Point
	closed bool
}

// painter executes content stream operators against an RGBA canvas.
type painter struct {
	ctx  context.Context
	dst  *image.RGBA
	z    *vector.Rasterizer
	base matrix // default user space to device space

	gs    gstate
	stack []gstate

	path   []subpath
	cur    raster.Point
	hasCur bool

	// Text object state, reset by BT.
	tm, tlm  matrix
	fonts    map[fontKey]*textFont
	glyphBuf sfnt.Buffer

	ops int
	err error
}

func (p *painter) run(strm pdf.Value, res pdf.Value, depth int) {
	if strm.Kind() != pdf.Stream {
		return
	}
	pdf.Interpret(strm, func(stk *pdf.Stack, op string) {
		args := make([]pdf.Value, stk.Len())
		for i := len(args) - 1; i >= 0; i-- {
			args[i] = stk.Pop()
		}
		if p.err != nil {
			return
		}
		p.ops++
		if p.ops%ctxCheckEvery == 0 {
			if err := p.ctx.Err(); err != nil {
				p.err = err
				return
			}
		}
		p.exec(op, args, res, depth)
	})
}

func (p *painter) exec(op string, args []pdf.Value, res pdf.Value, depth int) {
	n := numbers(args)
	switch op {
	case "q":
		p.stack = append(p.stack, p.gs)
	case "Q":
		if k := len(p.stack); k > 0 {
			p.gs = p.stack[k-1]
			p.stack = p.stack[:k-1]
		}
	case "cm":
		if len(n) == 6 {
			p.gs.ctm = matrix{n[0], n[1], n[2], n[3], n[4], n[5]}.mul(p.gs.ctm)
		}
	case "w":
		if len(n) == 1 {
			p.gs.lineWidth = n[0]
		}
	case "gs":
		if len(args) == 1 {
			p.extGState(res.Key("ExtGState").Key(args[0].Name()))
		}

	case "g", "rg", "k", "sc", "scn":
		if c, ok := deviceColor(n); ok {
			p.gs.fill = c
		}
	case "G", "RG", "K", "SC", "SCN":
		if c, ok := deviceColor(n); ok {
			p.gs.stroke = c
		}
	case "cs":
		p.gs.fill = rgb{}
	case "CS":
		p.gs.stroke = rgb{}

	case "m":
		if len(n) == 2 {
			p.moveTo(n[0], n[1])
		}
	case "l":
		if len(n) == 2 {
			p.lineTo(n[0], n[1])
		}
	case "c":
		if len(n) == 6 {
			p.curveTo(p.device(n[0], n[1]), p.device(n[2], n[3]), p.device(n[4], n[5]))
		}
	case "v":
		if len(n) == 4 {
			p.curveTo(p.cur, p.device(n[0], n[1]), p.device(n[2], n[3]))
		}
	case "y":
		if len(n) == 4 {
			end := p.device(n[2], n[3])
			p.curveTo(p.device(n[0], n[1]), end, end)
		}
	case "h":
		p.closePath()
	case "re":
		if len(n) == 4 {
			x, y, w, h := n[0], n[1], n[2], n[3]
			p.moveTo(x, y)
			p.lineTo(x+w, y)
			p.lineTo(x+w, y+h)
			p.lineTo(x, y+h)
			p.closePath()
		}

	case "f", "F", "f*":
		p.fillPath(op == "f*")
		p.endPath()
	case "S":
		p.strokePath()
		p.endPath()
	case "s":
		p.closePath()
		p.strokePath()
		p.endPath()
	case "B", "B*":
		p.fillPath(op == "B*")
		p.strokePath()
		p.endPath()
	case "b", "b*":
		p.closePath()
		p.fillPath(op == "b*")
		p.strokePath()
		p.endPath()
	case "n":
		p.endPath()

	case "Do":
		if len(args) == 1 {
			p.xobject(args[0].Name(), res, depth)
		}

	default:
		p.textOp(op, args, n, res)
	}
}

func (p *painter) device(x, y float64) raster.Point {
	dx, dy := p.gs.ctm.mul(p.base).apply(x, y)
	return raster.Point{X: dx, Y: dy}
}

func (p *painter) moveTo(x, y float64) {
	p.startSubpath(p.device(x, y))
}

func (p *painter) startSubpath(pt raster.Point) {
	p.cur = pt
	p.hasCur = true
	p.path = append(p.path, subpath{pts: []raster.Point{pt}})
}

func (p *painter) lineTo(x, y float64) {
	p.appendPoint(p.device(x, y))
}

func (p *painter) appendPoint(pt raster.Point) {
	if !p.hasCur || len(p.path) == 0 {
		p.path = append(p.path, subpath{pts: []raster.Point{pt}})
	} else {
		sp := &p.path[len(p.path)-1]
		sp.pts = append(sp.pts, pt)
	}
	p.cur = pt
	p.hasCur = true
}

func (p *painter) curveTo(c1, c2, end raster.Point) {
	if !p.hasCur {
		p.appendPoint(c1)
	}
	start := p.cur
	for i := 1; i <= curveSteps; i++ {
		t := float64(i) / curveSteps
		mt := 1 - t
		a, b, c, d := mt*mt*mt, 3*mt*mt*t, 3*mt*t*t, t*t*t
		p.appendPoint(raster.Point{
			X: a*start.X + b*c1.X + c*c2.X + d*end.X,
			Y: a*start.Y + b*c1.Y + c*c2.Y + d*end.Y,
		})
	}
}

func (p *painter) closePath() {
	if len(p.path) == 0 {
		return
	}
	sp := &p.path[len(p.path)-1]
	sp.closed = true
	p.cur = sp.pts[0]
}

func (p *painter) endPath() {
	p.path = p.path[:0]
	p.hasCur = false
}

func (p *painter) fillPath(evenOdd bool) {
	if evenOdd {
		polys := make([][]raster.Point, 0, len(p.path))
		for _, sp := range p.path {
			polys = append(polys, sp.pts)
		}
		raster.FillEvenOdd(p.dst, polys, p.gs.fill.nrgba(p.gs.fillAlpha))
		return
	}
	drawn := false
	for _, sp := range p.path {
		if len(sp.pts) < 3 {
			continue
		}
		p.z.MoveTo(float32(sp.pts[0].X), float32(sp.pts[0].Y))
		for _, pt := range sp.pts[1:] {
			p.z.LineTo(float32(pt.X), float32(pt.Y))
		}
		p.z.ClosePath()
		drawn = true
	}
	if drawn {
		raster.Paint(p.dst, p.z, p.gs.fill.nrgba(p.gs.fillAlpha))
	}
}

func (p *painter) strokePath() {
	width := p.gs.lineWidth * p.gs.ctm.mul(p.base).scaleFactor()
	if width < 1 {
		width = 1
	}
	drawn := false
	for _, sp := range p.path {
		pts := sp.pts
		if sp.closed && len(pts) > 1 {
			pts = append(pts[:len(pts):len(pts)], pts[0])
		}
		raster.Stroke(p.z, pts, width)
		drawn = true
	}
	if drawn {
		raster.Paint(p.dst, p.z, p.gs.stroke.nrgba(p.gs.strokeAlpha))
	}
}

func (p *painter) extGState(d pdf.Value) {
	if d.Kind() != pdf.Dict {
		return
	}
	if v := d.Key("ca"); isNumber(v) {
		p.gs.fillAlpha = clamp01(v.Float64())
	}
	if v := d.Key("CA"); isNumber(v) {
		p.gs.strokeAlpha = clamp01(v.Float64())
	}
	if v := d.Key("LW"); isNumber(v) {
		p.gs.lineWidth = v.Float64()
	}
}

func (p *painter) xobject(name string, res pdf.Value, depth int) {
	xo := res.Key("XObject").Key(name)
	if xo.Kind() != pdf.Stream {
		return
	}
	switch xo.Key("Subtype").Name() {
	case "Image":
		p.drawImage(xo)
	case "Form":
		if depth >= maxFormDepth {
			return
		}
		saved, savedStack := p.gs, len(p.stack)
		if m := numbers(arrayValues(xo.Key("Matrix"))); len(m) == 6 {
			p.gs.ctm = matrix{m[0], m[1], m[2], m[3], m[4], m[5]}.mul(p.gs.ctm)
		}
		formRes := xo.Key("Resources")
		if formRes.Kind() != pdf.Dict {
			formRes = res
		}
		p.endPath()
		p.run(xo, formRes, depth+1)
		p.gs = saved
		p.stack = p.stack[:savedStack]
		p.endPath()
	}
}

func (c rgb) nrgba(alpha float64) color.NRGBA {
	return color.NRGBA{
		R: uint8(clamp01(c.r)*255 + 0.5),
		G: uint8(clamp01(c.g)*255 + 0.5),
		B: uint8(clamp01(c.b)*255 + 0.5),
		A: uint8(clamp01(alpha)*255 + 0.5),
	}
}

// deviceColor interprets 1, 3 or 4 operands as gray, RGB or CMYK.
func deviceColor(n []float64) (rgb, bool) {
	switch len(n) {
	case 1:
		return rgb{n[0], n[0], n[0]}, true
	case 3:
		return rgb{n[0], n[1], n[2]}, true
	case 4:
		k := 1 - clamp01(n[3])
		return rgb{(1 - clamp01(n[0])) * k, (1 - clamp01(n[1])) * k, (1 - clamp01(n[2])) * k}, true
	}
	return rgb{}, false
}

func numbers(args []pdf.Value) []float64 {
	out := make([]float64, 0, len(args))
	for _, a := range args {
		if isNumber(a) {
			out = append(out, a.Float64())
		}
	}
	return out
}

func arrayValues(v pdf.Value) []pdf.Value {
	if v.Kind() != pdf.Array {
		return nil
	}
	out := make([]pdf.Value, v.Len())
	for i := range out {
		out[i] = v.Index(i)
	}
	return out
}

func isNumber(v pdf.Value) bool {
	k := v.Kind()
	return k == pdf.Integer || k == pdf.Real
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
