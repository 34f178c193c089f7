package render

import (
	"strings"
	"sync"

	"github.com/digitorus/pdf"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gobolditalic"
	"golang.org/x/image/font/gofont/goitalic"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/gomonobold"
	"golang.org/x/image/font/gofont/gomonobolditalic"
	"golang.org/x/image/font/gofont/gomonoitalic"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/sfnt"
	"golang.org/x/image/math/fixed"

	"github.com/Lllllllleong/documentsignflow/internal/raster"
)

// glyphPPEM is the size glyph outlines are loaded at. Outline coordinates
// are divided by it to get text space units.
const glyphPPEM = 1024

// Text rendering modes (Tr).
const (
	modeFill = iota
	modeStroke
	modeFillStroke
	modeInvisible
)

// textState is the part of the graphics state set by text operators.
type textState struct {
	font      *textFont
	size      float64
	charSpace float64
	wordSpace float64
	hscale    float64
	leading   float64
	rise      float64
	mode      int
}

type fontKey struct {
	ptr  pdf.Ptr
	name string
}

// textFont is a font resource resolved for drawing. Simple fonts use one
// byte per code; composite (Type0) fonts use two.
type textFont struct {
	composite bool
	program   *sfnt.Font // embedded outlines, may be nil
	fallback  *sfnt.Font // substitute chosen from BaseFont
	enc       pdf.TextEncoding

	firstChar int
	widths    []float64

	cidWidths    map[int]float64
	defaultWidth float64
	cidToGID     []byte
}

func (p *painter) textOp(op string, args []pdf.Value, n []float64, res pdf.Value) {
	ts := &p.gs.text
	switch op {
	case "BT":
		p.tm, p.tlm = identity, identity
	case "ET":
	case "Tf":
		if len(args) == 2 {
			ts.font = p.lookupFont(res, args[0].Name())
			ts.size = args[1].Float64()
		}
	case "Tc":
		if len(n) == 1 {
			ts.charSpace = n[0]
		}
	case "Tw":
		if len(n) == 1 {
			ts.wordSpace = n[0]
		}
	case "Tz":
		if len(n) == 1 {
			ts.hscale = n[0] / 100
		}
	case "TL":
		if len(n) == 1 {
			ts.leading = n[0]
		}
	case "Ts":
		if len(n) == 1 {
			ts.rise = n[0]
		}
	case "Tr":
		if len(n) == 1 {
			ts.mode = int(n[0])
		}
	case "Td":
		if len(n) == 2 {
			p.nextLine(n[0], n[1])
		}
	case "TD":
		if len(n) == 2 {
			ts.leading = -n[1]
			p.nextLine(n[0], n[1])
		}
	case "Tm":
		if len(n) == 6 {
			p.tlm = matrix{n[0], n[1], n[2], n[3], n[4], n[5]}
			p.tm = p.tlm
		}
	case "T*":
		p.nextLine(0, -ts.leading)
	case "Tj":
		if len(args) == 1 {
			p.showText(args[0].RawString())
		}
	case "'":
		if len(args) == 1 {
			p.nextLine(0, -ts.leading)
			p.showText(args[0].RawString())
		}
	case "\"":
		if len(n) >= 2 && len(args) == 3 {
			ts.wordSpace, ts.charSpace = n[0], n[1]
			p.nextLine(0, -ts.leading)
			p.showText(args[2].RawString())
		}
	case "TJ":
		if len(args) == 1 {
			for _, v := range arrayValues(args[0]) {
				if v.Kind() == pdf.String {
					p.showText(v.RawString())
				} else if isNumber(v) {
					tx := -v.Float64() / 1000 * ts.size * ts.hscale
					p.tm = matrix{1, 0, 0, 1, tx, 0}.mul(p.tm)
				}
			}
		}
	}
}

func (p *painter) nextLine(tx, ty float64) {
	p.tlm = matrix{1, 0, 0, 1, tx, ty}.mul(p.tlm)
	p.tm = p.tlm
}

// showText draws and advances over the codes in s.
func (p *painter) showText(s string) {
	ts := &p.gs.text
	f := ts.font
	if f == nil {
		return
	}
	step := 1
	if f.composite {
		step = 2
	}
	for i := 0; i+step <= len(s); i += step {
		code := int(s[i])
		if step == 2 {
			code = code<<8 | int(s[i+1])
		}
		face, gi := f.glyph(&p.glyphBuf, code)
		if face != nil && ts.mode%4 != modeInvisible {
			p.drawGlyph(face, gi)
		}
		tx := f.width(&p.glyphBuf, code, face, gi)/1000*ts.size + ts.charSpace
		if step == 1 && code == ' ' {
			tx += ts.wordSpace
		}
		p.tm = matrix{1, 0, 0, 1, tx * ts.hscale, 0}.mul(p.tm)
	}
}

func (p *painter) drawGlyph(face *sfnt.Font, gi sfnt.GlyphIndex) {
	segs, err := face.LoadGlyph(&p.glyphBuf, gi, fixed.I(glyphPPEM), nil)
	if err != nil || len(segs) == 0 {
		return
	}
	ts := p.gs.text
	trm := matrix{ts.size * ts.hscale, 0, 0, ts.size, 0, ts.rise}.mul(p.tm).mul(p.gs.ctm).mul(p.base)
	pt := func(q fixed.Point26_6) raster.Point {
		// Outline y grows downwards; text space y grows upwards.
		x, y := trm.apply(float64(q.X)/64/glyphPPEM, -float64(q.Y)/64/glyphPPEM)
		return raster.Point{X: x, Y: y}
	}

	p.endPath()
	for _, sg := range segs {
		switch sg.Op {
		case sfnt.SegmentOpMoveTo:
			if len(p.path) > 0 {
				p.closePath()
			}
			p.startSubpath(pt(sg.Args[0]))
		case sfnt.SegmentOpLineTo:
			p.appendPoint(pt(sg.Args[0]))
		case sfnt.SegmentOpQuadTo:
			start, ctrl, end := p.cur, pt(sg.Args[0]), pt(sg.Args[1])
			p.curveTo(lerp(start, ctrl, 2.0/3), lerp(end, ctrl, 2.0/3), end)
		case sfnt.SegmentOpCubeTo:
			p.curveTo(pt(sg.Args[0]), pt(sg.Args[1]), pt(sg.Args[2]))
		}
	}
	p.closePath()

	switch ts.mode % 4 {
	case modeFill:
		p.fillPath(false)
	case modeStroke:
		p.strokePath()
	case modeFillStroke:
		p.fillPath(false)
		p.strokePath()
	}
	p.endPath()
}

func lerp(a, b raster.Point, t float64) raster.Point {
	return raster.Point{X: a.X + (b.X-a.X)*t, Y: a.Y + (b.Y-a.Y)*t}
}

// lookupFont resolves a font resource by name, caching it per page.
func (p *painter) lookupFont(res pdf.Value, name string) *textFont {
	v := res.Key("Font").Key(name)
	if v.Kind() != pdf.Dict {
		return nil
	}
	key := fontKey{ptr: v.GetPtr(), name: name}
	if f, ok := p.fonts[key]; ok {
		return f
	}
	f := loadFont(v)
	if p.fonts == nil {
		p.fonts = make(map[fontKey]*textFont)
	}
	p.fonts[key] = f
	return f
}

func loadFont(v pdf.Value) *textFont {
	pf := pdf.Font{V: v}
	f := &textFont{fallback: substitute(pf.BaseFont())}

	if v.Key("Subtype").Name() == "Type0" {
		desc := v.Key("DescendantFonts").Index(0)
		f.composite = true
		f.program = embeddedProgram(desc.Key("FontDescriptor"))
		f.defaultWidth = 1000
		if dw := desc.Key("DW"); isNumber(dw) {
			f.defaultWidth = dw.Float64()
		}
		f.cidWidths = cidWidths(desc.Key("W"))
		if m := desc.Key("CIDToGIDMap"); m.Kind() == pdf.Stream {
			f.cidToGID = m.Data()
		}
		return f
	}

	f.program = embeddedProgram(v.Key("FontDescriptor"))
	f.firstChar = pf.FirstChar()
	f.widths = pf.Widths()
	// Other named encodings map ASCII like Latin-1, which toRune falls back to.
	enc := v.Key("Encoding")
	switch {
	case enc.Kind() == pdf.Dict,
		enc.Name() == "WinAnsiEncoding",
		enc.Name() == "MacRomanEncoding":
		f.enc = pf.Encoder()
	}
	return f
}

// embeddedProgram parses a TrueType (FontFile2) or OpenType (FontFile3)
// font program. Bare CFF and Type 1 programs are left to the substitute.
func embeddedProgram(desc pdf.Value) *sfnt.Font {
	if desc.Kind() != pdf.Dict {
		return nil
	}
	ff := desc.Key("FontFile2")
	if ff.Kind() != pdf.Stream {
		ff = desc.Key("FontFile3")
		if ff.Kind() != pdf.Stream || ff.Key("Subtype").Name() != "OpenType" {
			return nil
		}
	}
	f, err := sfnt.Parse(ff.Data())
	if err != nil {
		return nil
	}
	return f
}

// cidWidths reads a CIDFont W array: "c [w1 w2 ...]" and "c1 c2 w" runs.
func cidWidths(w pdf.Value) map[int]float64 {
	out := make(map[int]float64)
	vals := arrayValues(w)
	for i := 0; i < len(vals); {
		if i+1 < len(vals) && vals[i+1].Kind() == pdf.Array {
			first := int(vals[i].Int64())
			for j, wv := range arrayValues(vals[i+1]) {
				out[first+j] = wv.Float64()
			}
			i += 2
			continue
		}
		if i+2 < len(vals) {
			lo, hi, width := int(vals[i].Int64()), int(vals[i+1].Int64()), vals[i+2].Float64()
			for c := lo; c <= hi && c-lo < 1<<16; c++ {
				out[c] = width
			}
		}
		i += 3
	}
	return out
}

// glyph picks the outline for a code: the embedded program first, then the
// substitute font by Unicode value. Composite fonts without an embedded
// program have no Unicode mapping here and draw nothing. A nil face means
// nothing is drawn.
func (f *textFont) glyph(b *sfnt.Buffer, code int) (*sfnt.Font, sfnt.GlyphIndex) {
	if f.composite {
		if f.program == nil {
			return nil, 0
		}
		gid := code
		if len(f.cidToGID) >= 2*code+2 {
			gid = int(f.cidToGID[2*code])<<8 | int(f.cidToGID[2*code+1])
		}
		if gid > 0 && gid < f.program.NumGlyphs() {
			return f.program, sfnt.GlyphIndex(gid)
		}
		return nil, 0
	}

	r := f.toRune(code)
	if f.program != nil {
		for _, c := range []rune{r, 0xF000 | rune(code), rune(code)} {
			if c == 0 {
				continue
			}
			if gi, err := f.program.GlyphIndex(b, c); err == nil && gi != 0 {
				return f.program, gi
			}
		}
	}
	if f.fallback != nil && r > ' ' {
		if gi, err := f.fallback.GlyphIndex(b, r); err == nil && gi != 0 {
			return f.fallback, gi
		}
	}
	return nil, 0
}

func (f *textFont) toRune(code int) rune {
	if f.enc == nil {
		return rune(code)
	}
	for _, r := range f.enc.Decode(string([]byte{byte(code)})) {
		return r
	}
	return 0
}

// width is the advance of a code in thousandths of the font size.
func (f *textFont) width(b *sfnt.Buffer, code int, face *sfnt.Font, gi sfnt.GlyphIndex) float64 {
	if f.composite {
		if w, ok := f.cidWidths[code]; ok {
			return w
		}
		return f.defaultWidth
	}
	if i := code - f.firstChar; i >= 0 && i < len(f.widths) {
		return f.widths[i]
	}
	if face != nil {
		return advance(b, face, gi)
	}
	if code == ' ' && f.fallback != nil {
		if sp, err := f.fallback.GlyphIndex(b, ' '); err == nil {
			return advance(b, f.fallback, sp)
		}
	}
	return 0
}

func advance(b *sfnt.Buffer, face *sfnt.Font, gi sfnt.GlyphIndex) float64 {
	adv, err := face.GlyphAdvance(b, gi, fixed.I(glyphPPEM), font.HintingNone)
	if err != nil {
		return 0
	}
	return float64(adv) / 64 / glyphPPEM * 1000
}

var goFonts = map[string]func() (*sfnt.Font, error){
	"regular":        parseOnce(goregular.TTF),
	"bold":           parseOnce(gobold.TTF),
	"italic":         parseOnce(goitalic.TTF),
	"bolditalic":     parseOnce(gobolditalic.TTF),
	"mono":           parseOnce(gomono.TTF),
	"monobold":       parseOnce(gomonobold.TTF),
	"monoitalic":     parseOnce(gomonoitalic.TTF),
	"monobolditalic": parseOnce(gomonobolditalic.TTF),
}

func parseOnce(ttf []byte) func() (*sfnt.Font, error) {
	return sync.OnceValues(func() (*sfnt.Font, error) { return sfnt.Parse(ttf) })
}

// substitute picks a Go font for a base font name such as
// "ABCDEF+Helvetica-BoldOblique" or "Courier".
func substitute(baseFont string) *sfnt.Font {
	name := strings.ToLower(baseFont)
	if i := strings.IndexByte(name, '+'); i >= 0 {
		name = name[i+1:]
	}
	var key string
	if strings.Contains(name, "courier") || strings.Contains(name, "mono") {
		key = "mono"
	}
	if strings.Contains(name, "bold") || strings.Contains(name, "black") || strings.Contains(name, "heavy") {
		key += "bold"
	}
	if strings.Contains(name, "italic") || strings.Contains(name, "oblique") {
		key += "italic"
	}
	if key == "" {
		key = "regular"
	}
	f, err := goFonts[key]()
	if err != nil {
		return nil
	}
	return f
}
