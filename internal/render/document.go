// Package render rasterizes PDF pages into RGBA images.
//
// The renderer understands the vector subset of the content stream language
// (paths, nonzero and even-odd fills, strokes, device colors, transparency
// from ExtGState), image and form XObjects, and text shown with embedded
// TrueType or OpenType programs or a substitute Go font. Pages are drawn in
// the orientation their /Rotate entry asks for.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"math"

	"github.com/digitorus/pdf"
	"golang.org/x/image/vector"

	"github.com/Lllllllleong/documentsignflow/internal/models"
)

// maxParentDepth bounds the walk up the page tree for inherited attributes.
const maxParentDepth = 32

// Box is a page rectangle in default user space.
type Box struct {
	LLX, LLY, URX, URY float64
}

// Width of the box.
func (b Box) Width() float64 { return b.URX - b.LLX }

// Height of the box.
func (b Box) Height() float64 { return b.URY - b.LLY }

// letter is used when a page carries no usable MediaBox.
var letter = Box{0, 0, 612, 792}

// Document is an opened, read-only PDF.
type Document struct {
	rdr   *pdf.Reader
	pages int
}

// Open parses data and returns a handle that can render its pages.
// Malformed input yields an error wrapping models.ErrDocumentLoad.
func Open(data []byte) (doc *Document, err error) {
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = fmt.Errorf("%w: %v", models.ErrDocumentLoad, r)
		}
	}()

	rdr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDocumentLoad, err)
	}
	n := rdr.NumPage()
	if n <= 0 {
		return nil, fmt.Errorf("%w: document has no pages", models.ErrDocumentLoad)
	}
	return &Document{rdr: rdr, pages: n}, nil
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int {
	return d.pages
}

// PageBox returns the visible area (CropBox, else MediaBox) of the 1-based
// page index, in unrotated user space.
func (d *Document) PageBox(index int) (box Box, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: page %d: %v", models.ErrRender, index, r)
		}
	}()

	page, err := d.page(index)
	if err != nil {
		return Box{}, err
	}
	return pageBox(page.V), nil
}

// RenderPage draws the 1-based page index at the given zoom. The result is
// sized floor(width*scale) x floor(height*scale) over a white background,
// with width and height swapped when the page is rotated by 90 or 270
// degrees.
func (d *Document) RenderPage(ctx context.Context, index int, scale float64) (img *image.RGBA, err error) {
	if scale <= 0 {
		return nil, fmt.Errorf("%w: invalid scale %v", models.ErrRender, scale)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = fmt.Errorf("%w: page %d: %v", models.ErrRender, index, r)
		}
	}()

	page, err := d.page(index)
	if err != nil {
		return nil, err
	}
	box := pageBox(page.V)
	rot := pageRotation(page.V)
	w := int(math.Floor(box.Width()*scale + 1e-9))
	h := int(math.Floor(box.Height()*scale + 1e-9))
	if rot == 90 || rot == 270 {
		w, h = h, w
	}
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: page %d has an empty box", models.ErrRender, index)
	}

	img = image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.White, image.Point{}, draw.Src)

	p := &painter{
		ctx:  ctx,
		dst:  img,
		z:    vector.NewRasterizer(w, h),
		base: deviceMatrix(box, rot, scale),
	}
	p.gs = defaultState()

	res := inherited(page.V, "Resources")
	contents := page.V.Key("Contents")
	switch contents.Kind() {
	case pdf.Array:
		for i := 0; i < contents.Len(); i++ {
			p.run(contents.Index(i), res, 0)
		}
	case pdf.Stream:
		p.run(contents, res, 0)
	}
	if p.err != nil {
		return nil, p.err
	}
	return img, nil
}

func (d *Document) page(index int) (pdf.Page, error) {
	if index < 1 || index > d.pages {
		return pdf.Page{}, fmt.Errorf("%w: page %d out of range 1..%d", models.ErrRender, index, d.pages)
	}
	page := d.rdr.Page(index)
	if page.V.IsNull() {
		return pdf.Page{}, fmt.Errorf("%w: page %d missing from page tree", models.ErrRender, index)
	}
	return page, nil
}

func pageBox(page pdf.Value) Box {
	for _, key := range []string{"CropBox", "MediaBox"} {
		if b, ok := readBox(inherited(page, key)); ok {
			return b
		}
	}
	return letter
}

// pageRotation returns the inherited /Rotate entry normalized to 0, 90, 180
// or 270. Values that are not multiples of 90 count as 0.
func pageRotation(page pdf.Value) int {
	v := inherited(page, "Rotate")
	if v.Kind() != pdf.Integer {
		return 0
	}
	r := int(v.Int64() % 360)
	if r < 0 {
		r += 360
	}
	if r%90 != 0 {
		return 0
	}
	return r
}

// deviceMatrix maps default user space inside box to raster pixels, turning
// the page clockwise by rot degrees.
func deviceMatrix(box Box, rot int, s float64) matrix {
	switch rot {
	case 90:
		return matrix{0, s, s, 0, -box.LLY * s, -box.LLX * s}
	case 180:
		return matrix{-s, 0, 0, s, box.URX * s, -box.LLY * s}
	case 270:
		return matrix{0, -s, -s, 0, box.URY * s, box.URX * s}
	}
	return matrix{s, 0, 0, -s, -box.LLX * s, box.URY * s}
}

func readBox(v pdf.Value) (Box, bool) {
	if v.Kind() != pdf.Array || v.Len() < 4 {
		return Box{}, false
	}
	x0, y0 := v.Index(0).Float64(), v.Index(1).Float64()
	x1, y1 := v.Index(2).Float64(), v.Index(3).Float64()
	b := Box{math.Min(x0, x1), math.Min(y0, y1), math.Max(x0, x1), math.Max(y0, y1)}
	if b.Width() <= 0 || b.Height() <= 0 {
		return Box{}, false
	}
	return b, true
}

// inherited looks key up on the page node and then on its ancestors.
func inherited(node pdf.Value, key string) pdf.Value {
	for i := 0; i < maxParentDepth && node.Kind() == pdf.Dict; i++ {
		if v := node.Key(key); !v.IsNull() {
			return v
		}
		node = node.Key("Parent")
	}
	return pdf.Value{}
}
