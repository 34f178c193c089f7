// Package pdfedit embeds raster images into existing PDF pages and
// re-serializes the document, using pdfcpu.
package pdfedit

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strconv"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/Lllllllleong/documentsignflow/internal/models"
)

var configOnce sync.Once

// configuration returns a fresh pdfcpu configuration that never touches the
// user's config directory.
func configuration() *model.Configuration {
	configOnce.Do(api.DisableConfigDir)
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Size is a page size in points.
type Size struct {
	Width, Height float64
}

// Rect is a placement in points, measured from the lower-left corner of the
// page.
type Rect struct {
	X, Y, Width, Height float64
}

// Image is a raster that has been accepted for embedding.
type Image struct {
	data          []byte
	width, height int
}

// Size returns the pixel size of the image.
func (img *Image) Size() (width, height int) {
	return img.width, img.height
}

type placement struct {
	page int // zero-based
	img  *Image
	rect Rect
}

// Document is a PDF opened for mutation. Changes are queued and applied by
// Serialize, so a failed export never leaves a half-written document.
type Document struct {
	data  []byte
	sizes []Size
	draws []placement
}

// Open validates data and reads its page sizes.
func Open(data []byte) (*Document, error) {
	conf := configuration()
	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDocumentLoad, err)
	}
	dims, err := api.PageDims(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDocumentLoad, err)
	}
	if len(dims) == 0 {
		return nil, fmt.Errorf("%w: document has no pages", models.ErrDocumentLoad)
	}
	sizes := make([]Size, len(dims))
	for i, d := range dims {
		sizes[i] = Size{Width: d.Width, Height: d.Height}
	}
	return &Document{data: data, sizes: sizes}, nil
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int {
	return len(d.sizes)
}

// PageSize returns the size of the zero-based page i.
func (d *Document) PageSize(i int) (Size, error) {
	if i < 0 || i >= len(d.sizes) {
		return Size{}, fmt.Errorf("page index %d out of range 0..%d", i, len(d.sizes)-1)
	}
	return d.sizes[i], nil
}

// EmbedRasterImage checks that pdfcpu can turn data into an image XObject.
func (d *Document) EmbedRasterImage(data []byte) (*Image, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEmbed, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", models.ErrEmbed)
	}
	img := &Image{data: data, width: cfg.Width, height: cfg.Height}
	if _, err := img.watermark(Rect{Width: float64(cfg.Width)}); err != nil {
		return nil, err
	}
	return img, nil
}

// DrawImage queues img to be painted on top of the zero-based page i inside
// rect. The image keeps its aspect ratio: its width is fitted to rect.
func (d *Document) DrawImage(i int, img *Image, rect Rect) error {
	if i < 0 || i >= len(d.sizes) {
		return fmt.Errorf("%w: page index %d out of range", models.ErrEmbed, i)
	}
	if img == nil || rect.Width <= 0 {
		return fmt.Errorf("%w: nothing to draw", models.ErrEmbed)
	}
	d.draws = append(d.draws, placement{page: i, img: img, rect: rect})
	return nil
}

// Serialize applies the queued drawings and writes the whole document.
// Pages without drawings are carried over unchanged.
func (d *Document) Serialize() ([]byte, error) {
	conf := configuration()
	data := d.data
	if len(d.draws) == 0 {
		var out bytes.Buffer
		if err := api.Optimize(bytes.NewReader(data), &out, conf); err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrEncode, err)
		}
		return out.Bytes(), nil
	}
	for _, p := range d.draws {
		wm, err := p.img.watermark(p.rect)
		if err != nil {
			return nil, err
		}
		var out bytes.Buffer
		pages := []string{strconv.Itoa(p.page + 1)}
		if err := api.AddWatermarks(bytes.NewReader(data), &out, pages, wm, conf); err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", models.ErrEncode, p.page+1, err)
		}
		data = out.Bytes()
	}
	return data, nil
}

// watermark builds a pdfcpu stamp that puts the image's lower-left corner at
// the rect origin and scales its width to the rect width.
func (img *Image) watermark(rect Rect) (*model.Watermark, error) {
	scale := rect.Width / float64(img.width)
	desc := fmt.Sprintf("scalefactor:%.6f abs, position:bl, offset:%.4f %.4f, rotation:0, opacity:1",
		scale, rect.X, rect.Y)
	wm, err := api.ImageWatermarkForReader(bytes.NewReader(img.data), desc, true, false, types.POINTS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEmbed, err)
	}
	return wm, nil
}
