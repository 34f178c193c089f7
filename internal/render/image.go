package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"

	"github.com/digitorus/pdf"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

var errUnsupportedImage = errors.New("unsupported image")

// drawImage paints an image XObject into the unit square of the current CTM.
// Images the decoder does not understand are skipped.
func (p *painter) drawImage(xo pdf.Value) {
	src, err := decodeImage(xo)
	if err != nil {
		return
	}
	m := p.gs.ctm.mul(p.base)
	if math.Abs(m.det()) < 1e-9 {
		return
	}
	b := src.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	// Image row 0 is the top of the unit square.
	aff := f64.Aff3{
		m[0] / w, -m[2] / h, m[2] + m[4],
		m[1] / w, -m[3] / h, m[3] + m[5],
	}
	var opts *xdraw.Options
	if p.gs.fillAlpha < 1 {
		opts = &xdraw.Options{SrcMask: image.NewUniform(color.Alpha{A: uint8(p.gs.fillAlpha*255 + 0.5)})}
	}
	xdraw.BiLinear.Transform(p.dst, aff, src, b, xdraw.Over, opts)
}

func decodeImage(xo pdf.Value) (img *image.NRGBA, err error) {
	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = fmt.Errorf("%w: %v", errUnsupportedImage, r)
		}
	}()

	if mask := xo.Key("ImageMask"); mask.Kind() == pdf.Bool && mask.Bool() {
		return nil, fmt.Errorf("%w: stencil mask", errUnsupportedImage)
	}
	w, h := int(xo.Key("Width").Int64()), int(xo.Key("Height").Int64())
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: size %dx%d", errUnsupportedImage, w, h)
	}
	if bpc := xo.Key("BitsPerComponent").Int64(); bpc != 8 {
		return nil, fmt.Errorf("%w: %d bits per component", errUnsupportedImage, bpc)
	}
	if err := checkFilters(xo); err != nil {
		return nil, err
	}
	comps, err := components(xo.Key("ColorSpace"))
	if err != nil {
		return nil, err
	}
	data, err := readStream(xo)
	if err != nil {
		return nil, err
	}
	if len(data) < w*h*comps {
		return nil, fmt.Errorf("%w: short sample data", errUnsupportedImage)
	}

	img = image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < w*h; i++ {
		s := data[i*comps : (i+1)*comps]
		o := img.Pix[i*4 : i*4+4]
		switch comps {
		case 1:
			o[0], o[1], o[2] = s[0], s[0], s[0]
		case 3:
			o[0], o[1], o[2] = s[0], s[1], s[2]
		case 4:
			k := 255 - int(s[3])
			o[0] = uint8((255 - int(s[0])) * k / 255)
			o[1] = uint8((255 - int(s[1])) * k / 255)
			o[2] = uint8((255 - int(s[2])) * k / 255)
		}
		o[3] = 255
	}

	if sm := xo.Key("SMask"); sm.Kind() == pdf.Stream {
		if alpha, err := decodeMask(sm); err == nil {
			applyAlpha(img, alpha)
		}
	}
	return img, nil
}

// decodeMask reads a soft mask as an 8-bit gray image.
func decodeMask(sm pdf.Value) (*image.Gray, error) {
	w, h := int(sm.Key("Width").Int64()), int(sm.Key("Height").Int64())
	if w <= 0 || h <= 0 || sm.Key("BitsPerComponent").Int64() != 8 {
		return nil, errUnsupportedImage
	}
	if err := checkFilters(sm); err != nil {
		return nil, err
	}
	data, err := readStream(sm)
	if err != nil {
		return nil, err
	}
	if len(data) < w*h {
		return nil, errUnsupportedImage
	}
	return &image.Gray{Pix: data[:w*h], Stride: w, Rect: image.Rect(0, 0, w, h)}, nil
}

// applyAlpha scales the mask to img's size with nearest sampling.
func applyAlpha(img *image.NRGBA, mask *image.Gray) {
	b, mb := img.Bounds(), mask.Bounds()
	for y := 0; y < b.Dy(); y++ {
		my := y * mb.Dy() / b.Dy()
		for x := 0; x < b.Dx(); x++ {
			mx := x * mb.Dx() / b.Dx()
			img.Pix[y*img.Stride+x*4+3] = mask.Pix[my*mask.Stride+mx]
		}
	}
}

func checkFilters(v pdf.Value) error {
	f := v.Key("Filter")
	var names []string
	switch f.Kind() {
	case pdf.Name:
		names = []string{f.Name()}
	case pdf.Array:
		for _, e := range arrayValues(f) {
			names = append(names, e.Name())
		}
	}
	for _, n := range names {
		if n != "FlateDecode" && n != "Fl" {
			return fmt.Errorf("%w: filter %s", errUnsupportedImage, n)
		}
	}
	return nil
}

func components(cs pdf.Value) (int, error) {
	name := cs.Name()
	if cs.Kind() == pdf.Array && cs.Len() > 0 {
		name = cs.Index(0).Name()
		if name == "ICCBased" && cs.Len() > 1 {
			switch n := cs.Index(1).Key("N").Int64(); n {
			case 1, 3, 4:
				return int(n), nil
			}
		}
	}
	switch name {
	case "DeviceGray", "CalGray", "G":
		return 1, nil
	case "DeviceRGB", "CalRGB", "RGB":
		return 3, nil
	case "DeviceCMYK", "CMYK":
		return 4, nil
	}
	return 0, fmt.Errorf("%w: color space %q", errUnsupportedImage, name)
}

func readStream(v pdf.Value) ([]byte, error) {
	rc := v.Reader()
	defer rc.Close()
	return io.ReadAll(rc)
}
