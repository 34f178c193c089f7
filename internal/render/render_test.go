package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Lllllllleong/documentsignflow/internal/models"
	"github.com/Lllllllleong/documentsignflow/internal/testpdf"
)

func TestOpen(t *testing.T) {
	doc, err := Open(testpdf.Blank(3))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got := doc.PageCount(); got != 3 {
		t.Errorf("PageCount = %d, want 3", got)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty":     nil,
		"text":      []byte("this is not a pdf"),
		"truncated": testpdf.Blank(1)[:40],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Open(data)
			if !errors.Is(err, models.ErrDocumentLoad) {
				t.Fatalf("Open error = %v, want ErrDocumentLoad", err)
			}
		})
	}
}

func TestPageBox(t *testing.T) {
	doc, err := Open(testpdf.Build(testpdf.Letter(), testpdf.Page{Width: 200, Height: 100}))
	if err != nil {
		t.Fatal(err)
	}
	got, err := doc.PageBox(2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Box{0, 0, 200, 100}, got); diff != "" {
		t.Errorf("PageBox mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderPageSize(t *testing.T) {
	doc, err := Open(testpdf.Build(testpdf.Letter(), testpdf.Page{Width: 300, Height: 200}))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		page int
		w, h int
	}{
		{1, 918, 1188},
		{2, 450, 300},
	}
	for _, tt := range tests {
		img, err := doc.RenderPage(context.Background(), tt.page, 1.5)
		if err != nil {
			t.Fatalf("RenderPage(%d): %v", tt.page, err)
		}
		if b := img.Bounds(); b.Dx() != tt.w || b.Dy() != tt.h {
			t.Errorf("page %d: size %dx%d, want %dx%d", tt.page, b.Dx(), b.Dy(), tt.w, tt.h)
		}
	}
}

func TestRenderBlankIsWhite(t *testing.T) {
	doc, err := Open(testpdf.Blank(1))
	if err != nil {
		t.Fatal(err)
	}
	img, err := doc.RenderPage(context.Background(), 1, 1.5)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < len(img.Pix); i++ {
		if img.Pix[i] != 0xff {
			t.Fatalf("byte %d = %#x, want white page", i, img.Pix[i])
		}
	}
}

func TestRenderContent(t *testing.T) {
	red := make([]byte, 2*2*3)
	for i := 0; i < len(red); i += 3 {
		red[i] = 0xff
	}
	page := testpdf.Page{
		Width:  612,
		Height: 792,
		Content: "0 0 1 rg 100 100 200 100 re f\n" +
			"0 g 4 w 50 700 m 300 700 l S\n" +
			"q 100 0 0 50 10 10 cm /Im1 Do Q\n",
		Images: []testpdf.Image{{Name: "Im1", Width: 2, Height: 2, RGB: red}},
	}
	doc, err := Open(testpdf.Build(page))
	if err != nil {
		t.Fatal(err)
	}
	img, err := doc.RenderPage(context.Background(), 1, 1.5)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		x, y int
		want color.RGBA
	}{
		{"filled rectangle", 300, 960, color.RGBA{0, 0, 255, 255}},
		{"stroked line", 200, 138, color.RGBA{0, 0, 0, 255}},
		{"image", 90, 1135, color.RGBA{255, 0, 0, 255}},
		{"background", 10, 10, color.RGBA{255, 255, 255, 255}},
	}
	for _, tt := range tests {
		if got := img.RGBAAt(tt.x, tt.y); got != tt.want {
			t.Errorf("%s: pixel (%d,%d) = %v, want %v", tt.name, tt.x, tt.y, got, tt.want)
		}
	}
}

func TestRenderPageOutOfRange(t *testing.T) {
	doc, err := Open(testpdf.Blank(2))
	if err != nil {
		t.Fatal(err)
	}
	for _, page := range []int{0, 3} {
		if _, err := doc.RenderPage(context.Background(), page, 1.5); !errors.Is(err, models.ErrRender) {
			t.Errorf("RenderPage(%d) error = %v, want ErrRender", page, err)
		}
	}
}

func TestRenderPageCanceled(t *testing.T) {
	doc, err := Open(testpdf.Blank(1))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := doc.RenderPage(ctx, 1, 1.5); !errors.Is(err, context.Canceled) {
		t.Fatalf("RenderPage error = %v, want context.Canceled", err)
	}
}

func TestMatrixMul(t *testing.T) {
	translate := matrix{1, 0, 0, 1, 10, 20}
	scale := matrix{2, 0, 0, 2, 0, 0}
	x, y := translate.mul(scale).apply(1, 1)
	if x != 22 || y != 42 {
		t.Errorf("translate then scale: (%v, %v), want (22, 42)", x, y)
	}
	if got := scale.scaleFactor(); got != 2 {
		t.Errorf("scaleFactor = %v, want 2", got)
	}
}

// darkPixels counts pixels inside r whose red channel is below half.
func darkPixels(img *image.RGBA, r image.Rectangle) int {
	n := 0
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if img.RGBAAt(x, y).R < 0x80 {
				n++
			}
		}
	}
	return n
}

func renderOne(t *testing.T, page testpdf.Page, scale float64) *image.RGBA {
	t.Helper()
	doc, err := Open(testpdf.Build(page))
	if err != nil {
		t.Fatal(err)
	}
	img, err := doc.RenderPage(context.Background(), 1, scale)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestRenderText(t *testing.T) {
	helvetica := []testpdf.Font{{Name: "F1", BaseFont: "Helvetica"}}
	tests := []struct {
		name    string
		content string
		inked   bool
	}{
		{"shown", "BT /F1 48 Tf 72 700 Td (Hello) Tj ET", true},
		{"array with kerning", "BT /F1 48 Tf 72 700 Td [(He) -20 (llo)] TJ ET", true},
		{"invisible mode", "BT /F1 48 Tf 3 Tr 72 700 Td (Hello) Tj ET", false},
		{"unknown font", "BT /F9 48 Tf 72 700 Td (Hello) Tj ET", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := renderOne(t, testpdf.Page{Width: 612, Height: 792, Content: tt.content, Fonts: helvetica}, 1)
			// Baseline at y=700 is device row 92; the glyphs sit above it.
			line := darkPixels(img, image.Rect(60, 40, 300, 100))
			if inked := line > 100; inked != tt.inked {
				t.Errorf("dark pixels on the text line = %d, inked = %v, want %v", line, inked, tt.inked)
			}
			if n := darkPixels(img, image.Rect(0, 200, 612, 792)); n != 0 {
				t.Errorf("%d dark pixels away from the text line", n)
			}
		})
	}
}

func TestRenderTextAdvances(t *testing.T) {
	helvetica := []testpdf.Font{{Name: "F1", BaseFont: "Helvetica-Bold"}}
	one := renderOne(t, testpdf.Page{Width: 612, Height: 792, Fonts: helvetica,
		Content: "BT /F1 48 Tf 72 700 Td (H) Tj ET"}, 1)
	two := renderOne(t, testpdf.Page{Width: 612, Height: 792, Fonts: helvetica,
		Content: "BT /F1 48 Tf 72 700 Td (H) Tj (H) Tj ET"}, 1)

	// The second glyph starts one advance to the right of the first.
	right := image.Rect(125, 40, 170, 100)
	if n := darkPixels(one, right); n != 0 {
		t.Errorf("single glyph reaches x=125: %d dark pixels", n)
	}
	if n := darkPixels(two, right); n == 0 {
		t.Error("second glyph was drawn on top of the first")
	}
}

func TestRenderEvenOddFill(t *testing.T) {
	const rings = "0 g 100 100 400 400 re 200 200 200 200 re "
	tests := []struct {
		op        string
		centerInk bool
	}{
		{"f*", false},
		{"B*", false},
		{"f", true},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			img := renderOne(t, testpdf.Page{Width: 612, Height: 792, Content: rings + tt.op}, 1)
			if got := img.RGBAAt(150, 492).R < 0x80; !got {
				t.Error("ring is not filled")
			}
			if got := img.RGBAAt(300, 492).R < 0x80; got != tt.centerInk {
				t.Errorf("center inked = %v, want %v", got, tt.centerInk)
			}
		})
	}
}

func TestRenderRotatedPage(t *testing.T) {
	// A 100x50 block in the bottom-left corner of an unrotated Letter page.
	const block = "0 g 0 0 100 50 re f"
	tests := []struct {
		rotate     int
		w, h       int
		inkX, inkY int
	}{
		{0, 612, 792, 50, 767},
		{90, 792, 612, 25, 75},
		{180, 612, 792, 560, 25},
		{270, 792, 612, 767, 560},
		{-90, 792, 612, 767, 560},
		{45, 612, 792, 50, 767},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.rotate), func(t *testing.T) {
			img := renderOne(t, testpdf.Page{Width: 612, Height: 792, Content: block, Rotate: tt.rotate}, 1)
			if b := img.Bounds(); b.Dx() != tt.w || b.Dy() != tt.h {
				t.Fatalf("size = %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.w, tt.h)
			}
			if got := img.RGBAAt(tt.inkX, tt.inkY); got.R >= 0x80 {
				t.Errorf("block not at (%d,%d): %v", tt.inkX, tt.inkY, got)
			}
			if n := darkPixels(img, img.Bounds()); n < 4000 || n > 6000 {
				t.Errorf("dark pixel count = %d, want about 5000", n)
			}
		})
	}
}
