package pdfedit

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/digitorus/pdf"
	"github.com/google/go-cmp/cmp"
	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/Lllllllleong/documentsignflow/internal/models"
	"github.com/Lllllllleong/documentsignflow/internal/render"
	"github.com/Lllllllleong/documentsignflow/internal/testpdf"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.SetNRGBA(x, h/2, color.NRGBA{0, 0, 0, 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func xobjectCount(t *testing.T, data []byte, page int) int {
	t.Helper()
	rdr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("pdf.NewReader: %v", err)
	}
	return len(rdr.Page(page).Resources().Key("XObject").Keys())
}

func TestOpen(t *testing.T) {
	doc, err := Open(testpdf.Build(testpdf.Letter(), testpdf.Page{Width: 300, Height: 200}))
	if err != nil {
		t.Fatal(err)
	}
	if doc.PageCount() != 2 {
		t.Errorf("PageCount = %d", doc.PageCount())
	}
	got, err := doc.PageSize(1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Size{300, 200}, got); diff != "" {
		t.Errorf("PageSize mismatch (-want +got):\n%s", diff)
	}
	if _, err := doc.PageSize(2); err == nil {
		t.Error("PageSize(2) succeeded on a 2-page document")
	}
}

func TestPageSizeMatchesRenderedRotation(t *testing.T) {
	data := testpdf.Build(testpdf.Page{Width: 612, Height: 792, Rotate: 90})
	doc, err := Open(data)
	if err != nil {
		t.Fatal(err)
	}
	got, err := doc.PageSize(0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Size{792, 612}, got); diff != "" {
		t.Errorf("PageSize mismatch (-want +got):\n%s", diff)
	}

	rdoc, err := render.Open(data)
	if err != nil {
		t.Fatal(err)
	}
	img, err := rdoc.RenderPage(context.Background(), 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if b := img.Bounds(); float64(b.Dx()) != got.Width || float64(b.Dy()) != got.Height {
		t.Errorf("rendered %v, page size %v", b, got)
	}
}

func TestOpenInvalid(t *testing.T) {
	if _, err := Open([]byte("%PDF-1.4 nonsense")); !errors.Is(err, models.ErrDocumentLoad) {
		t.Fatalf("error = %v, want ErrDocumentLoad", err)
	}
}

func TestEmbedRejectsNonImage(t *testing.T) {
	doc, err := Open(testpdf.Blank(1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := doc.EmbedRasterImage([]byte("not an image")); !errors.Is(err, models.ErrEmbed) {
		t.Fatalf("error = %v, want ErrEmbed", err)
	}
	img, err := doc.EmbedRasterImage(pngBytes(t, 30, 10))
	if err != nil {
		t.Fatal(err)
	}
	if w, h := img.Size(); w != 30 || h != 10 {
		t.Errorf("Size = %dx%d", w, h)
	}
	if err := doc.DrawImage(3, img, Rect{Width: 10}); !errors.Is(err, models.ErrEmbed) {
		t.Errorf("DrawImage out of range error = %v", err)
	}
}

func TestSerializeWithoutDrawingsKeepsPages(t *testing.T) {
	doc, err := Open(testpdf.Blank(3))
	if err != nil {
		t.Fatal(err)
	}
	out, err := doc.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	n, err := api.PageCount(bytes.NewReader(out), configuration())
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("page count = %d, want 3", n)
	}
}

func TestSerializeTouchesOnlyTargetPage(t *testing.T) {
	src := testpdf.Build(
		testpdf.Page{Width: 612, Height: 792, Content: "0 0 1 rg 10 10 50 50 re f"},
		testpdf.Letter(),
		testpdf.Page{Width: 612, Height: 792, Content: "1 0 0 rg 100 100 50 50 re f"},
	)
	doc, err := Open(src)
	if err != nil {
		t.Fatal(err)
	}
	img, err := doc.EmbedRasterImage(pngBytes(t, 918, 1188))
	if err != nil {
		t.Fatal(err)
	}
	size, _ := doc.PageSize(1)
	if err := doc.DrawImage(1, img, Rect{Width: size.Width, Height: size.Height}); err != nil {
		t.Fatal(err)
	}
	out, err := doc.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	if got := xobjectCount(t, out, 2); got == 0 {
		t.Error("page 2 has no XObject after drawing")
	}
	for _, p := range []int{1, 3} {
		if got := xobjectCount(t, out, p); got != 0 {
			t.Errorf("page %d gained %d XObjects", p, got)
		}
	}

	before, err := render.Open(src)
	if err != nil {
		t.Fatal(err)
	}
	after, err := render.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	if after.PageCount() != 3 {
		t.Fatalf("output has %d pages", after.PageCount())
	}
	for _, p := range []int{1, 3} {
		want, err := before.RenderPage(context.Background(), p, 1)
		if err != nil {
			t.Fatal(err)
		}
		got, err := after.RenderPage(context.Background(), p, 1)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(want.Pix, got.Pix) {
			t.Errorf("page %d renders differently after export", p)
		}
	}
}
