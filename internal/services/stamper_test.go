package services

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/digitorus/pdf"
	"github.com/google/go-cmp/cmp"

	"github.com/Lllllllleong/documentsignflow/internal/models"
	"github.com/Lllllllleong/documentsignflow/internal/testpdf"
)

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    models.StampManifest
		wantErr bool
	}{
		{
			name: "minimal",
			in:   `{"document":"in/a.pdf","signature":"in/sig.png"}`,
			want: models.StampManifest{Document: "in/a.pdf", Signature: "in/sig.png"},
		},
		{
			name: "with placement",
			in:   `{"document":"a.pdf","signature":"s.png","page":3,"placement":{"x":10,"y":20,"width":100,"height":40}}`,
			want: models.StampManifest{
				Document:  "a.pdf",
				Signature: "s.png",
				Page:      3,
				Placement: &models.PlacementRequest{X: 10, Y: 20, Width: 100, Height: 40},
			},
		},
		{name: "not json", in: `document: a.pdf`, wantErr: true},
		{name: "missing signature", in: `{"document":"a.pdf"}`, wantErr: true},
		{name: "negative page", in: `{"document":"a.pdf","signature":"s.png","page":-1}`, wantErr: true},
		{name: "empty placement", in: `{"document":"a.pdf","signature":"s.png","placement":{"x":1}}`, wantErr: true},
		{name: "oversized placement", in: `{"document":"a.pdf","signature":"s.png","placement":{"x":100,"width":1e18,"height":100}}`, wantErr: true},
		{name: "placement far off the page", in: `{"document":"a.pdf","signature":"s.png","placement":{"x":-1e9,"width":10,"height":10}}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseManifest([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("manifest mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func pageXObjects(t *testing.T, data []byte, page int) int {
	t.Helper()
	rdr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("pdf.NewReader: %v", err)
	}
	return len(rdr.Page(page).Resources().Key("XObject").Keys())
}

func TestStamp(t *testing.T) {
	m := models.StampManifest{
		Document:  "incoming/lease.pdf",
		Signature: "incoming/signature.png",
		Page:      2,
		Placement: &models.PlacementRequest{X: 100, Y: 900, Width: 240, Height: 120},
	}
	out, err := Stamp(context.Background(), slog.Default(), m, testpdf.Blank(3), stampPNG(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Filename != "signed-lease.pdf" || out.Page != 2 || out.PageCount != 3 || out.AnnotationCount != 1 {
		t.Errorf("export = %s page %d/%d annotations %d", out.Filename, out.Page, out.PageCount, out.AnnotationCount)
	}
	for page, stamped := range map[int]bool{1: false, 2: true, 3: false} {
		if got := pageXObjects(t, out.Data, page) > 0; got != stamped {
			t.Errorf("page %d stamped = %v, want %v", page, got, stamped)
		}
	}
}

func TestStampErrors(t *testing.T) {
	ctx := context.Background()
	base := models.StampManifest{Document: "a.pdf", Signature: "s.png", Page: 1}

	if _, err := Stamp(ctx, slog.Default(), base, []byte("garbage"), stampPNG(t)); !errors.Is(err, models.ErrDocumentLoad) {
		t.Errorf("invalid document: %v", err)
	}
	if _, err := Stamp(ctx, slog.Default(), base, testpdf.Blank(1), []byte("not an image")); !errors.Is(err, models.ErrNotImage) {
		t.Errorf("invalid signature: %v", err)
	}
	far := base
	far.Page = 5
	if _, err := Stamp(ctx, slog.Default(), far, testpdf.Blank(2), stampPNG(t)); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("page out of range: %v", err)
	}
	// Within the fixed manifest limit but far larger than a Letter page.
	huge := base
	huge.Placement = &models.PlacementRequest{X: 0, Y: 0, Width: 12000, Height: 100}
	if _, err := Stamp(ctx, slog.Default(), huge, testpdf.Blank(1), stampPNG(t)); !errors.Is(err, models.ErrBadPlacement) {
		t.Errorf("oversized placement: %v", err)
	}
}

func TestHashBytes(t *testing.T) {
	const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := hashBytes(nil); got != emptySHA256 {
		t.Errorf("hashBytes(nil) = %s", got)
	}
	if hashBytes([]byte("a")) == hashBytes([]byte("b")) {
		t.Error("different inputs hash equal")
	}
}
