package docstate

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Lllllllleong/documentsignflow/internal/models"
	"github.com/Lllllllleong/documentsignflow/internal/testpdf"
)

func sig(id string, page int) models.Annotation {
	return models.Annotation{
		ID:        id,
		Kind:      models.KindDrawn,
		ImageData: "data:image/png;base64,AA==",
		Placement: models.Placement{X: 1, Y: 2, Width: 3, Height: 4, Page: page},
	}
}

func loaded(t *testing.T, pages int) *Store {
	t.Helper()
	s := New()
	if _, _, err := s.Load("doc.pdf", testpdf.Blank(pages)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func TestLoad(t *testing.T) {
	s := New()
	n, first, err := s.Load("doc.pdf", testpdf.Blank(4))
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || first != 1 {
		t.Errorf("Load = (%d, %d), want (4, 1)", n, first)
	}
	want := State{Filename: "doc.pdf", CurrentPage: 1, TotalPages: 4, Loaded: true, Generation: 1}
	if diff := cmp.Diff(want, s.State()); diff != "" {
		t.Errorf("State mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadReplacesPreviousDocument(t *testing.T) {
	s := loaded(t, 3)
	s.SetCurrentPage(3)
	s.AddAnnotation(sig("a", 3))

	if _, _, err := s.Load("second.pdf", testpdf.Blank(2)); err != nil {
		t.Fatal(err)
	}
	if got := s.Annotations(); len(got) != 0 {
		t.Errorf("annotations survived reload: %v", got)
	}
	st := s.State()
	if st.CurrentPage != 1 || st.TotalPages != 2 || st.Filename != "second.pdf" {
		t.Errorf("state after reload = %+v", st)
	}
}

func TestLoadFailureKeepsState(t *testing.T) {
	s := loaded(t, 2)
	s.AddAnnotation(sig("a", 1))
	before := s.State()

	_, _, err := s.Load("bad.pdf", []byte("garbage"))
	if !errors.Is(err, models.ErrDocumentLoad) {
		t.Fatalf("Load error = %v, want ErrDocumentLoad", err)
	}
	if diff := cmp.Diff(before, s.State()); diff != "" {
		t.Errorf("state changed on failed load (-want +got):\n%s", diff)
	}
	if len(s.Annotations()) != 1 {
		t.Error("annotations lost on failed load")
	}
}

func TestSetCurrentPage(t *testing.T) {
	s := loaded(t, 3)
	tests := []struct {
		index   int
		changed bool
		want    int
	}{
		{2, true, 2},
		{0, false, 2},
		{4, false, 2},
		{-1, false, 2},
		{2, false, 2},
		{3, true, 3},
		{1, true, 1},
	}
	for _, tt := range tests {
		if got := s.SetCurrentPage(tt.index); got != tt.changed {
			t.Errorf("SetCurrentPage(%d) = %v, want %v", tt.index, got, tt.changed)
		}
		if got := s.State().CurrentPage; got != tt.want {
			t.Errorf("after SetCurrentPage(%d): page %d, want %d", tt.index, got, tt.want)
		}
	}
}

func TestSetCurrentPageWithoutDocument(t *testing.T) {
	s := New()
	if s.SetCurrentPage(1) {
		t.Error("page changed without a document")
	}
}

func TestAnnotations(t *testing.T) {
	s := loaded(t, 2)
	s.AddAnnotation(sig("a", 1))
	s.AddAnnotation(sig("b", 2))
	if n := len(s.Annotations()); n != 2 {
		t.Fatalf("count = %d, want 2", n)
	}
	if got, ok := s.Annotation("b"); !ok || got.Placement.Page != 2 {
		t.Errorf("Annotation(b) = %+v, %v", got, ok)
	}

	updated := sig("a", 1)
	updated.Placement.X = 99
	if !s.UpdateAnnotation(updated) {
		t.Error("UpdateAnnotation(a) = false")
	}
	if got, _ := s.Annotation("a"); got.Placement.X != 99 {
		t.Errorf("update not applied: %+v", got)
	}
	if s.UpdateAnnotation(sig("missing", 1)) {
		t.Error("UpdateAnnotation(missing) = true")
	}

	if s.RemoveAnnotation("missing") {
		t.Error("RemoveAnnotation(missing) = true")
	}
	if !s.RemoveAnnotation("a") {
		t.Error("RemoveAnnotation(a) = false")
	}
	got := s.Annotations()
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("remaining = %+v, want only b", got)
	}
	if onPage := s.AnnotationsOnPage(2); len(onPage) != 1 {
		t.Errorf("AnnotationsOnPage(2) = %v", onPage)
	}
}

func TestAddAnnotationWithExistingIDReplaces(t *testing.T) {
	s := loaded(t, 1)
	s.AddAnnotation(sig("a", 1))
	second := sig("a", 1)
	second.Kind = models.KindUploadedImage
	s.AddAnnotation(second)

	got := s.Annotations()
	if len(got) != 1 || got[0].Kind != models.KindUploadedImage {
		t.Errorf("annotations = %+v", got)
	}
}

func TestObserversSeeEventsInOrder(t *testing.T) {
	s := New()
	var kinds []EventKind
	unsubscribe := s.Subscribe(func(ev Event) {
		kinds = append(kinds, ev.Kind)
		// Re-entrant mutation: queued behind the current event.
		if ev.Kind == DocumentLoaded {
			s.SetCurrentPage(2)
		}
	})

	if _, _, err := s.Load("doc.pdf", testpdf.Blank(2)); err != nil {
		t.Fatal(err)
	}
	s.AddAnnotation(sig("a", 2))
	s.RemoveAnnotation("a")
	unsubscribe()
	s.Reset()

	want := []EventKind{DocumentLoaded, PageChanged, AnnotationAdded, AnnotationRemoved}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRasterizeCurrentPage(t *testing.T) {
	s := New()
	if _, _, err := s.RasterizeCurrentPage(context.Background()); !errors.Is(err, models.ErrNoDocument) {
		t.Fatalf("error = %v, want ErrNoDocument", err)
	}

	data := testpdf.Build(testpdf.Letter(), testpdf.Page{Width: 400, Height: 300}, testpdf.Letter())
	if _, _, err := s.Load("doc.pdf", data); err != nil {
		t.Fatal(err)
	}
	sizes := map[int][2]int{1: {918, 1188}, 2: {600, 450}, 3: {918, 1188}}
	for p := 1; p <= 3; p++ {
		s.SetCurrentPage(p)
		img, st, err := s.RasterizeCurrentPage(context.Background())
		if err != nil {
			t.Fatalf("page %d: %v", p, err)
		}
		if st.CurrentPage != p {
			t.Errorf("snapshot page = %d, want %d", st.CurrentPage, p)
		}
		b := img.Bounds()
		if got := [2]int{b.Dx(), b.Dy()}; got != sizes[p] {
			t.Errorf("page %d size = %v, want %v", p, got, sizes[p])
		}
	}
}

func TestReset(t *testing.T) {
	s := loaded(t, 2)
	s.AddAnnotation(sig("a", 1))
	s.Reset()
	st := s.State()
	if st.Loaded || st.TotalPages != 0 || s.Bytes() != nil || len(s.Annotations()) != 0 {
		t.Errorf("state after reset = %+v", st)
	}
}
