// Package docstate holds the state of the document being annotated: the raw
// bytes, page count, current page and the annotation records.
//
// Every mutation is published to subscribers synchronously and in order.
// Observers may call back into the store; events raised during delivery are
// queued and delivered after the current one.
package docstate

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"

	"github.com/Lllllllleong/documentsignflow/internal/models"
	"github.com/Lllllllleong/documentsignflow/internal/render"
)

// RenderScale is the fixed zoom at which pages are rasterized.
const RenderScale = 1.5

// Renderer is an opened document as seen by the store.
type Renderer interface {
	PageCount() int
	RenderPage(ctx context.Context, index int, scale float64) (*image.RGBA, error)
}

// Opener parses document bytes. It must fail with models.ErrDocumentLoad on
// invalid input.
type Opener func(data []byte) (Renderer, error)

// OpenPDF is the default Opener backed by the render package.
func OpenPDF(data []byte) (Renderer, error) {
	doc, err := render.Open(data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// State is a snapshot of the document fields.
type State struct {
	Filename    string
	CurrentPage int
	TotalPages  int
	Loaded      bool
	// Generation increments on every load and reset.
	Generation uint64
}

// EventKind identifies what changed.
type EventKind int

const (
	DocumentLoaded EventKind = iota + 1
	DocumentReset
	PageChanged
	AnnotationAdded
	AnnotationUpdated
	AnnotationRemoved
)

func (k EventKind) String() string {
	switch k {
	case DocumentLoaded:
		return "document-loaded"
	case DocumentReset:
		return "document-reset"
	case PageChanged:
		return "page-changed"
	case AnnotationAdded:
		return "annotation-added"
	case AnnotationUpdated:
		return "annotation-updated"
	case AnnotationRemoved:
		return "annotation-removed"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is delivered to observers after a mutation.
type Event struct {
	Kind         EventKind
	State        State
	AnnotationID string
}

// Observer receives events.
type Observer func(Event)

// Store is scoped to one editing session.
type Store struct {
	open   Opener
	logger *slog.Logger

	mu          sync.Mutex
	raw         []byte
	doc         Renderer
	state       State
	annotations []models.Annotation
	observers   map[int]Observer
	nextObs     int
	pending     []Event
	delivering  bool
}

// Option configures a Store.
type Option func(*Store)

// WithOpener replaces the document parser.
func WithOpener(open Opener) Option {
	return func(s *Store) { s.open = open }
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		open:      OpenPDF,
		logger:    slog.Default(),
		observers: make(map[int]Observer),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Subscribe registers obs and returns a function that removes it.
func (s *Store) Subscribe(obs Observer) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = obs
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Load parses data and replaces the whole state with it: previous bytes and
// annotations are discarded. On error the store is left untouched.
func (s *Store) Load(filename string, data []byte) (pageCount, firstPage int, err error) {
	doc, err := s.open(data)
	if err != nil {
		return 0, 0, fmt.Errorf("load %q: %w", filename, err)
	}
	n := doc.PageCount()
	if n <= 0 {
		return 0, 0, fmt.Errorf("load %q: %w: document has no pages", filename, models.ErrDocumentLoad)
	}

	s.mu.Lock()
	s.raw = slices.Clone(data)
	s.doc = doc
	s.annotations = nil
	s.state = State{
		Filename:    filename,
		CurrentPage: 1,
		TotalPages:  n,
		Loaded:      true,
		Generation:  s.state.Generation + 1,
	}
	s.enqueueLocked(Event{Kind: DocumentLoaded})
	s.mu.Unlock()
	s.deliver()

	s.logger.Debug("Document loaded.", "filename", filename, "pageCount", n, "bytes", len(data))
	return n, 1, nil
}

// Reset drops the document and all annotations.
func (s *Store) Reset() {
	s.mu.Lock()
	s.raw, s.doc, s.annotations = nil, nil, nil
	s.state = State{Generation: s.state.Generation + 1}
	s.enqueueLocked(Event{Kind: DocumentReset})
	s.mu.Unlock()
	s.deliver()
}

// State returns the current snapshot.
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bytes returns a copy of the loaded document, or nil.
func (s *Store) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.raw)
}

// SetCurrentPage moves to the 1-based page index. Indices outside
// [1, TotalPages] and the current index leave the state unchanged; the
// return value reports whether the page changed.
func (s *Store) SetCurrentPage(index int) bool {
	s.mu.Lock()
	if !s.state.Loaded || index < 1 || index > s.state.TotalPages || index == s.state.CurrentPage {
		s.mu.Unlock()
		return false
	}
	s.state.CurrentPage = index
	s.enqueueLocked(Event{Kind: PageChanged})
	s.mu.Unlock()
	s.deliver()
	return true
}

// AddAnnotation appends a record. IDs are chosen by the caller; adding an id
// that already exists replaces that record.
func (s *Store) AddAnnotation(a models.Annotation) {
	s.mu.Lock()
	if i := s.indexLocked(a.ID); i >= 0 {
		s.annotations[i] = a
	} else {
		s.annotations = append(s.annotations, a)
	}
	s.enqueueLocked(Event{Kind: AnnotationAdded, AnnotationID: a.ID})
	s.mu.Unlock()
	s.deliver()
}

// UpdateAnnotation replaces the record with the same id. It reports false,
// and changes nothing, when no record matches.
func (s *Store) UpdateAnnotation(a models.Annotation) bool {
	s.mu.Lock()
	i := s.indexLocked(a.ID)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.annotations[i] = a
	s.enqueueLocked(Event{Kind: AnnotationUpdated, AnnotationID: a.ID})
	s.mu.Unlock()
	s.deliver()
	return true
}

// RemoveAnnotation deletes the record with the given id, if any.
func (s *Store) RemoveAnnotation(id string) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.annotations = slices.Delete(s.annotations, i, i+1)
	s.enqueueLocked(Event{Kind: AnnotationRemoved, AnnotationID: id})
	s.mu.Unlock()
	s.deliver()
	return true
}

// Annotation looks a record up by id.
func (s *Store) Annotation(id string) (models.Annotation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.annotations[i], true
	}
	return models.Annotation{}, false
}

// Annotations returns all records in insertion order.
func (s *Store) Annotations() []models.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.annotations)
}

// AnnotationsOnPage returns the records placed on the 1-based page.
func (s *Store) AnnotationsOnPage(page int) []models.Annotation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Annotation
	for _, a := range s.annotations {
		if a.Placement.Page == page {
			out = append(out, a)
		}
	}
	return out
}

// RasterizeCurrentPage renders the current page at RenderScale. The returned
// state is the snapshot the raster was produced for, so callers can detect
// that the document or page changed while rendering.
func (s *Store) RasterizeCurrentPage(ctx context.Context) (*image.RGBA, State, error) {
	s.mu.Lock()
	doc, st := s.doc, s.state
	s.mu.Unlock()

	if !st.Loaded {
		return nil, st, models.ErrNoDocument
	}
	img, err := doc.RenderPage(ctx, st.CurrentPage, RenderScale)
	if err != nil {
		return nil, st, fmt.Errorf("rasterize page %d: %w", st.CurrentPage, err)
	}
	return img, st, nil
}

func (s *Store) indexLocked(id string) int {
	return slices.IndexFunc(s.annotations, func(a models.Annotation) bool { return a.ID == id })
}

func (s *Store) enqueueLocked(ev Event) {
	ev.State = s.state
	s.pending = append(s.pending, ev)
}

// deliver drains the event queue unless another call is already doing so.
func (s *Store) deliver() {
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	for len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		ids := make([]int, 0, len(s.observers))
		for id := range s.observers {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		obs := make([]Observer, 0, len(ids))
		for _, id := range ids {
			obs = append(obs, s.observers[id])
		}
		s.mu.Unlock()
		for _, o := range obs {
			o(ev)
		}
		s.mu.Lock()
	}
	s.delivering = false
	s.mu.Unlock()
}
