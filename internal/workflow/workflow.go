// Package workflow drives the page/annotation/export cycle: it displays the
// current page under an interactive overlay, turns committed signatures and
// uploaded images into annotation records, and flattens the overlay into the
// exported PDF.
package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Lllllllleong/documentsignflow/internal/capture"
	"github.com/Lllllllleong/documentsignflow/internal/docstate"
	"github.com/Lllllllleong/documentsignflow/internal/models"
	"github.com/Lllllllleong/documentsignflow/internal/overlay"
)

// PlacementScale is the linear scale applied to a new annotation raster.
const PlacementScale = 0.5

// Default position of a new annotation on the overlay.
const (
	DefaultX = 0
	DefaultY = 0
)

// MaxPlacementExtent bounds every placement coordinate and size, in
// page-raster pixels, when no page is displayed to measure against.
const MaxPlacementExtent = 1 << 14

// placementSlack is how many surface widths (or heights) a placement may
// reach beyond the displayed page.
const placementSlack = 4

// maxNotices bounds the per-session notification list.
const maxNotices = 50

// ErrCancelled is returned when a capture session ends without a raster.
var ErrCancelled = errors.New("signature capture cancelled")

// Phase is the orchestrator state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePageDisplayed
	PhaseAnnotating
	PhaseSelecting
	PhaseExporting
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePageDisplayed:
		return "page-displayed"
	case PhaseAnnotating:
		return "annotating"
	case PhaseSelecting:
		return "selecting"
	case PhaseExporting:
		return "exporting"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Exporter flattens overlay onto the 1-based page of data.
type Exporter func(data []byte, overlay image.Image, page int) ([]byte, error)

// Workflow is one editing session bound to a document store.
type Workflow struct {
	store  *docstate.Store
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
	export Exporter

	baseCtx     context.Context
	stop        context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup

	mu         sync.Mutex
	surface    *overlay.Surface
	gen        uint64
	inflight   *displayRequest
	displayed  docstate.State
	displayErr error
	images     map[string]image.Image
	annotating bool
	exporting  bool
	notices    []Notice

	selMu      sync.Mutex
	selectedID string
}

type displayRequest struct {
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// WithIDGenerator replaces the annotation id source.
func WithIDGenerator(fn func() string) Option {
	return func(w *Workflow) { w.newID = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(w *Workflow) { w.now = fn }
}

// WithExporter replaces the PDF flattening step.
func WithExporter(fn Exporter) Option {
	return func(w *Workflow) { w.export = fn }
}

// New binds a workflow to store. Call Close when the session ends.
func New(store *docstate.Store, opts ...Option) *Workflow {
	ctx, stop := context.WithCancel(context.Background())
	w := &Workflow{
		store:   store,
		logger:  slog.Default(),
		newID:   uuid.NewString,
		now:     time.Now,
		export:  FlattenOntoPage,
		baseCtx: ctx,
		stop:    stop,
		surface: overlay.New(0, 0),
		images:  make(map[string]image.Image),
	}
	for _, o := range opts {
		o(w)
	}
	w.surface.OnSelection(w.onSelection)
	w.unsubscribe = store.Subscribe(w.onStoreEvent)
	if store.State().Loaded {
		w.scheduleDisplay()
	}
	return w
}

// Close cancels pending renders and detaches from the store.
func (w *Workflow) Close() {
	w.unsubscribe()
	w.stop()
	w.wg.Wait()
}

// Store returns the underlying document store.
func (w *Workflow) Store() *docstate.Store {
	return w.store
}

func (w *Workflow) onStoreEvent(ev docstate.Event) {
	switch ev.Kind {
	case docstate.DocumentLoaded:
		w.mu.Lock()
		clear(w.images)
		w.mu.Unlock()
		w.scheduleDisplay()
	case docstate.PageChanged:
		w.scheduleDisplay()
	case docstate.DocumentReset:
		w.resetDisplay()
	}
}

func (w *Workflow) onSelection(ev overlay.SelectionEvent) {
	id := ""
	if ev.Selected != nil {
		id = ev.Selected.Tag
	}
	w.selMu.Lock()
	w.selectedID = id
	w.selMu.Unlock()
	w.logger.Debug("Overlay selection changed.", "kind", int(ev.Kind), "annotationId", id)
}

// scheduleDisplay starts rendering the current page. Any render still in
// flight is cancelled, and its result is dropped if it arrives anyway.
func (w *Workflow) scheduleDisplay() {
	w.mu.Lock()
	if w.inflight != nil {
		w.inflight.cancel()
	}
	w.gen++
	ctx, cancel := context.WithCancel(w.baseCtx)
	req := &displayRequest{gen: w.gen, cancel: cancel, done: make(chan struct{})}
	w.inflight = req
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.display(ctx, req)
	}()
}

func (w *Workflow) display(ctx context.Context, req *displayRequest) {
	defer close(req.done)
	defer req.cancel()

	img, st, err := w.store.RasterizeCurrentPage(ctx)
	records := w.store.AnnotationsOnPage(st.CurrentPage)

	w.mu.Lock()
	defer w.mu.Unlock()
	if req.gen != w.gen {
		w.logger.Debug("Discarding stale page render.", "page", st.CurrentPage, "generation", req.gen)
		return
	}
	if err != nil {
		w.surface.Clear()
		w.displayed = docstate.State{}
		w.displayErr = err
		w.noticeLocked(LevelError, "render", fmt.Sprintf("Page %d could not be displayed.", st.CurrentPage), err)
		return
	}

	b := img.Bounds()
	w.surface.Clear()
	w.surface.Resize(b.Dx(), b.Dy())
	w.surface.SetBackground(img)
	for _, a := range records {
		if err := w.placeLocked(a); err != nil {
			w.logger.Warn("Could not restore annotation on page.", "annotationId", a.ID, "page", a.Placement.Page, "error", err)
		}
	}
	w.displayed = st
	w.displayErr = nil
	w.logger.Debug("Page displayed.", "page", st.CurrentPage, "width", b.Dx(), "height", b.Dy(), "annotations", len(records))
}

// placeLocked puts a stored record back on the overlay at its placement.
func (w *Workflow) placeLocked(a models.Annotation) error {
	img, ok := w.images[a.ID]
	if !ok {
		_, data, err := capture.DecodeDataURL(a.ImageData)
		if err != nil {
			return err
		}
		img, err = decodeRaster(data)
		if err != nil {
			return err
		}
		w.images[a.ID] = img
	}
	o := w.surface.AddObject(img, a.Placement.X, a.Placement.Y, PlacementScale, a.ID)
	w.surface.Place(o, a.Placement.X, a.Placement.Y, a.Placement.Width, a.Placement.Height)
	return nil
}

func (w *Workflow) resetDisplay() {
	w.mu.Lock()
	if w.inflight != nil {
		w.inflight.cancel()
		w.inflight = nil
	}
	w.gen++
	w.surface.Clear()
	w.surface.SetBackground(nil)
	w.surface.Resize(0, 0)
	w.displayed = docstate.State{}
	w.displayErr = nil
	clear(w.images)
	w.mu.Unlock()
}

// WaitDisplayed blocks until the latest page request has been displayed and
// returns its render error, if any.
func (w *Workflow) WaitDisplayed(ctx context.Context) error {
	for {
		w.mu.Lock()
		req := w.inflight
		if req == nil {
			err := w.displayErr
			w.mu.Unlock()
			return err
		}
		w.mu.Unlock()

		select {
		case <-req.done:
		case <-ctx.Done():
			return ctx.Err()
		}

		w.mu.Lock()
		if w.inflight == req {
			w.inflight = nil
		}
		w.mu.Unlock()
	}
}

// LoadDocument replaces the session document with data and displays its
// first page. Annotations of the previous document are discarded.
func (w *Workflow) LoadDocument(ctx context.Context, filename string, data []byte) (int, error) {
	n, _, err := w.store.Load(filename, data)
	if err != nil {
		w.notice(LevelError, "load", fmt.Sprintf("%s could not be opened.", displayName(filename)), err)
		return 0, err
	}
	w.logger.Info("Document loaded.", "filename", filename, "pageCount", n)
	return n, w.WaitDisplayed(ctx)
}

// Reset discards the document: the explicit "new document" action.
func (w *Workflow) Reset() {
	w.store.Reset()
}

// GoToPage displays the 1-based page. Out-of-range indices are ignored.
func (w *Workflow) GoToPage(ctx context.Context, page int) error {
	if !w.store.State().Loaded {
		return models.ErrNoDocument
	}
	w.store.SetCurrentPage(page)
	return w.WaitDisplayed(ctx)
}

// NextPage moves forward one page unless already on the last.
func (w *Workflow) NextPage(ctx context.Context) error {
	return w.GoToPage(ctx, w.store.State().CurrentPage+1)
}

// PrevPage moves back one page unless already on the first.
func (w *Workflow) PrevPage(ctx context.Context) error {
	return w.GoToPage(ctx, w.store.State().CurrentPage-1)
}

// AwaitSignature waits for a capture session to end and places its raster.
// A cancelled session returns ErrCancelled.
func (w *Workflow) AwaitSignature(ctx context.Context, s *capture.Session) (models.Annotation, error) {
	select {
	case res := <-s.Done():
		return w.AddSignature(ctx, res)
	case <-ctx.Done():
		return models.Annotation{}, ctx.Err()
	}
}

// AddSignature places a committed drawing on the current page.
func (w *Workflow) AddSignature(ctx context.Context, res capture.Result) (models.Annotation, error) {
	if !res.Committed {
		return models.Annotation{}, ErrCancelled
	}
	return w.addRaster(ctx, models.KindDrawn, res)
}

// UploadImage places an uploaded image file on the current page.
func (w *Workflow) UploadImage(ctx context.Context, filename, contentType string, data []byte) (models.Annotation, error) {
	res, err := capture.FromUpload(filename, contentType, data)
	if err != nil {
		w.notice(LevelError, "upload", fmt.Sprintf("%s is not an image.", displayName(filename)), err)
		return models.Annotation{}, err
	}
	return w.addRaster(ctx, models.KindUploadedImage, res)
}

func (w *Workflow) addRaster(ctx context.Context, kind models.AnnotationKind, res capture.Result) (models.Annotation, error) {
	if err := w.WaitDisplayed(ctx); err != nil {
		return models.Annotation{}, err
	}

	w.mu.Lock()
	if !w.displayed.Loaded {
		w.mu.Unlock()
		return models.Annotation{}, models.ErrNoDocument
	}
	w.annotating = true
	w.mu.Unlock()

	img, err := decodeRaster(res.Data)

	w.mu.Lock()
	w.annotating = false
	if err != nil {
		w.noticeLocked(LevelError, "annotate", "The image could not be decoded.", err)
		w.mu.Unlock()
		return models.Annotation{}, err
	}
	id := w.newID()
	w.images[id] = img
	o := w.surface.AddObject(img, DefaultX, DefaultY, PlacementScale, id)
	a := models.Annotation{
		ID:        id,
		Kind:      kind,
		ImageData: res.DataURL,
		Placement: models.Placement{
			X:      o.X,
			Y:      o.Y,
			Width:  o.Width(),
			Height: o.Height(),
			Page:   w.displayed.CurrentPage,
		},
	}
	w.mu.Unlock()

	w.store.AddAnnotation(a)
	w.logger.Info("Annotation placed.", "annotationId", id, "kind", kind, "page", a.Placement.Page)
	return a, nil
}

// MoveAnnotation moves and resizes an annotation. The record keeps its page.
func (w *Workflow) MoveAnnotation(id string, x, y, width, height float64) (models.Annotation, error) {
	a, ok := w.store.Annotation(id)
	if !ok {
		return models.Annotation{}, fmt.Errorf("annotation %s: %w", id, models.ErrNotFound)
	}

	w.mu.Lock()
	sw, sh := w.surface.Size()
	if err := CheckPlacement(x, y, width, height, sw, sh); err != nil {
		w.mu.Unlock()
		return models.Annotation{}, fmt.Errorf("annotation %s: %w", id, err)
	}
	if o, ok := w.surface.Find(id); ok {
		w.surface.Place(o, x, y, width, height)
	}
	w.mu.Unlock()

	a.Placement.X, a.Placement.Y = x, y
	a.Placement.Width, a.Placement.Height = width, height
	w.store.UpdateAnnotation(a)
	return a, nil
}

// CheckPlacement rejects a placement that is not finite, has no area, or
// reaches more than a few page sizes beyond a pageWidth x pageHeight raster.
// A zero page size checks against MaxPlacementExtent instead.
func CheckPlacement(x, y, width, height float64, pageWidth, pageHeight int) error {
	for _, v := range []float64{x, y, width, height} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value %v", models.ErrBadPlacement, v)
		}
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: size %vx%v must be positive", models.ErrBadPlacement, width, height)
	}
	maxX, maxY := float64(MaxPlacementExtent), float64(MaxPlacementExtent)
	if pageWidth > 0 && pageHeight > 0 {
		maxX = float64(placementSlack * pageWidth)
		maxY = float64(placementSlack * pageHeight)
	}
	if width > maxX || height > maxY || math.Abs(x) > maxX || math.Abs(y) > maxY {
		return fmt.Errorf("%w: %vx%v at (%v, %v) exceeds %vx%v", models.ErrBadPlacement, width, height, x, y, maxX, maxY)
	}
	return nil
}

// Select makes the overlay object with the given id the selection.
func (w *Workflow) Select(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	o, ok := w.surface.Find(id)
	if !ok {
		return false
	}
	return w.surface.Select(o)
}

// SelectAt selects the topmost object under (x, y), or clears the
// selection when there is none.
func (w *Workflow) SelectAt(x, y float64) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	o := w.surface.HitTest(x, y)
	if o == nil {
		w.surface.ClearSelection()
		return "", false
	}
	w.surface.Select(o)
	return o.Tag, true
}

// ClearSelection deselects.
func (w *Workflow) ClearSelection() {
	w.mu.Lock()
	w.surface.ClearSelection()
	w.mu.Unlock()
}

// SelectedID returns the id of the selected annotation, or "".
func (w *Workflow) SelectedID() string {
	w.selMu.Lock()
	defer w.selMu.Unlock()
	return w.selectedID
}

// DeleteSelected removes the selected object and its record. With no
// selection it does nothing.
func (w *Workflow) DeleteSelected() (string, bool) {
	w.mu.Lock()
	o := w.surface.Selected()
	if o == nil {
		w.mu.Unlock()
		return "", false
	}
	w.surface.RemoveObject(o)
	delete(w.images, o.Tag)
	w.mu.Unlock()

	w.store.RemoveAnnotation(o.Tag)
	w.logger.Info("Annotation deleted.", "annotationId", o.Tag)
	return o.Tag, true
}

// HandleKey maps Delete and Backspace to DeleteSelected.
func (w *Workflow) HandleKey(key string) (string, bool) {
	switch key {
	case "Delete", "Backspace":
		return w.DeleteSelected()
	}
	return "", false
}

// RemoveAnnotation deletes an annotation by id, on or off the current page.
func (w *Workflow) RemoveAnnotation(id string) bool {
	w.mu.Lock()
	if o, ok := w.surface.Find(id); ok {
		w.surface.RemoveObject(o)
	}
	delete(w.images, id)
	w.mu.Unlock()
	return w.store.RemoveAnnotation(id)
}

// Preview renders the displayed page with its overlay as PNG.
func (w *Workflow) Preview(ctx context.Context) ([]byte, error) {
	if err := w.WaitDisplayed(ctx); err != nil {
		return nil, err
	}
	img, err := w.composite()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrRender, err)
	}
	return buf.Bytes(), nil
}

func (w *Workflow) composite() (*image.RGBA, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.displayed.Loaded {
		return nil, models.ErrNoDocument
	}
	return w.surface.Composite(), nil
}

func decodeRaster(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNotImage, err)
	}
	if b := img.Bounds(); b.Empty() {
		return nil, fmt.Errorf("%w: empty raster", models.ErrNotImage)
	}
	return img, nil
}

func displayName(filename string) string {
	if filename == "" {
		return "The file"
	}
	return filename
}
