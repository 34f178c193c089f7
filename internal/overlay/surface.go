// Package overlay is the interactive layer drawn above a rendered page:
// tagged raster objects that can be selected, moved, resized and removed,
// and flattened into a single transparent raster.
package overlay

import (
	"image"
	"image/draw"
	"math"
	"slices"
	"sync"

	xdraw "golang.org/x/image/draw"
)

// Object is a raster placed on the surface. X and Y are the top-left corner;
// the displayed size is the source size times ScaleX/ScaleY.
type Object struct {
	Tag            string
	Image          image.Image
	X, Y           float64
	ScaleX, ScaleY float64
}

// Width is the displayed width.
func (o *Object) Width() float64 { return float64(o.Image.Bounds().Dx()) * o.ScaleX }

// Height is the displayed height.
func (o *Object) Height() float64 { return float64(o.Image.Bounds().Dy()) * o.ScaleY }

// Rect is the displayed bounds rounded outwards to whole pixels.
func (o *Object) Rect() image.Rectangle {
	return image.Rect(
		int(math.Floor(o.X)), int(math.Floor(o.Y)),
		int(math.Ceil(o.X+o.Width())), int(math.Ceil(o.Y+o.Height())),
	)
}

// SelectionKind describes a selection change.
type SelectionKind int

const (
	SelectionCreated SelectionKind = iota + 1
	SelectionUpdated
	SelectionCleared
)

// SelectionEvent is emitted whenever the selected object changes. Selected
// is nil for SelectionCleared.
type SelectionEvent struct {
	Kind     SelectionKind
	Selected *Object
}

// Surface holds the overlay objects for one displayed page.
type Surface struct {
	mu         sync.Mutex
	width      int
	height     int
	background image.Image
	objects    []*Object
	selected   *Object
	listeners  []func(SelectionEvent)
}

// New returns an empty surface of the given pixel size.
func New(width, height int) *Surface {
	return &Surface{width: width, height: height}
}

// Size returns the surface dimensions.
func (s *Surface) Size() (width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Resize changes the surface dimensions. Objects are kept as they are.
func (s *Surface) Resize(width, height int) {
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()
}

// SetBackground sets the non-interactive layer under the objects.
func (s *Surface) SetBackground(img image.Image) {
	s.mu.Lock()
	s.background = img
	s.mu.Unlock()
}

// Background returns the background layer, or nil.
func (s *Surface) Background() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.background
}

// OnSelection registers a listener for selection changes. Listeners run
// synchronously after the surface lock is released.
func (s *Surface) OnSelection(fn func(SelectionEvent)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// AddObject places img with its top-left corner at (x, y), uniformly scaled.
func (s *Surface) AddObject(img image.Image, x, y, scale float64, tag string) *Object {
	o := &Object{Tag: tag, Image: img, X: x, Y: y, ScaleX: scale, ScaleY: scale}
	s.mu.Lock()
	s.objects = append(s.objects, o)
	s.mu.Unlock()
	return o
}

// Objects returns the objects in stacking order, bottom first.
func (s *Surface) Objects() []*Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.objects)
}

// Find returns the object carrying tag.
func (s *Surface) Find(tag string) (*Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.objects {
		if o.Tag == tag {
			return o, true
		}
	}
	return nil, false
}

// RemoveObject takes o off the surface, clearing the selection if o was
// selected.
func (s *Surface) RemoveObject(o *Object) bool {
	s.mu.Lock()
	i := slices.Index(s.objects, o)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.objects = slices.Delete(s.objects, i, i+1)
	var ev *SelectionEvent
	if s.selected == o {
		s.selected = nil
		ev = &SelectionEvent{Kind: SelectionCleared}
	}
	s.mu.Unlock()
	if ev != nil {
		s.emit(*ev)
	}
	return true
}

// Clear removes every object.
func (s *Surface) Clear() {
	s.mu.Lock()
	s.objects = nil
	hadSelection := s.selected != nil
	s.selected = nil
	s.mu.Unlock()
	if hadSelection {
		s.emit(SelectionEvent{Kind: SelectionCleared})
	}
}

// Select makes o the selected object. Selecting an object that is not on
// the surface is ignored.
func (s *Surface) Select(o *Object) bool {
	s.mu.Lock()
	if !slices.Contains(s.objects, o) {
		s.mu.Unlock()
		return false
	}
	if s.selected == o {
		s.mu.Unlock()
		return true
	}
	kind := SelectionCreated
	if s.selected != nil {
		kind = SelectionUpdated
	}
	s.selected = o
	s.mu.Unlock()
	s.emit(SelectionEvent{Kind: kind, Selected: o})
	return true
}

// ClearSelection deselects the current object, if any.
func (s *Surface) ClearSelection() {
	s.mu.Lock()
	had := s.selected != nil
	s.selected = nil
	s.mu.Unlock()
	if had {
		s.emit(SelectionEvent{Kind: SelectionCleared})
	}
}

// Selected returns the selected object or nil.
func (s *Surface) Selected() *Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// HitTest returns the topmost object containing (x, y).
func (s *Surface) HitTest(x, y float64) *Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.objects) - 1; i >= 0; i-- {
		o := s.objects[i]
		if x >= o.X && x < o.X+o.Width() && y >= o.Y && y < o.Y+o.Height() {
			return o
		}
	}
	return nil
}

// Place moves and resizes o to the given displayed bounds.
func (s *Surface) Place(o *Object, x, y, width, height float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := o.Image.Bounds()
	o.X, o.Y = x, y
	if b.Dx() > 0 && width > 0 {
		o.ScaleX = width / float64(b.Dx())
	}
	if b.Dy() > 0 && height > 0 {
		o.ScaleY = height / float64(b.Dy())
	}
}

// Flatten draws the objects, without the background, into one transparent
// raster the size of the surface.
func (s *Surface) Flatten() *image.NRGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := image.NewNRGBA(image.Rect(0, 0, s.width, s.height))
	s.drawObjectsLocked(dst)
	return dst
}

// Composite draws the background and then the objects.
func (s *Surface) Composite() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	if s.background != nil {
		draw.Draw(dst, dst.Bounds(), s.background, s.background.Bounds().Min, draw.Src)
	}
	s.drawObjectsLocked(dst)
	return dst
}

func (s *Surface) drawObjectsLocked(dst draw.Image) {
	for _, o := range s.objects {
		r := o.Rect()
		if r.Empty() || !r.Overlaps(dst.Bounds()) {
			continue
		}
		xdraw.CatmullRom.Scale(dst, r, o.Image, o.Image.Bounds(), xdraw.Over, nil)
	}
}

func (s *Surface) emit(ev SelectionEvent) {
	s.mu.Lock()
	ls := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range ls {
		fn(ev)
	}
}
