// Package capture implements the signature drawing session and the image
// upload path that stands in for it.
package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"golang.org/x/image/vector"

	"github.com/Lllllllleong/documentsignflow/internal/models"
	"github.com/Lllllllleong/documentsignflow/internal/raster"
)

// Drawing surface configuration.
const (
	Width      = 500
	Height     = 200
	BrushWidth = 2
)

// BrushColor is the ink of every stroke.
var BrushColor = color.Black

// Point is a position on the drawing surface.
type Point = raster.Point

// Result is how a session ends. Committed results carry the raster.
type Result struct {
	Committed bool
	MIMEType  string
	Data      []byte
	DataURL   string
}

// Session is one open → {committed | cancelled} drawing interaction.
type Session struct {
	mu      sync.Mutex
	strokes [][]Point
	closed  bool
	done    chan Result
}

// Open starts a session with a blank surface.
func Open() *Session {
	return &Session{done: make(chan Result, 1)}
}

// Done yields the single outcome of the session once it is committed or
// cancelled.
func (s *Session) Done() <-chan Result {
	return s.done
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// AddStroke records a freehand stroke. Points outside the surface are kept
// and clipped at rasterization time.
func (s *Session) AddStroke(points []Point) error {
	if len(points) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.ErrSessionClosed
	}
	s.strokes = append(s.strokes, append([]Point(nil), points...))
	return nil
}

// StrokeCount returns the number of strokes drawn since the last clear.
func (s *Session) StrokeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.strokes)
}

// Clear erases all strokes.
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.ErrSessionClosed
	}
	s.strokes = nil
	return nil
}

// Commit rasterizes the surface, ends the session and returns the raster.
// A blank surface still commits a transparent image.
func (s *Session) Commit() (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Result{}, models.ErrSessionClosed
	}
	data, err := encodePNG(s.rasterizeLocked())
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", models.ErrCapture, err)
	}
	res := Result{Committed: true, MIMEType: "image/png", Data: data, DataURL: EncodeDataURL("image/png", data)}
	s.closeLocked(res)
	return res, nil
}

// Cancel ends the session without a raster.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closeLocked(Result{})
	}
}

func (s *Session) closeLocked(res Result) {
	s.closed = true
	s.strokes = nil
	s.done <- res
	close(s.done)
}

func (s *Session) rasterizeLocked() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, Width, Height))
	if len(s.strokes) == 0 {
		return img
	}
	z := vector.NewRasterizer(Width, Height)
	for _, st := range s.strokes {
		raster.Stroke(z, st, BrushWidth)
	}
	raster.Paint(img, z, BrushColor)
	return img
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
