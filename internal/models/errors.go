package models

import "errors"

// Error taxonomy shared by all components. Wrap with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	ErrDocumentLoad  = errors.New("document could not be loaded")
	ErrRender        = errors.New("page could not be rendered")
	ErrEmbed         = errors.New("raster could not be embedded")
	ErrEncode        = errors.New("document could not be serialized")
	ErrCapture       = errors.New("drawing surface produced no raster")
	ErrNoDocument    = errors.New("no document loaded")
	ErrNotImage      = errors.New("not an image")
	ErrSessionClosed = errors.New("capture session already closed")
	ErrNotFound      = errors.New("not found")
	ErrBadPlacement  = errors.New("placement out of range")
	ErrExportRunning = errors.New("export already running")
)
