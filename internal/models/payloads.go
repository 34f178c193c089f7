package models

// These structs define the JSON payloads of the annotator HTTP API and the
// manifest consumed by the signature stamper.

// CreateSessionResponse is returned by POST /sessions.
type CreateSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// DocumentState mirrors the document store fields.
type DocumentState struct {
	Filename    string `json:"filename,omitempty"`
	CurrentPage int    `json:"currentPage"`
	TotalPages  int    `json:"totalPages"`
	Loaded      bool   `json:"loaded"`
}

// SessionView is the full state of an annotator session.
type SessionView struct {
	SessionID   string        `json:"sessionId"`
	Phase       string        `json:"phase"`
	Document    DocumentState `json:"document"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	CanPrev     bool          `json:"canPrev"`
	CanNext     bool          `json:"canNext"`
	SelectedID  string        `json:"selectedId,omitempty"`
	OnPage      []Annotation  `json:"onPage"`
	Annotations []Annotation  `json:"annotations"`
	Capturing   bool          `json:"capturing"`
	Notices     []Notice      `json:"notices,omitempty"`
}

// Notice is a user-facing notification.
type Notice struct {
	Level     string `json:"level"`
	Operation string `json:"operation"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
}

// PageRequest is the body of POST /sessions/{id}/page.
type PageRequest struct {
	Page int `json:"page"`
}

// StrokeRequest is one pen-down to pen-up gesture on the capture surface.
type StrokeRequest struct {
	Points [][2]float64 `json:"points"`
}

// CaptureResponse reports the capture surface after a change.
type CaptureResponse struct {
	Open    bool `json:"open"`
	Strokes int  `json:"strokes"`
	Width   int  `json:"width"`
	Height  int  `json:"height"`
}

// PlacementRequest is the body of PUT /sessions/{id}/annotations/{annId}.
type PlacementRequest struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// SelectionRequest selects an annotation. An empty ID clears the selection.
type SelectionRequest struct {
	ID string `json:"id"`
}

// KeyRequest is a key press routed to the overlay.
type KeyRequest struct {
	Key string `json:"key"`
}

// DeleteResponse reports what a delete removed.
type DeleteResponse struct {
	Deleted bool   `json:"deleted"`
	ID      string `json:"id,omitempty"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StampManifest asks the stamper to place an image on one page of a PDF.
// Object names are relative to the bucket the manifest was uploaded to.
type StampManifest struct {
	Document  string            `json:"document"`
	Signature string            `json:"signature"`
	Page      int               `json:"page"`
	Placement *PlacementRequest `json:"placement,omitempty"`
}
