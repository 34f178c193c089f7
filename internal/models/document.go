package models

import "time"

// Stamp job statuses recorded in Firestore.
const (
	StatusValidating = "VALIDATING"
	StatusStamping   = "STAMPING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// StampJob is the Firestore record for one batch stamping request.
// It tracks the overall status and metadata of the job.
type StampJob struct {
	ManifestObject   string    `firestore:"manifestObject,omitempty"`
	FileHash         string    `firestore:"fileHash,omitempty"`
	OriginalFilename string    `firestore:"originalFilename,omitempty"`
	Status           string    `firestore:"status,omitempty"`
	ErrorDetails     string    `firestore:"errorDetails,omitempty"`
	PageCount        int       `firestore:"pageCount,omitempty"`
	StampedPage      int       `firestore:"stampedPage,omitempty"`
	OutputGCSUri     string    `firestore:"outputGcsUri,omitempty"`
	CreatedAt        time.Time `firestore:"createdAt,omitempty"`
}

// ExportRecord is written once per successful interactive export when
// Firestore is configured. Placements are where the flattened annotations
// landed on the exported page.
type ExportRecord struct {
	SessionID        string      `firestore:"sessionId"`
	OriginalFilename string      `firestore:"originalFilename,omitempty"`
	OutputFilename   string      `firestore:"outputFilename"`
	OutputGCSUri     string      `firestore:"outputGcsUri,omitempty"`
	Page             int         `firestore:"page"`
	PageCount        int         `firestore:"pageCount"`
	AnnotationCount  int         `firestore:"annotationCount"`
	Placements       []Placement `firestore:"placements,omitempty"`
	FileHash         string      `firestore:"fileHash"`
	CreatedAt        time.Time   `firestore:"createdAt"`
}
