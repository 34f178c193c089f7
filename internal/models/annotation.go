package models

// AnnotationKind tells how the raster of an annotation was produced.
type AnnotationKind string

const (
	KindDrawn         AnnotationKind = "drawn"
	KindUploadedImage AnnotationKind = "uploaded-image"
)

// Placement is the position and size of an annotation in page-raster
// coordinates (the page rendered at the fixed zoom), plus its 1-based page.
// Export records store it in Firestore.
type Placement struct {
	X      float64 `json:"x" firestore:"x"`
	Y      float64 `json:"y" firestore:"y"`
	Width  float64 `json:"width" firestore:"width"`
	Height float64 `json:"height" firestore:"height"`
	Page   int     `json:"page" firestore:"page"`
}

// Annotation is a placed signature or image. ImageData holds the raster as
// a data URL.
type Annotation struct {
	ID        string         `json:"id"`
	Kind      AnnotationKind `json:"kind"`
	ImageData string         `json:"imageData,omitempty"`
	Placement Placement      `json:"placement"`
}
