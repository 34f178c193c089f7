package workflow

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"path"
	"strings"
	"time"

	"github.com/Lllllllleong/documentsignflow/internal/docstate"
	"github.com/Lllllllleong/documentsignflow/internal/models"
	"github.com/Lllllllleong/documentsignflow/internal/pdfedit"
)

// ExportPrefix is prepended to the original filename of an export.
const ExportPrefix = "signed-"

// Export is a finished, downloadable document.
type Export struct {
	Filename        string
	Data            []byte
	Page            int
	PageCount       int
	AnnotationCount int
	// Placements are the flattened annotations, topmost last.
	Placements []models.Placement
}

// exportSnapshot is what an export needs from the displayed page.
type exportSnapshot struct {
	flat       image.Image
	state      docstate.State
	placements []models.Placement
}

// Export flattens the overlay of the displayed page into that page of a
// fresh copy of the document. On failure a notice is recorded and nothing
// is produced.
func (w *Workflow) Export(ctx context.Context) (*Export, error) {
	if err := w.WaitDisplayed(ctx); err != nil {
		return nil, err
	}

	snap, err := w.beginExport()
	if err != nil {
		return nil, err
	}
	defer func() {
		w.mu.Lock()
		w.exporting = false
		w.mu.Unlock()
	}()

	st := snap.state
	count := len(snap.placements)
	logCtx := w.logger.With("filename", st.Filename, "page", st.CurrentPage)
	logCtx.Info("Exporting document.", "annotations", count)

	out, err := w.export(w.store.Bytes(), snap.flat, st.CurrentPage)
	if err != nil {
		logCtx.Error("Export failed.", "error", err)
		w.notice(LevelError, "export", "The document could not be exported.", err)
		return nil, err
	}

	name := ExportFilename(st.Filename, w.now())
	logCtx.Info("Export ready.", "output", name, "bytes", len(out))
	w.notice(LevelInfo, "export", fmt.Sprintf("%s is ready.", name), nil)
	return &Export{
		Filename:        name,
		Data:            out,
		Page:            st.CurrentPage,
		PageCount:       st.TotalPages,
		AnnotationCount: count,
		Placements:      snap.placements,
	}, nil
}

// beginExport marks an export as running and flattens the overlay. The
// caller clears w.exporting when it succeeds.
func (w *Workflow) beginExport() (exportSnapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.displayed.Loaded {
		return exportSnapshot{}, models.ErrNoDocument
	}
	if w.exporting {
		return exportSnapshot{}, models.ErrExportRunning
	}

	objects := w.surface.Objects()
	placements := make([]models.Placement, 0, len(objects))
	for _, o := range objects {
		placements = append(placements, models.Placement{
			X:      o.X,
			Y:      o.Y,
			Width:  o.Width(),
			Height: o.Height(),
			Page:   w.displayed.CurrentPage,
		})
	}
	flat := w.surface.Flatten()
	w.exporting = true
	return exportSnapshot{flat: flat, state: w.displayed, placements: placements}, nil
}

// FlattenOntoPage draws overlay over the whole of the 1-based page of data.
// The overlay is stretched to the page width with its aspect ratio kept.
func FlattenOntoPage(data []byte, overlay image.Image, page int) ([]byte, error) {
	doc, err := pdfedit.Open(data)
	if err != nil {
		return nil, err
	}
	size, err := doc.PageSize(page - 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEmbed, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, overlay); err != nil {
		return nil, fmt.Errorf("%w: overlay: %v", models.ErrEmbed, err)
	}
	img, err := doc.EmbedRasterImage(buf.Bytes())
	if err != nil {
		return nil, err
	}
	if err := doc.DrawImage(page-1, img, pdfedit.Rect{Width: size.Width, Height: size.Height}); err != nil {
		return nil, err
	}
	return doc.Serialize()
}

// ExportFilename names the output of an export.
func ExportFilename(original string, now time.Time) string {
	base := path.Base(strings.ReplaceAll(original, "\\", "/"))
	if original == "" || base == "." || base == "/" {
		return fmt.Sprintf("%sdocument-%d.pdf", ExportPrefix, now.Unix())
	}
	return ExportPrefix + base
}
