package workflow

import (
	"time"

	"github.com/Lllllllleong/documentsignflow/internal/docstate"
	"github.com/Lllllllleong/documentsignflow/internal/models"
)

// Level is the severity of a notice.
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notice is a user-facing notification. Notices never block an operation.
type Notice struct {
	Time      time.Time `json:"time"`
	Level     Level     `json:"level"`
	Operation string    `json:"operation"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
}

func (w *Workflow) notice(level Level, op, msg string, err error) {
	w.mu.Lock()
	w.noticeLocked(level, op, msg, err)
	w.mu.Unlock()
}

func (w *Workflow) noticeLocked(level Level, op, msg string, err error) {
	n := Notice{Time: w.now(), Level: level, Operation: op, Message: msg}
	if err != nil {
		n.Detail = err.Error()
		w.logger.Warn(msg, "operation", op, "error", err)
	}
	w.notices = append(w.notices, n)
	if len(w.notices) > maxNotices {
		w.notices = w.notices[len(w.notices)-maxNotices:]
	}
}

// Notices returns and clears the pending notices.
func (w *Workflow) Notices() []Notice {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := w.notices
	w.notices = nil
	return out
}

// View is a snapshot of the session for presentation.
type View struct {
	Phase       Phase
	Document    docstate.State
	Width       int
	Height      int
	SelectedID  string
	OnPage      []models.Annotation
	Annotations []models.Annotation
	CanPrev     bool
	CanNext     bool
}

// View returns the current session snapshot without waiting for renders.
func (w *Workflow) View() View {
	all := w.store.Annotations()

	w.mu.Lock()
	defer w.mu.Unlock()
	v := View{
		Phase:       w.phaseLocked(),
		Document:    w.displayed,
		Annotations: all,
	}
	v.Width, v.Height = w.surface.Size()
	if o := w.surface.Selected(); o != nil {
		v.SelectedID = o.Tag
	}
	for _, a := range all {
		if w.displayed.Loaded && a.Placement.Page == w.displayed.CurrentPage {
			v.OnPage = append(v.OnPage, a)
		}
	}
	v.CanPrev = w.displayed.Loaded && w.displayed.CurrentPage > 1
	v.CanNext = w.displayed.Loaded && w.displayed.CurrentPage < w.displayed.TotalPages
	return v
}

// Phase returns the current orchestrator state.
func (w *Workflow) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phaseLocked()
}

func (w *Workflow) phaseLocked() Phase {
	switch {
	case w.exporting:
		return PhaseExporting
	case w.annotating:
		return PhaseAnnotating
	case !w.displayed.Loaded:
		return PhaseIdle
	case w.surface.Selected() != nil:
		return PhaseSelecting
	}
	return PhasePageDisplayed
}
