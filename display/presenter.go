package display

import (
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Presenter owns the native window toolkit. The toolkit is single-threaded;
// every call goes through the serializer goroutine.
type Presenter interface {
	// Show presents frame in the named window, creating it on first use.
	Show(window string, frame gocv.Mat)

	// PollKey polls keyboard input for up to timeoutMS milliseconds and
	// returns the pressed key code, or a negative value if none.
	PollKey(timeoutMS int) int

	// Destroy closes every window created by Show.
	Destroy()
}

// WindowPresenter presents frames in native windows.
type WindowPresenter struct {
	windows map[string]*gocv.Window
}

// NewWindowPresenter returns a presenter with no windows yet.
func NewWindowPresenter() *WindowPresenter {
	return &WindowPresenter{windows: make(map[string]*gocv.Window)}
}

func (p *WindowPresenter) Show(window string, frame gocv.Mat) {
	w, ok := p.windows[window]
	if !ok {
		w = gocv.NewWindow(window)
		p.windows[window] = w
		log.WithField("window", window).Info("window created")
	}
	w.IMShow(frame)
}

func (p *WindowPresenter) PollKey(timeoutMS int) int {
	return gocv.WaitKey(timeoutMS)
}

func (p *WindowPresenter) Destroy() {
	for name, w := range p.windows {
		if err := w.Close(); err != nil {
			log.WithField("window", name).WithError(err).Warn("window close failed")
		}
	}
	p.windows = make(map[string]*gocv.Window)
}
