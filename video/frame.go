package video

import (
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"
)

// Frame is one captured image shared by every consumer of a capture. The
// pixel buffer is never written after the frame is published; consumers that
// need to draw must Clone first. The underlying Mat is released when the last
// holder calls Release.
type Frame struct {
	ID       int64
	Mat      gocv.Mat
	Width    int
	Height   int
	Captured time.Time

	refs int32
}

// NewFrame wraps mat in a Frame with one reference. The Frame takes ownership
// of mat.
func NewFrame(id int64, mat gocv.Mat) *Frame {
	return &Frame{
		ID:       id,
		Mat:      mat,
		Width:    mat.Cols(),
		Height:   mat.Rows(),
		Captured: time.Now(),
		refs:     1,
	}
}

// Retain adds a reference and returns the same frame.
func (f *Frame) Retain() *Frame {
	atomic.AddInt32(&f.refs, 1)
	return f
}

// Release drops one reference, closing the Mat when the count reaches zero.
func (f *Frame) Release() {
	if atomic.AddInt32(&f.refs, -1) == 0 {
		f.Mat.Close()
	}
}

// Refs reports the current reference count.
func (f *Frame) Refs() int {
	return int(atomic.LoadInt32(&f.refs))
}

// Clone returns a deep copy of the pixel buffer for mutation. The caller owns
// the returned Mat.
func (f *Frame) Clone() gocv.Mat {
	return f.Mat.Clone()
}
