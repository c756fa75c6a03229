// Package npu adapts the neural-network runtime behind the pipeline. The
// accelerator exposes independent cores; one loaded model instance is bound
// to one core and used by exactly one worker at a time.
package npu

import (
	"errors"
	"image"

	"gocv.io/x/gocv"
)

// NumCores is the number of independent accelerator cores on the target SoC.
const NumCores = 3

// ErrModelLoad wraps failures to initialize a model artifact.
var ErrModelLoad = errors.New("npu: model load failed")

// Detection is one raw network output mapped back to source-image
// coordinates. Class semantics belong to the per-task decoders.
type Detection struct {
	ClassID int
	Score   float32
	Box     image.Rectangle
}

// Context is one instance of a loaded model bound to one accelerator core.
// Contexts are exclusive resources: they are not clonable and must never be
// used by two inference calls concurrently.
type Context interface {
	// BindCore pins the context to the given core index.
	BindCore(core int) error

	// Core returns the bound core index, or -1 before BindCore.
	Core() int

	// Infer runs the network on img and returns raw detections in img
	// coordinates. img is read, never written.
	Infer(img gocv.Mat) ([]Detection, error)

	// Close releases the runtime handle.
	Close() error
}

// Runtime creates model contexts. Each LoadModel call yields an independent
// instance; callers create one per core.
type Runtime interface {
	LoadModel(path string) (Context, error)
}
