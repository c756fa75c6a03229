package npu

import (
	"fmt"
	"image"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

const dnnInputSize = 640

// DNNRuntime backs the runtime interface with the OpenCV DNN module. It is
// the development stand-in for the SoC runtime; the contract is identical,
// including the one-context-per-core discipline. The DNN backend has no core
// mask, so BindCore only records the index for attribution.
type DNNRuntime struct{}

// NewDNNRuntime returns a runtime that loads ONNX-exported detectors.
func NewDNNRuntime() *DNNRuntime {
	return &DNNRuntime{}
}

// LoadModel reads the network at path. Each call produces an independent
// network instance so contexts never share state.
func (r *DNNRuntime) LoadModel(path string) (Context, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrModelLoad, path, err)
	}
	net := gocv.ReadNet(path, "")
	if net.Empty() {
		return nil, fmt.Errorf("%w: %s: unreadable network", ErrModelLoad, path)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)
	log.WithField("model", path).Debug("network loaded")
	return &dnnContext{net: net, core: -1}, nil
}

type dnnContext struct {
	net  gocv.Net
	core int
	mu   sync.Mutex
}

func (c *dnnContext) BindCore(core int) error {
	if core < 0 || core >= NumCores {
		return fmt.Errorf("npu: core %d out of range", core)
	}
	c.core = core
	return nil
}

func (c *dnnContext) Core() int { return c.core }

// Infer letterboxes img into the network input square, runs a forward pass
// and maps detections back to img coordinates. The mutex guards against
// misuse; the pool's static binding means it is never contended.
func (c *dnnContext) Infer(img gocv.Mat) ([]Detection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lb := FitLetterbox(img.Cols(), img.Rows(), dnnInputSize)

	square := gocv.NewMatWithSize(dnnInputSize, dnnInputSize, gocv.MatTypeCV8UC3)
	defer square.Close()
	square.SetTo(gocv.NewScalar(0, 0, 0, 0))

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, image.Pt(lb.ContentWidth, lb.ContentHeight), 0, 0, gocv.InterpolationLinear)

	roi := square.Region(image.Rect(lb.XOffset, lb.YOffset, lb.XOffset+lb.ContentWidth, lb.YOffset+lb.ContentHeight))
	resized.CopyTo(&roi)
	roi.Close()

	blob := gocv.BlobFromImage(square, 1.0/255.0, image.Pt(dnnInputSize, dnnInputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	c.net.SetInput(blob, "")
	output := c.net.Forward("")
	defer output.Close()

	var dets []Detection
	for i := 0; i < output.Rows(); i++ {
		row := output.RowRange(i, i+1)
		data := row.Clone()

		scores := data.ColRange(4, data.Cols())
		_, maxVal, _, maxLoc := gocv.MinMaxLoc(scores)
		classID := maxLoc.X
		score := maxVal

		if score >= 0.25 {
			cx := data.GetFloatAt(0, 0) * dnnInputSize
			cy := data.GetFloatAt(0, 1) * dnnInputSize
			w := data.GetFloatAt(0, 2) * dnnInputSize
			h := data.GetFloatAt(0, 3) * dnnInputSize

			box := image.Rect(
				int(cx-w/2), int(cy-h/2),
				int(cx+w/2), int(cy+h/2),
			)
			dets = append(dets, Detection{
				ClassID: classID,
				Score:   score,
				Box:     lb.MapBack(box),
			})
		}

		scores.Close()
		data.Close()
		row.Close()
	}

	return dets, nil
}

func (c *dnnContext) Close() error {
	return c.net.Close()
}
