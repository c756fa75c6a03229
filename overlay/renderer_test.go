package overlay

import (
	"testing"

	"gocv.io/x/gocv"

	"sitewatch/postprocess"
)

func TestRenderDrawsOnFrame(t *testing.T) {
	frame := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer frame.Close()

	res := postprocess.Result{
		Detections: []postprocess.Detection{
			{Label: "helmet", Score: 0.91, Box: [4]int{40, 40, 120, 120}, Color: postprocess.HelmetColor},
		},
		Positive: true,
		Alert:    true,
		Status:   "SMOKING DETECTED",
	}

	r := NewRenderer("helmet")
	r.Render(&frame, res, Meta{Task: "helmet", Core: 1, FPS: 12.5, Detections: 3, LatencyMS: 18.2})

	// The box edge must have left a mark on an otherwise black frame.
	marked := false
	for x := 40; x <= 120 && !marked; x++ {
		v := frame.GetVecbAt(40, x)
		if v[0] != 0 || v[1] != 0 || v[2] != 0 {
			marked = true
		}
	}
	if !marked {
		t.Fatal("render left the frame untouched")
	}
}

func TestRenderLabelNearTopStaysInside(t *testing.T) {
	frame := gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC3)
	defer frame.Close()

	res := postprocess.Result{
		Detections: []postprocess.Detection{
			{Label: "flame", Score: 0.5, Box: [4]int{5, 2, 60, 50}, Color: postprocess.FlameColor},
		},
	}

	// Must not panic when the label would land above the frame.
	NewRenderer("flame").Render(&frame, res, Meta{Task: "flame"})
}
