// Package overlay renders detection results onto display frames. All drawing
// happens on a worker-owned clone; published frames are never touched.
package overlay

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"sitewatch/postprocess"
)

var (
	infoColor   = color.RGBA{255, 255, 255, 255}
	alertColor  = color.RGBA{255, 0, 0, 255}
	okColor     = color.RGBA{0, 255, 0, 255}
	labelInset  = 10
	labelBump   = 15
	statusPoint = image.Pt(10, 120)
)

// Meta carries the per-frame statistics drawn in the info block.
type Meta struct {
	Task       string
	Core       int
	FPS        float64
	Detections int64
	LatencyMS  float64
	QueueDepth int
}

// Renderer annotates frames for one task window.
type Renderer struct {
	task string
}

// NewRenderer creates a renderer for the named task.
func NewRenderer(task string) *Renderer {
	return &Renderer{task: task}
}

// Render draws boxes, labels, the info block and the optional status line
// onto frame in place.
func (r *Renderer) Render(frame *gocv.Mat, res postprocess.Result, meta Meta) {
	for _, det := range res.Detections {
		rect := image.Rect(det.Box[0], det.Box[1], det.Box[2], det.Box[3])
		gocv.Rectangle(frame, rect, det.Color, 2)

		label := fmt.Sprintf("%s %.2f", det.Label, det.Score)
		at := image.Pt(det.Box[0], det.Box[1]-labelInset)
		if at.Y < labelInset {
			at.Y = det.Box[1] + labelBump
		}
		gocv.PutText(frame, label, at, gocv.FontHersheySimplex, 0.6, det.Color, 2)
	}

	line := fmt.Sprintf("FPS: %.1f | Detections: %d", meta.FPS, meta.Detections)
	gocv.PutText(frame, line, image.Pt(10, 30), gocv.FontHersheySimplex, 0.7, infoColor, 2)

	line = fmt.Sprintf("Task: %s | Core: %d | Time: %.1fms", meta.Task, meta.Core, meta.LatencyMS)
	gocv.PutText(frame, line, image.Pt(10, 60), gocv.FontHersheySimplex, 0.6, infoColor, 2)

	line = fmt.Sprintf("Queue: %d", meta.QueueDepth)
	gocv.PutText(frame, line, image.Pt(10, 90), gocv.FontHersheySimplex, 0.5, infoColor, 2)

	if res.Status != "" {
		c := okColor
		if res.Alert {
			c = alertColor
		}
		gocv.PutText(frame, res.Status, statusPoint, gocv.FontHersheySimplex, 0.7, c, 2)
	}
}
