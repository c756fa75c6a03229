package npu

import "image"

// Letterbox describes the pad-to-square transform applied before inference
// so detections can be mapped back to source coordinates.
type Letterbox struct {
	InputSize     int
	ContentWidth  int
	ContentHeight int
	XOffset       int
	YOffset       int
	SrcWidth      int
	SrcHeight     int
}

// FitLetterbox computes the letterbox placing a srcW x srcH image inside an
// inputSize square while preserving aspect ratio.
func FitLetterbox(srcW, srcH, inputSize int) Letterbox {
	lb := Letterbox{InputSize: inputSize, SrcWidth: srcW, SrcHeight: srcH}
	if srcW >= srcH {
		lb.ContentWidth = inputSize
		lb.ContentHeight = inputSize * srcH / srcW
	} else {
		lb.ContentHeight = inputSize
		lb.ContentWidth = inputSize * srcW / srcH
	}
	lb.XOffset = (inputSize - lb.ContentWidth) / 2
	lb.YOffset = (inputSize - lb.ContentHeight) / 2
	return lb
}

// MapBack converts a box in model-input coordinates to source-image
// coordinates, removing the letterbox offset and rescaling. The result is
// clamped to the source bounds.
func (lb Letterbox) MapBack(box image.Rectangle) image.Rectangle {
	if lb.ContentWidth == 0 || lb.ContentHeight == 0 {
		return image.Rectangle{}
	}
	x1 := (box.Min.X - lb.XOffset) * lb.SrcWidth / lb.ContentWidth
	y1 := (box.Min.Y - lb.YOffset) * lb.SrcHeight / lb.ContentHeight
	x2 := (box.Max.X - lb.XOffset) * lb.SrcWidth / lb.ContentWidth
	y2 := (box.Max.Y - lb.YOffset) * lb.SrcHeight / lb.ContentHeight
	return image.Rect(x1, y1, x2, y2).Intersect(image.Rect(0, 0, lb.SrcWidth, lb.SrcHeight))
}
