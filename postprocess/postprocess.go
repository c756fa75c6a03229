// Package postprocess turns raw network outputs into labeled detections for
// one task. Decoders own the class-id semantics of their model; unknown ids
// are dropped rather than guessed at.
package postprocess

import (
	"fmt"
	"image/color"

	"sitewatch/npu"
)

// Overlay colors per detection kind.
var (
	HelmetColor   = color.RGBA{0, 255, 0, 255}
	NoHelmetColor = color.RGBA{255, 0, 0, 255}
	FlameColor    = color.RGBA{255, 100, 0, 255}
	SmokingColor  = color.RGBA{0, 0, 255, 255}
	FaceColor     = color.RGBA{0, 255, 255, 255}
	MeterColor    = color.RGBA{255, 255, 0, 255}
)

// Confidence and NMS thresholds per task.
const (
	BoxThresh     = 0.25
	NMSThresh     = 0.45
	SmokingThresh = 0.5
	FaceThresh    = 0.5
	FaceNMSThresh = 0.5
	MeterThresh   = 0.25
)

// Detection is one decoded, displayable detection.
type Detection struct {
	Label string
	Score float32
	Box   [4]int // left, top, right, bottom
	Color color.RGBA
}

// Result is one decoded frame. Positive reports the task's own verdict for
// the frame; Alert is the stricter displayed status (identical for every
// task except smoking, which applies a temporal guard). Status, when
// non-empty, is rendered as a status line on the annotated frame.
type Result struct {
	Detections []Detection
	Positive   bool
	Alert      bool
	Status     string
}

// Decoder maps raw detections of one task's model to labeled results.
// Decoders may be stateful (the smoking guard keeps a sliding window) and
// are owned by a single task; calls are serialized by the caller.
type Decoder interface {
	Task() string
	Decode(raw []npu.Detection) Result
}

// NewDecoder returns the decoder for a task name.
func NewDecoder(task string) (Decoder, error) {
	switch task {
	case "helmet":
		return &helmetDecoder{}, nil
	case "flame":
		return &flameDecoder{}, nil
	case "smoking":
		return NewSmokingDecoder(), nil
	case "face":
		return &faceDecoder{}, nil
	case "meter":
		return &meterDecoder{}, nil
	}
	return nil, fmt.Errorf("postprocess: unknown task %q", task)
}

// TaskNames lists every task a decoder exists for.
func TaskNames() []string {
	return []string{"helmet", "flame", "smoking", "face", "meter"}
}

func box(d npu.Detection) [4]int {
	return [4]int{d.Box.Min.X, d.Box.Min.Y, d.Box.Max.X, d.Box.Max.Y}
}

type helmetDecoder struct{}

func (helmetDecoder) Task() string { return "helmet" }

func (helmetDecoder) Decode(raw []npu.Detection) Result {
	var r Result
	for _, d := range raw {
		if d.Score < BoxThresh {
			continue
		}
		switch d.ClassID {
		case 0:
			r.Detections = append(r.Detections, Detection{
				Label: "no_helmet", Score: d.Score, Box: box(d), Color: NoHelmetColor,
			})
		case 1:
			r.Detections = append(r.Detections, Detection{
				Label: "helmet", Score: d.Score, Box: box(d), Color: HelmetColor,
			})
		}
	}
	r.Positive = len(r.Detections) > 0
	r.Alert = r.Positive
	return r
}

type flameDecoder struct{}

func (flameDecoder) Task() string { return "flame" }

func (flameDecoder) Decode(raw []npu.Detection) Result {
	var r Result
	for _, d := range raw {
		if d.Score < BoxThresh || d.ClassID != 0 {
			continue
		}
		r.Detections = append(r.Detections, Detection{
			Label: "flame", Score: d.Score, Box: box(d), Color: FlameColor,
		})
	}
	r.Positive = len(r.Detections) > 0
	r.Alert = r.Positive
	return r
}

// faceNames maps recognized face class ids to enrolled person names.
var faceNames = map[int]string{
	0: "Fan Zheyang",
	1: "Chen Junjie",
	2: "Zhang Ruirui",
}

type faceDecoder struct{}

func (faceDecoder) Task() string { return "face" }

func (faceDecoder) Decode(raw []npu.Detection) Result {
	var r Result
	for _, d := range raw {
		if d.Score < FaceThresh {
			continue
		}
		name, ok := faceNames[d.ClassID]
		if !ok {
			continue
		}
		r.Detections = append(r.Detections, Detection{
			Label: name, Score: d.Score, Box: box(d), Color: FaceColor,
		})
	}
	r.Positive = len(r.Detections) > 0
	r.Alert = r.Positive
	return r
}

// meterNames maps meter model class ids to labels; class 0 is background
// and is never reported.
var meterNames = map[int]string{
	1: "pointer",
	2: "scale",
}

type meterDecoder struct{}

func (meterDecoder) Task() string { return "meter" }

func (meterDecoder) Decode(raw []npu.Detection) Result {
	var r Result
	for _, d := range raw {
		if d.Score < MeterThresh {
			continue
		}
		name, ok := meterNames[d.ClassID]
		if !ok {
			continue
		}
		r.Detections = append(r.Detections, Detection{
			Label: name, Score: d.Score, Box: box(d), Color: MeterColor,
		})
	}
	r.Positive = len(r.Detections) > 0
	r.Alert = r.Positive
	return r
}
