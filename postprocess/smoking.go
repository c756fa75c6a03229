package postprocess

import "sitewatch/npu"

// Smoking model class ids.
const (
	clsCigarette = 0
	clsFace      = 1
	clsSmoking   = 2
)

// Temporal guard parameters. The immediate verdict fires on a direct smoking
// detection or on sustained face+cigarette co-occurrence; the displayed
// status requires the stricter ratio over a full window.
const (
	guardWindow     = 10
	comboRatio      = 0.6
	comboMinSamples = 5
	displayRatio    = 0.7
)

// slidingWindow keeps the last guardWindow boolean samples.
type slidingWindow struct {
	samples []bool
}

func (w *slidingWindow) push(v bool) {
	w.samples = append(w.samples, v)
	if len(w.samples) > guardWindow {
		w.samples = w.samples[1:]
	}
}

func (w *slidingWindow) ratio() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	hits := 0
	for _, v := range w.samples {
		if v {
			hits++
		}
	}
	return float64(hits) / float64(len(w.samples))
}

func (w *slidingWindow) size() int { return len(w.samples) }

// SmokingDecoder applies the two-stage temporal guard on top of the raw
// cigarette/face/smoking classes. It is stateful per task instance.
type SmokingDecoder struct {
	combo    slidingWindow
	verdicts slidingWindow
}

// NewSmokingDecoder returns a decoder with empty history.
func NewSmokingDecoder() *SmokingDecoder {
	return &SmokingDecoder{}
}

func (s *SmokingDecoder) Task() string { return "smoking" }

// Decode records this frame's signals and produces the immediate verdict
// (Positive) and the displayed one (Alert). Boxes are attached only when the
// displayed status is positive, so a transient co-occurrence never flashes
// an overlay.
func (s *SmokingDecoder) Decode(raw []npu.Detection) Result {
	var hasFace, hasCigarette, hasSmoking bool
	for _, d := range raw {
		if d.Score < SmokingThresh {
			continue
		}
		switch d.ClassID {
		case clsCigarette:
			hasCigarette = true
		case clsFace:
			hasFace = true
		case clsSmoking:
			hasSmoking = true
		}
	}

	s.combo.push(hasFace && hasCigarette)

	positive := hasSmoking ||
		(s.combo.ratio() >= comboRatio && s.combo.size() >= comboMinSamples)

	s.verdicts.push(positive)
	alert := s.verdicts.size() >= guardWindow && s.verdicts.ratio() >= displayRatio

	r := Result{Positive: positive, Alert: alert}
	if alert {
		for _, d := range raw {
			if d.Score < SmokingThresh {
				continue
			}
			switch d.ClassID {
			case clsSmoking:
				r.Detections = append(r.Detections, Detection{
					Label: "smoking", Score: d.Score, Box: box(d), Color: SmokingColor,
				})
			case clsCigarette, clsFace:
				if hasFace && hasCigarette {
					r.Detections = append(r.Detections, Detection{
						Label: "smoking", Score: d.Score, Box: box(d), Color: SmokingColor,
					})
				}
			}
		}
	}
	if alert {
		r.Status = "SMOKING DETECTED"
	} else {
		r.Status = "No Smoking"
	}
	return r
}

// Reset clears both windows.
func (s *SmokingDecoder) Reset() {
	s.combo = slidingWindow{}
	s.verdicts = slidingWindow{}
}
