package postprocess

import (
	"image"
	"testing"

	"sitewatch/npu"
)

func comboFrame() []npu.Detection {
	return []npu.Detection{
		{ClassID: clsCigarette, Score: 0.8, Box: image.Rect(0, 0, 10, 10)},
		{ClassID: clsFace, Score: 0.8, Box: image.Rect(20, 20, 60, 60)},
	}
}

func emptyFrame() []npu.Detection { return nil }

func directFrame() []npu.Detection {
	return []npu.Detection{{ClassID: clsSmoking, Score: 0.9, Box: image.Rect(5, 5, 40, 40)}}
}

// Six co-occurrences in a ten-frame window clear the 0.6 immediate ratio.
func TestSmokingComboSixOfTen(t *testing.T) {
	d := NewSmokingDecoder()

	var last Result
	for i := 0; i < 6; i++ {
		last = d.Decode(comboFrame())
	}
	for i := 0; i < 4; i++ {
		last = d.Decode(emptyFrame())
	}
	if !last.Positive {
		t.Fatal("6/10 co-occurrence did not report positive")
	}
}

// Five of ten stays below the ratio once the window has filled.
func TestSmokingComboFiveOfTenNegative(t *testing.T) {
	d := NewSmokingDecoder()

	// Fill the window with the five misses first so the ratio is computed
	// over all ten samples.
	for i := 0; i < 5; i++ {
		d.Decode(emptyFrame())
	}
	var last Result
	for i := 0; i < 5; i++ {
		last = d.Decode(comboFrame())
	}
	if last.Positive {
		t.Fatal("5/10 co-occurrence reported positive")
	}
}

// A direct smoking detection is positive on its own frame, with no history.
func TestSmokingDirectSingleFrame(t *testing.T) {
	d := NewSmokingDecoder()

	r := d.Decode(directFrame())
	if !r.Positive {
		t.Fatal("direct smoking detection not positive")
	}
}

// The displayed status needs a full window at the stricter 0.7 ratio, and
// must fall back to negative once the signals stop.
func TestSmokingDisplayedStatusLifecycle(t *testing.T) {
	d := NewSmokingDecoder()

	for i := 0; i < 3; i++ {
		if r := d.Decode(directFrame()); r.Alert {
			t.Fatalf("alert raised at frame %d with a partial window", i+1)
		}
	}
	var r Result
	for i := 0; i < 7; i++ {
		r = d.Decode(directFrame())
	}
	if !r.Alert {
		t.Fatal("alert not raised with a full positive window")
	}
	if r.Status != "SMOKING DETECTED" {
		t.Fatalf("status = %q", r.Status)
	}
	if len(r.Detections) == 0 {
		t.Fatal("alerting frame carries no boxes")
	}

	for i := 0; i < 10; i++ {
		r = d.Decode(emptyFrame())
	}
	if r.Alert {
		t.Fatal("alert still raised after ten empty frames")
	}
	if r.Status != "No Smoking" {
		t.Fatalf("status = %q", r.Status)
	}
}

// Frames 1..6 carry face+cigarette, 7..10 nothing: the immediate verdict
// turns positive around frame 5-6 and the history drains back to negative.
func TestSmokingScriptedStream(t *testing.T) {
	d := NewSmokingDecoder()

	var results []Result
	for i := 0; i < 6; i++ {
		results = append(results, d.Decode(comboFrame()))
	}
	for i := 0; i < 4; i++ {
		results = append(results, d.Decode(emptyFrame()))
	}

	if !results[4].Positive || !results[5].Positive {
		t.Fatal("sustained co-occurrence not positive by frame 5")
	}

	// Keep feeding empty frames; both windows must drain.
	var last Result
	for i := 0; i < 10; i++ {
		last = d.Decode(emptyFrame())
	}
	if last.Positive || last.Alert {
		t.Fatal("verdict did not return to negative after the stream went quiet")
	}
}

func TestSmokingLowScoreIgnored(t *testing.T) {
	d := NewSmokingDecoder()

	weak := []npu.Detection{{ClassID: clsSmoking, Score: 0.3, Box: image.Rect(0, 0, 5, 5)}}
	if r := d.Decode(weak); r.Positive {
		t.Fatal("below-threshold smoking detection reported positive")
	}
}

func TestSmokingReset(t *testing.T) {
	d := NewSmokingDecoder()
	for i := 0; i < 10; i++ {
		d.Decode(directFrame())
	}
	d.Reset()
	if r := d.Decode(emptyFrame()); r.Positive || r.Alert {
		t.Fatal("state survived Reset")
	}
}
