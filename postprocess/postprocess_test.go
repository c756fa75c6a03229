package postprocess

import (
	"image"
	"testing"

	"sitewatch/npu"
)

func det(classID int, score float32) npu.Detection {
	return npu.Detection{ClassID: classID, Score: score, Box: image.Rect(10, 10, 50, 50)}
}

func TestHelmetLabelsAndColors(t *testing.T) {
	d, err := NewDecoder("helmet")
	if err != nil {
		t.Fatal(err)
	}

	r := d.Decode([]npu.Detection{det(0, 0.9), det(1, 0.8)})
	if len(r.Detections) != 2 {
		t.Fatalf("detections = %d, want 2", len(r.Detections))
	}
	if r.Detections[0].Label != "no_helmet" || r.Detections[0].Color != NoHelmetColor {
		t.Fatalf("class 0 decoded as %q", r.Detections[0].Label)
	}
	if r.Detections[1].Label != "helmet" || r.Detections[1].Color != HelmetColor {
		t.Fatalf("class 1 decoded as %q", r.Detections[1].Label)
	}
	if !r.Positive {
		t.Fatal("helmet result not positive with detections present")
	}
}

func TestHelmetDropsUnknownAndLowScore(t *testing.T) {
	d, _ := NewDecoder("helmet")

	r := d.Decode([]npu.Detection{det(7, 0.9), det(0, 0.1)})
	if len(r.Detections) != 0 {
		t.Fatalf("unknown/low-score detections kept: %v", r.Detections)
	}
	if r.Positive {
		t.Fatal("empty result reported positive")
	}
}

func TestFlameDecoder(t *testing.T) {
	d, _ := NewDecoder("flame")

	r := d.Decode([]npu.Detection{det(0, 0.5), det(3, 0.9)})
	if len(r.Detections) != 1 {
		t.Fatalf("detections = %d, want 1", len(r.Detections))
	}
	if r.Detections[0].Label != "flame" || r.Detections[0].Color != FlameColor {
		t.Fatalf("flame decoded as %q", r.Detections[0].Label)
	}
}

func TestFaceDecoderNames(t *testing.T) {
	d, _ := NewDecoder("face")

	r := d.Decode([]npu.Detection{det(1, 0.9), det(9, 0.9), det(0, 0.3)})
	if len(r.Detections) != 1 {
		t.Fatalf("detections = %d, want 1", len(r.Detections))
	}
	if r.Detections[0].Label != "Chen Junjie" {
		t.Fatalf("face class 1 decoded as %q", r.Detections[0].Label)
	}
}

func TestMeterDecoder(t *testing.T) {
	d, _ := NewDecoder("meter")

	r := d.Decode([]npu.Detection{det(1, 0.3), det(2, 0.4)})
	if len(r.Detections) != 2 {
		t.Fatalf("meter decode = %+v", r.Detections)
	}
	if r.Detections[0].Label != "pointer" || r.Detections[1].Label != "scale" {
		t.Fatalf("meter labels = %q, %q", r.Detections[0].Label, r.Detections[1].Label)
	}
}

func TestMeterDecoderDropsBackground(t *testing.T) {
	d, _ := NewDecoder("meter")

	r := d.Decode([]npu.Detection{det(0, 0.9), det(3, 0.9), det(1, 0.1)})
	if len(r.Detections) != 0 {
		t.Fatalf("background/unknown/low-score kept: %+v", r.Detections)
	}
	if r.Positive {
		t.Fatal("background-only frame reported positive")
	}
}

func TestUnknownTask(t *testing.T) {
	if _, err := NewDecoder("juggling"); err == nil {
		t.Fatal("unknown task accepted")
	}
}
