package camera

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Device abstracts the capture hardware behind the arbiter so the capture
// loop and the re-open path do not care which backend produced it.
type Device interface {
	Read(dst *gocv.Mat) bool
	Set(prop gocv.VideoCaptureProperties, value float64)
	Get(prop gocv.VideoCaptureProperties) float64
	IsOpened() bool
	Close() error
}

// Opener opens the device with the given id on a specific capture API.
type Opener func(id int, api gocv.VideoCaptureAPI) (Device, error)

// GocvOpener opens a local capture device through gocv.
func GocvOpener(id int, api gocv.VideoCaptureAPI) (Device, error) {
	cap, err := gocv.VideoCaptureDeviceWithAPI(id, api)
	if err != nil {
		return nil, err
	}
	return cap, nil
}

// mjpgFourcc is the motion-JPEG FOURCC code as the capture property expects
// it.
var mjpgFourcc = float64(int('M') | int('J')<<8 | int('P')<<16 | int('G')<<24)

// backends lists capture APIs in preference order.
var backends = []gocv.VideoCaptureAPI{gocv.VideoCaptureV4L2, gocv.VideoCaptureAny}

// configure applies the capture knobs in the order the hardware wants them:
// pixel format first, then buffer depth, resolution, frame rate, and the
// focus/exposure defaults.
func configure(dev Device, width, height, fps int) {
	dev.Set(gocv.VideoCaptureFOURCC, mjpgFourcc)
	dev.Set(gocv.VideoCaptureBufferSize, 2)
	dev.Set(gocv.VideoCaptureFrameWidth, float64(width))
	dev.Set(gocv.VideoCaptureFrameHeight, float64(height))
	dev.Set(gocv.VideoCaptureFPS, float64(fps))
	dev.Set(gocv.VideoCaptureAutoFocus, 0)
	dev.Set(gocv.VideoCaptureAutoExposure, 1)

	log.WithFields(log.Fields{
		"width":  int(dev.Get(gocv.VideoCaptureFrameWidth)),
		"height": int(dev.Get(gocv.VideoCaptureFrameHeight)),
		"fps":    dev.Get(gocv.VideoCaptureFPS),
		"buffer": dev.Get(gocv.VideoCaptureBufferSize),
	}).Info("capture configured")
}

// probe measures actual throughput over a short burst of reads and returns
// the measured FPS.
func probe(dev Device, frames int) float64 {
	scratch := gocv.NewMat()
	defer scratch.Close()

	got := 0
	start := time.Now()
	for i := 0; i < frames; i++ {
		if dev.Read(&scratch) && !scratch.Empty() {
			got++
		}
	}
	elapsed := time.Since(start)
	if elapsed <= 0 {
		return 0
	}
	return float64(got) / elapsed.Seconds()
}

// candidateIDs returns the fallback open order: the requested id followed by
// ids 0..5, deduplicated.
func candidateIDs(requested int) []int {
	ids := []int{requested}
	seen := map[int]bool{requested: true}
	for i := 0; i <= 5; i++ {
		if !seen[i] {
			ids = append(ids, i)
			seen[i] = true
		}
	}
	return ids
}

// openDevice walks the candidate ids and backends until one device opens,
// configures and passes the throughput probe.
func openDevice(opener Opener, requested, width, height, fps, probeFrames int, minFPS float64) (Device, int, error) {
	for _, id := range candidateIDs(requested) {
		for _, api := range backends {
			dev, err := opener(id, api)
			if err != nil || dev == nil {
				continue
			}
			if !dev.IsOpened() {
				dev.Close()
				continue
			}

			configure(dev, width, height, fps)

			measured := probe(dev, probeFrames)
			if measured < minFPS {
				log.WithFields(log.Fields{
					"device": id,
					"fps":    fmt.Sprintf("%.1f", measured),
					"floor":  minFPS,
				}).Warn("throughput below floor, trying next backend")
				dev.Close()
				continue
			}

			log.WithFields(log.Fields{
				"device": id,
				"api":    int(api),
				"fps":    fmt.Sprintf("%.1f", measured),
			}).Info("device opened")
			return dev, id, nil
		}
	}
	return nil, 0, fmt.Errorf("camera: no usable device (requested %d)", requested)
}
