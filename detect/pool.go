// Package detect runs one worker pool per detection task. Each worker owns
// exactly one model context bound to one accelerator core, so the pool keeps
// every core busy without ever sharing a context between concurrent
// inference calls.
package detect

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"sitewatch/npu"
	"sitewatch/overlay"
	"sitewatch/postprocess"
	"sitewatch/video"
)

const takeTimeout = 100 * time.Millisecond

// TaskConfig describes one detection task.
type TaskConfig struct {
	Name      string
	ModelPath string
	Workers   int
}

// Source is the per-task frame feed; satisfied by the fan-out buffer.
type Source interface {
	Take(name string, timeout time.Duration) (*video.Frame, bool)
	Depth(name string) int
}

// Sink receives annotated frames; satisfied by the display serializer. The
// sink takes ownership of the submitted Mat.
type Sink interface {
	Submit(window string, frame gocv.Mat)
}

// Stats is a point-in-time snapshot of one pool. FPS covers the interval
// since the previous snapshot. ByLabel tallies detections per decoded label
// (helmet vs no_helmet and so on).
type Stats struct {
	Task       string
	Detections int64
	ByLabel    map[string]int64
	FPS        float64
	QueueDepth int
	InferFails int64
}

// Pool multiplexes one task across the accelerator cores.
type Pool struct {
	cfg     TaskConfig
	source  Source
	sink    Sink
	runtime npu.Runtime

	decoder  postprocess.Decoder
	renderer *overlay.Renderer
	window   string

	contexts []npu.Context

	// decodeMu serializes the stateful decoder and keeps the per-label
	// tallies in step with the detection total; it is never held across an
	// inference call.
	decodeMu    sync.Mutex
	labelCounts map[string]int64

	running atomic.Bool
	wg      sync.WaitGroup

	detections atomic.Int64
	inferFails atomic.Int64

	fpsMu     sync.Mutex
	fpsFrames int64
	fpsStart  time.Time
}

// NewPool builds a pool for cfg. Worker count defaults to the core count.
func NewPool(cfg TaskConfig, source Source, sink Sink, rt npu.Runtime) (*Pool, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = npu.NumCores
	}
	dec, err := postprocess.NewDecoder(cfg.Name)
	if err != nil {
		return nil, err
	}
	return &Pool{
		cfg:         cfg,
		source:      source,
		sink:        sink,
		runtime:     rt,
		decoder:     dec,
		renderer:    overlay.NewRenderer(cfg.Name),
		window:      cfg.Name + " Detection",
		labelCounts: make(map[string]int64),
	}, nil
}

// Window is the display window name the pool submits to.
func (p *Pool) Window() string { return p.window }

// Start loads one model context per worker, binds each to its core and
// spawns the workers. A load failure releases what was created and is fatal
// to the task.
func (p *Pool) Start() error {
	if p.running.Load() {
		return nil
	}

	for i := 0; i < p.cfg.Workers; i++ {
		ctx, err := p.runtime.LoadModel(p.cfg.ModelPath)
		if err != nil {
			p.releaseContexts()
			return fmt.Errorf("task %s: %w", p.cfg.Name, err)
		}
		if err := ctx.BindCore(i % npu.NumCores); err != nil {
			ctx.Close()
			p.releaseContexts()
			return fmt.Errorf("task %s: %w", p.cfg.Name, err)
		}
		p.contexts = append(p.contexts, ctx)
	}

	p.running.Store(true)
	p.fpsMu.Lock()
	p.fpsStart = time.Now()
	p.fpsFrames = 0
	p.fpsMu.Unlock()

	for i, ctx := range p.contexts {
		p.wg.Add(1)
		go p.worker(i, ctx)
	}
	log.WithFields(log.Fields{"task": p.cfg.Name, "workers": p.cfg.Workers}).Info("task started")
	return nil
}

// Stop flags the workers down, joins them and releases the model contexts in
// reverse order of creation. Idempotent.
func (p *Pool) Stop() {
	if !p.running.Swap(false) {
		return
	}
	p.wg.Wait()
	p.releaseContexts()
	log.WithField("task", p.cfg.Name).Info("task stopped")
}

func (p *Pool) releaseContexts() {
	for i := len(p.contexts) - 1; i >= 0; i-- {
		if err := p.contexts[i].Close(); err != nil {
			log.WithFields(log.Fields{"task": p.cfg.Name, "core": i}).WithError(err).Warn("context release failed")
		}
	}
	p.contexts = nil
}

// Snapshot returns current counters; the FPS window resets on every call.
func (p *Pool) Snapshot() Stats {
	p.fpsMu.Lock()
	elapsed := time.Since(p.fpsStart).Seconds()
	frames := p.fpsFrames
	p.fpsFrames = 0
	p.fpsStart = time.Now()
	p.fpsMu.Unlock()

	fps := 0.0
	if elapsed > 0 {
		fps = float64(frames) / elapsed
	}
	p.decodeMu.Lock()
	byLabel := make(map[string]int64, len(p.labelCounts))
	for label, n := range p.labelCounts {
		byLabel[label] = n
	}
	detections := p.detections.Load()
	p.decodeMu.Unlock()

	return Stats{
		Task:       p.cfg.Name,
		Detections: detections,
		ByLabel:    byLabel,
		FPS:        fps,
		QueueDepth: p.source.Depth(p.cfg.Name),
		InferFails: p.inferFails.Load(),
	}
}

func (p *Pool) worker(core int, ctx npu.Context) {
	defer p.wg.Done()

	for p.running.Load() {
		frame, ok := p.source.Take(p.cfg.Name, takeTimeout)
		if !ok {
			continue
		}
		p.process(core, ctx, frame)
		frame.Release()
	}
}

func (p *Pool) process(core int, ctx npu.Context, frame *video.Frame) {
	start := time.Now()
	raw, err := ctx.Infer(frame.Mat)
	latency := time.Since(start)
	if err != nil {
		p.inferFails.Add(1)
		log.WithFields(log.Fields{"task": p.cfg.Name, "core": core, "frame": frame.ID}).
			WithError(err).Warn("inference failed")
		return
	}

	p.decodeMu.Lock()
	res := p.decoder.Decode(raw)
	for _, d := range res.Detections {
		p.labelCounts[d.Label]++
	}
	p.detections.Add(int64(len(res.Detections)))
	p.decodeMu.Unlock()

	p.fpsMu.Lock()
	p.fpsFrames++
	elapsed := time.Since(p.fpsStart).Seconds()
	frames := p.fpsFrames
	p.fpsMu.Unlock()
	fps := 0.0
	if elapsed > 0 {
		fps = float64(frames) / elapsed
	}

	annotated := frame.Clone()
	p.renderer.Render(&annotated, res, overlay.Meta{
		Task:       p.cfg.Name,
		Core:       core,
		FPS:        fps,
		Detections: p.detections.Load(),
		LatencyMS:  float64(latency.Microseconds()) / 1000.0,
		QueueDepth: p.source.Depth(p.cfg.Name),
	})
	p.sink.Submit(p.window, annotated)
}
