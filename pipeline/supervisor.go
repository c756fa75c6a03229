// Package pipeline wires the arbiter, fan-out buffer, task pools and display
// together and owns the process lifecycle: construction, steady state,
// signal-driven drain and final teardown.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"sitewatch/camera"
	"sitewatch/detect"
	"sitewatch/display"
	"sitewatch/fanout"
	"sitewatch/lockfile"
	"sitewatch/npu"
)

const (
	pumpClientName = "pipeline"
	pollTimeout    = 100 * time.Millisecond
	lockWait       = 30 * time.Second
)

// Options configures the supervisor. Runtime, Opener and Presenter default
// to the production implementations; tests substitute fakes.
type Options struct {
	CameraID int
	Width    int
	Height   int
	FPS      int
	Buffer   int

	Tasks []detect.TaskConfig

	StatsInterval time.Duration
	MetricsAddr   string

	SharedCamera bool
	LockPath     string

	Runtime   npu.Runtime
	Opener    camera.Opener
	Presenter display.Presenter
}

// System is the supervisor. It owns the global run flag every loop observes.
type System struct {
	opts Options

	running atomic.Bool
	fatal   atomic.Value // fatalErr

	arbiter    *camera.Arbiter
	buffer     *fanout.Buffer
	pools      []*detect.Pool
	serializer *display.Serializer
	lock       *lockfile.Lock
	metrics    *metrics

	pumpClient string
	pumpWg     sync.WaitGroup

	initialized bool
}

// New validates opts and builds an un-initialized system.
func New(opts Options) (*System, error) {
	if len(opts.Tasks) == 0 {
		return nil, fmt.Errorf("pipeline: at least one detection task is required")
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 5
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 5 * time.Second
	}
	if opts.Runtime == nil {
		opts.Runtime = npu.NewDNNRuntime()
	}
	if opts.Presenter == nil {
		opts.Presenter = display.NewWindowPresenter()
	}
	if opts.LockPath == "" {
		opts.LockPath = fmt.Sprintf("/tmp/sitewatch-camera%d.lock", opts.CameraID)
	}
	return &System{opts: opts}, nil
}

// Running reports the global run flag.
func (s *System) Running() bool { return s.running.Load() }

// Quit clears the run flag. Safe from any goroutine, including signal and
// display contexts.
func (s *System) Quit() { s.running.Store(false) }

type fatalErr struct{ err error }

func (s *System) fail(err error) {
	s.fatal.Store(fatalErr{err})
	s.Quit()
}

// Init acquires the device (and, in shared mode, the advisory lock), builds
// the fan-out buffer, the display serializer and one pool per task.
func (s *System) Init() error {
	if s.initialized {
		return nil
	}

	if s.opts.SharedCamera {
		lock, err := lockfile.AcquireWait(s.opts.LockPath, lockWait)
		if err != nil {
			return fmt.Errorf("pipeline: camera lock: %w", err)
		}
		s.lock = lock
	}

	s.arbiter = camera.NewArbiter(camera.Config{
		Width:  s.opts.Width,
		Height: s.opts.Height,
		FPS:    s.opts.FPS,
	}, s.opts.Opener, func(err error) {
		log.WithError(err).Error("capture fatal")
		s.fail(err)
	})

	if err := s.arbiter.Open(s.opts.CameraID); err != nil {
		s.releaseLock()
		return err
	}

	names := make([]string, 0, len(s.opts.Tasks))
	for _, t := range s.opts.Tasks {
		names = append(names, t.Name)
	}
	buffer, err := fanout.NewBuffer(names, s.opts.Buffer)
	if err != nil {
		s.arbiter.Close()
		s.releaseLock()
		return err
	}
	s.buffer = buffer

	s.serializer = display.NewSerializer(s.opts.Presenter, s.Quit)

	for _, t := range s.opts.Tasks {
		pool, perr := detect.NewPool(t, buffer, s.serializer, s.opts.Runtime)
		if perr != nil {
			s.arbiter.Close()
			s.releaseLock()
			return perr
		}
		s.pools = append(s.pools, pool)
	}

	if s.opts.MetricsAddr != "" {
		s.metrics = newMetrics()
		serveMetrics(s.opts.MetricsAddr)
	}

	s.initialized = true
	log.WithField("tasks", len(s.pools)).Info("pipeline initialized")
	return nil
}

// Run starts every component, then blocks emitting periodic statistics until
// the run flag clears (signal, quit key or capture fatal), drains in reverse
// order and returns the fatal error if one occurred.
func (s *System) Run() error {
	if !s.initialized {
		return fmt.Errorf("pipeline: Run before Init")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	s.running.Store(true)

	if err := s.arbiter.Start(); err != nil {
		s.teardown()
		return err
	}

	clientID, err := s.arbiter.Subscribe(pumpClientName, s.opts.Buffer)
	if err != nil {
		s.teardown()
		return err
	}
	s.pumpClient = clientID

	s.serializer.Start()

	for _, pool := range s.pools {
		if err := pool.Start(); err != nil {
			s.drain()
			s.teardown()
			return err
		}
	}

	s.pumpWg.Add(1)
	go s.pump()

	log.Info("pipeline running")

	ticker := time.NewTicker(s.opts.StatsInterval)
	defer ticker.Stop()

	for s.running.Load() {
		select {
		case sig := <-sigs:
			log.WithField("signal", sig).Info("shutdown signal")
			s.Quit()
		case <-ticker.C:
			s.reportStats()
		case <-time.After(pollTimeout):
		}
	}

	s.drain()
	s.reportStats()
	s.teardown()

	if f, ok := s.fatal.Load().(fatalErr); ok && f.err != nil {
		return f.err
	}
	return nil
}

// pump moves frames from the arbiter subscription into the fan-out buffer.
func (s *System) pump() {
	defer s.pumpWg.Done()

	for s.running.Load() {
		frame, ok, err := s.arbiter.Poll(s.pumpClient, pollTimeout)
		if err != nil {
			if !errors.Is(err, camera.ErrClosed) {
				log.WithError(err).Warn("pump poll failed")
			}
			return
		}
		if !ok {
			continue
		}
		s.buffer.Publish(frame)
		frame.Release()
	}
}

// drain stops everything in reverse dependency order: display first, then
// the task pools, then capture.
func (s *System) drain() {
	log.Info("draining pipeline")
	s.serializer.Stop()
	for _, pool := range s.pools {
		pool.Stop()
	}
	s.pumpWg.Wait()
	s.arbiter.Stop()
	s.buffer.Close()
}

func (s *System) teardown() {
	s.arbiter.Close()
	s.releaseLock()
	log.Info("pipeline terminated")
}

func (s *System) releaseLock() {
	if s.lock != nil {
		if err := s.lock.Release(); err != nil {
			log.WithError(err).Warn("lock release failed")
		}
		s.lock = nil
	}
}

func (s *System) reportStats() {
	arb := s.arbiter.Snapshot()

	taskStats := make([]detect.Stats, 0, len(s.pools))
	for _, pool := range s.pools {
		taskStats = append(taskStats, pool.Snapshot())
	}

	for _, t := range taskStats {
		fields := log.Fields{
			"task":        t.Task,
			"fps":         fmt.Sprintf("%.1f", t.FPS),
			"detections":  t.Detections,
			"queue":       t.QueueDepth,
			"infer_fails": t.InferFails,
		}
		for label, n := range t.ByLabel {
			fields[label] = n
		}
		log.WithFields(fields).Info("task status")
	}
	log.WithFields(log.Fields{
		"captured":    arb.Captured,
		"distributed": arb.Distributed,
		"read_fails":  arb.ReadFails,
		"reopens":     arb.Reopens,
		"clients":     strings.Join(arb.Clients, ", "),
	}).Info("camera status")

	if s.metrics != nil {
		s.metrics.observe(arb, taskStats)
	}
}
