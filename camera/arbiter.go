// Package camera owns the physical capture device. One arbiter runs the
// capture loop and fans frames out to every subscribed client through
// bounded per-client queues, so no client can stall the device or another
// client.
package camera

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"sitewatch/fanout"
	"sitewatch/video"
)

var (
	// ErrNotReady is returned for operations that need an opened device.
	ErrNotReady = errors.New("camera: device not opened")

	// ErrClosed is returned once the arbiter has shut down.
	ErrClosed = errors.New("camera: arbiter closed")
)

// Config tunes the arbiter. Zero values fall back to the defaults below.
type Config struct {
	Width  int
	Height int
	FPS    int

	ProbeFrames      int
	MinProbeFPS      float64
	FailureThreshold int
	ReopenDelay      time.Duration
	ReapInterval     time.Duration
	ClientTimeout    time.Duration
}

func (c *Config) fill() {
	if c.Width == 0 {
		c.Width = 640
	}
	if c.Height == 0 {
		c.Height = 480
	}
	if c.FPS == 0 {
		c.FPS = 30
	}
	if c.ProbeFrames == 0 {
		c.ProbeFrames = 60
	}
	if c.MinProbeFPS == 0 {
		c.MinProbeFPS = 25
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 100
	}
	if c.ReopenDelay == 0 {
		c.ReopenDelay = time.Second
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = 3 * time.Second
	}
	if c.ClientTimeout == 0 {
		c.ClientTimeout = 30 * time.Second
	}
}

type client struct {
	id    string
	name  string
	queue *fanout.Queue

	active     atomic.Bool
	lastAccess atomic.Int64 // unix nanos
}

func (c *client) touch() {
	c.lastAccess.Store(time.Now().UnixNano())
}

// Arbiter owns one capture device and its subscriber registry.
type Arbiter struct {
	cfg    Config
	opener Opener

	// onFatal is called from the capture goroutine when the device is lost
	// for good; the supervisor wires it to clear the run flag.
	onFatal func(error)

	mu       sync.Mutex
	clients  map[string]*client
	dev      Device
	deviceID int
	opened   bool
	closed   bool

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup

	nextFrameID atomic.Int64
	captured    atomic.Int64
	distributed atomic.Int64
	readFails   atomic.Int64
	reopens     atomic.Int64
}

// NewArbiter creates an arbiter using opener for device access. onFatal may
// be nil.
func NewArbiter(cfg Config, opener Opener, onFatal func(error)) *Arbiter {
	cfg.fill()
	if opener == nil {
		opener = GocvOpener
	}
	return &Arbiter{
		cfg:     cfg,
		opener:  opener,
		onFatal: onFatal,
		clients: make(map[string]*client),
	}
}

// Open acquires a device, preferring the requested id and falling back to
// ids 0..5. The device is configured and throughput-probed before Open
// reports success.
func (a *Arbiter) Open(deviceID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.opened {
		return nil
	}

	dev, id, err := openDevice(a.opener, deviceID, a.cfg.Width, a.cfg.Height, a.cfg.FPS, a.cfg.ProbeFrames, a.cfg.MinProbeFPS)
	if err != nil {
		return err
	}
	a.dev = dev
	a.deviceID = id
	a.opened = true
	return nil
}

// Start launches the capture loop and the client reaper. Idempotent; fails
// before Open.
func (a *Arbiter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if !a.opened {
		return ErrNotReady
	}
	if a.running.Load() {
		return nil
	}

	a.running.Store(true)
	a.stop = make(chan struct{})
	a.wg.Add(2)
	go a.captureLoop()
	go a.reapLoop()
	log.WithField("device", a.deviceID).Info("capture started")
	return nil
}

// Stop halts the capture loop and the reaper and joins both. Idempotent.
func (a *Arbiter) Stop() {
	if !a.running.Swap(false) {
		return
	}
	close(a.stop)
	a.wg.Wait()
	log.WithField("device", a.deviceID).Info("capture stopped")
}

// Close stops capture, releases the device and closes every client queue.
func (a *Arbiter) Close() {
	a.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.dev != nil {
		a.dev.Close()
		a.dev = nil
	}
	a.opened = false
	for id, c := range a.clients {
		c.active.Store(false)
		c.queue.Close()
		delete(a.clients, id)
	}
}

// Subscribe registers a sink with its own bounded queue and returns its
// client id. Subscribing before Open fails with ErrNotReady.
func (a *Arbiter) Subscribe(name string, depth int) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return "", ErrClosed
	}
	if !a.opened {
		return "", ErrNotReady
	}

	c := &client{
		id:    fmt.Sprintf("%s-%s", name, uuid.New().String()[:8]),
		name:  name,
		queue: fanout.NewQueue(depth),
	}
	c.active.Store(true)
	c.touch()
	a.clients[c.id] = c
	log.WithFields(log.Fields{"client": c.id, "depth": depth}).Info("client subscribed")
	return c.id, nil
}

// Unsubscribe deregisters a client and closes its queue.
func (a *Arbiter) Unsubscribe(clientID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.clients[clientID]
	if !ok {
		return
	}
	c.active.Store(false)
	c.queue.Close()
	delete(a.clients, clientID)
	log.WithField("client", clientID).Info("client unsubscribed")
}

// Poll blocks up to timeout for the client's next frame. The bool result is
// false on timeout; ErrClosed reports a shut-down arbiter or unknown client.
// The caller must Release the frame.
func (a *Arbiter) Poll(clientID string, timeout time.Duration) (*video.Frame, bool, error) {
	a.mu.Lock()
	c, ok := a.clients[clientID]
	closed := a.closed
	a.mu.Unlock()

	if closed || !ok || !c.active.Load() {
		return nil, false, ErrClosed
	}

	f, got := c.queue.Take(timeout)
	if !got {
		if c.queue.Closed() {
			return nil, false, ErrClosed
		}
		return nil, false, nil
	}
	c.touch()
	return f, true, nil
}

// DeviceID reports the id of the opened device.
func (a *Arbiter) DeviceID() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deviceID
}

// Stats is a point-in-time snapshot of arbiter counters.
type Stats struct {
	Captured    int64
	Distributed int64
	ReadFails   int64
	Reopens     int64
	Clients     []string
}

// Snapshot returns the current counters and client names.
func (a *Arbiter) Snapshot() Stats {
	s := Stats{
		Captured:    a.captured.Load(),
		Distributed: a.distributed.Load(),
		ReadFails:   a.readFails.Load(),
		Reopens:     a.reopens.Load(),
	}
	a.mu.Lock()
	for _, c := range a.clients {
		s.Clients = append(s.Clients, c.id)
	}
	a.mu.Unlock()
	return s
}

func (a *Arbiter) captureLoop() {
	defer a.wg.Done()

	scratch := gocv.NewMat()
	defer scratch.Close()

	consecutive := 0
	for a.running.Load() {
		a.mu.Lock()
		dev := a.dev
		a.mu.Unlock()
		if dev == nil {
			return
		}

		if dev.Read(&scratch) && !scratch.Empty() {
			consecutive = 0
			a.publish(scratch)
			continue
		}

		consecutive++
		a.readFails.Add(1)
		if consecutive < a.cfg.FailureThreshold {
			continue
		}

		// Read storm: release the device, give the hardware a moment, then
		// walk the fallback sequence again.
		log.WithField("failures", consecutive).Warn("consecutive read failures, re-opening device")
		if err := a.reopen(); err != nil {
			log.WithError(err).Error("device re-open failed")
			if a.onFatal != nil {
				a.onFatal(err)
			}
			return
		}
		consecutive = 0
	}
}

// publish wraps the scratch buffer in a shared frame and delivers it to
// every active client, refreshing each client's heartbeat so a fed client is
// never reaped.
func (a *Arbiter) publish(scratch gocv.Mat) {
	id := a.nextFrameID.Add(1)
	frame := video.NewFrame(id, scratch.Clone())
	a.captured.Add(1)

	a.mu.Lock()
	for _, c := range a.clients {
		if !c.active.Load() {
			continue
		}
		c.queue.Push(frame)
		c.touch()
	}
	a.mu.Unlock()

	a.distributed.Add(1)
	frame.Release()
}

func (a *Arbiter) reopen() error {
	a.mu.Lock()
	if a.dev != nil {
		a.dev.Close()
		a.dev = nil
	}
	requested := a.deviceID
	a.mu.Unlock()

	select {
	case <-a.stop:
		return ErrClosed
	case <-time.After(a.cfg.ReopenDelay):
	}

	dev, id, err := openDevice(a.opener, requested, a.cfg.Width, a.cfg.Height, a.cfg.FPS, a.cfg.ProbeFrames, a.cfg.MinProbeFPS)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.dev = dev
	a.deviceID = id
	a.mu.Unlock()

	a.reopens.Add(1)
	log.WithField("device", id).Info("device re-opened")
	return nil
}

// reapLoop periodically removes clients that are gone: inactive with an
// empty queue, or silent past the timeout with an empty queue. Pending
// frames always count as live.
func (a *Arbiter) reapLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.reap()
		}
	}
}

func (a *Arbiter) reap() {
	now := time.Now().UnixNano()
	timeout := a.cfg.ClientTimeout.Nanoseconds()

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, c := range a.clients {
		if c.queue.Len() > 0 {
			continue
		}
		idle := now-c.lastAccess.Load() > timeout
		if !c.active.Load() || idle {
			c.queue.Close()
			delete(a.clients, id)
			log.WithField("client", id).Info("client reaped")
		}
	}
}
