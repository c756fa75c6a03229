// Package display serializes all native window operations onto a single
// goroutine. Workers hand annotated frames over a small bounded queue and
// never block on display latency; on overflow the oldest job is discarded.
package display

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

const (
	jobQueueCap = 10
	takeTimeout = 50 * time.Millisecond
	keyPollMS   = 1

	keyQuit = 'q'
	keyEsc  = 27
)

type job struct {
	window string
	frame  gocv.Mat
}

// Serializer is the single-threaded sink owning every window call.
type Serializer struct {
	presenter Presenter

	// onQuit is invoked from the display goroutine when the quit key is
	// pressed; the supervisor wires it to clear the run flag.
	onQuit func()

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []job
	stopped bool
	started bool

	done chan struct{}

	dropped int64
}

// NewSerializer creates a serializer over the given presenter.
func NewSerializer(p Presenter, onQuit func()) *Serializer {
	s := &Serializer{presenter: p, onQuit: onQuit, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the display goroutine. Idempotent.
func (s *Serializer) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
	log.Info("display serializer started")
}

// Submit enqueues an annotated frame for the named window. The serializer
// takes ownership of frame and closes it after presentation. Never blocks;
// a full queue discards its oldest job.
func (s *Serializer) Submit(window string, frame gocv.Mat) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		frame.Close()
		return
	}
	for len(s.jobs) >= jobQueueCap {
		old := s.jobs[0]
		s.jobs = s.jobs[1:]
		s.dropped++
		old.frame.Close()
	}
	s.jobs = append(s.jobs, job{window: window, frame: frame})
	s.cond.Signal()
	s.mu.Unlock()
}

// Stop drains outstanding jobs, destroys the windows and joins the display
// goroutine. Idempotent.
func (s *Serializer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.cond.Broadcast()
	s.mu.Unlock()

	if started {
		<-s.done
	} else {
		s.drain()
		s.presenter.Destroy()
	}
	log.Info("display serializer stopped")
}

// Dropped reports discarded jobs.
func (s *Serializer) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Serializer) run() {
	defer close(s.done)

	for {
		j, ok := s.take()
		if !ok {
			break
		}
		s.present(j)
	}

	s.drain()
	s.presenter.Destroy()
}

// take blocks for the next job with a short timeout so the loop observes the
// stop flag promptly even when no frames arrive.
func (s *Serializer) take() (job, bool) {
	deadline := time.Now().Add(takeTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.jobs) == 0 {
		if s.stopped {
			return job{}, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if s.stopped {
				return job{}, false
			}
			deadline = time.Now().Add(takeTimeout)
			remaining = takeTimeout
		}
		timer := time.AfterFunc(remaining, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		s.cond.Wait()
		timer.Stop()
	}

	j := s.jobs[0]
	s.jobs = s.jobs[1:]
	return j, true
}

func (s *Serializer) present(j job) {
	s.presenter.Show(j.window, j.frame)
	j.frame.Close()

	key := s.presenter.PollKey(keyPollMS)
	if key == keyQuit || key == keyEsc {
		log.Info("quit key pressed")
		if s.onQuit != nil {
			s.onQuit()
		}
	}
}

// drain presents whatever is still queued after stop so no Mat leaks.
func (s *Serializer) drain() {
	s.mu.Lock()
	pending := s.jobs
	s.jobs = nil
	s.mu.Unlock()

	for _, j := range pending {
		s.presenter.Show(j.window, j.frame)
		j.frame.Close()
	}
}
