package detect

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"sitewatch/fanout"
	"sitewatch/npu"
	"sitewatch/video"
)

// fakeContext trips if two inference calls ever overlap on the same context.
type fakeContext struct {
	rt   *fakeRuntime
	core int

	inUse   atomic.Bool
	infers  atomic.Int64
	closed  atomic.Bool
	failing atomic.Bool
}

func (c *fakeContext) BindCore(core int) error {
	c.core = core
	return nil
}

func (c *fakeContext) Core() int { return c.core }

func (c *fakeContext) Infer(img gocv.Mat) ([]npu.Detection, error) {
	if !c.inUse.CompareAndSwap(false, true) {
		c.rt.overlap.Store(true)
	}
	time.Sleep(time.Millisecond)
	c.inUse.Store(false)
	c.infers.Add(1)

	if c.failing.Load() {
		return nil, errors.New("runtime hiccup")
	}
	return []npu.Detection{
		{ClassID: 0, Score: 0.9, Box: image.Rect(1, 1, 5, 5)},
	}, nil
}

func (c *fakeContext) Close() error {
	c.closed.Store(true)
	c.rt.mu.Lock()
	c.rt.closeOrder = append(c.rt.closeOrder, c.core)
	c.rt.mu.Unlock()
	return nil
}

type fakeRuntime struct {
	mu         sync.Mutex
	contexts   []*fakeContext
	closeOrder []int
	overlap    atomic.Bool
	loadErr    error
	loadCalls  int
}

func (r *fakeRuntime) LoadModel(path string) (npu.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadCalls++
	if r.loadErr != nil && r.loadCalls > 1 {
		return nil, r.loadErr
	}
	c := &fakeContext{rt: r}
	r.contexts = append(r.contexts, c)
	return c, nil
}

type fakeSink struct {
	mu      sync.Mutex
	windows []string
}

func (s *fakeSink) Submit(window string, frame gocv.Mat) {
	s.mu.Lock()
	s.windows = append(s.windows, window)
	s.mu.Unlock()
	frame.Close()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

func feed(t *testing.T, b *fanout.Buffer, name string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		f := video.NewFrame(int64(i), gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3))
		b.Publish(f)
		f.Release()
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestPool(t *testing.T, rt *fakeRuntime) (*Pool, *fanout.Buffer, *fakeSink) {
	t.Helper()
	b, err := fanout.NewBuffer([]string{"helmet"}, 8)
	if err != nil {
		t.Fatal(err)
	}
	sink := &fakeSink{}
	pool, err := NewPool(TaskConfig{Name: "helmet", ModelPath: "model/helmet.onnx"}, b, sink, rt)
	if err != nil {
		t.Fatal(err)
	}
	return pool, b, sink
}

func TestPoolExclusiveContextUse(t *testing.T) {
	rt := &fakeRuntime{}
	pool, b, sink := newTestPool(t, rt)
	defer b.Close()

	if err := pool.Start(); err != nil {
		t.Fatal(err)
	}
	feed(t, b, "helmet", 50)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && sink.count() < 30 {
		time.Sleep(5 * time.Millisecond)
	}
	pool.Stop()

	if rt.overlap.Load() {
		t.Fatal("two workers used one context concurrently")
	}
	if len(rt.contexts) != npu.NumCores {
		t.Fatalf("contexts created = %d, want %d", len(rt.contexts), npu.NumCores)
	}
	for i, c := range rt.contexts {
		if c.core != i {
			t.Fatalf("context %d bound to core %d", i, c.core)
		}
	}
}

func TestPoolContextsReleasedInReverse(t *testing.T) {
	rt := &fakeRuntime{}
	pool, b, _ := newTestPool(t, rt)
	defer b.Close()

	if err := pool.Start(); err != nil {
		t.Fatal(err)
	}
	pool.Stop()

	if len(rt.closeOrder) != npu.NumCores {
		t.Fatalf("close order = %v", rt.closeOrder)
	}
	for i, core := range rt.closeOrder {
		if want := npu.NumCores - 1 - i; core != want {
			t.Fatalf("close order = %v, want reverse creation order", rt.closeOrder)
		}
	}
}

func TestPoolModelLoadFailure(t *testing.T) {
	rt := &fakeRuntime{loadErr: errors.New("bad artifact")}
	pool, b, _ := newTestPool(t, rt)
	defer b.Close()

	if err := pool.Start(); err == nil {
		t.Fatal("start succeeded with a failing model load")
	}
	// The context that did load must have been released.
	if len(rt.contexts) != 1 || !rt.contexts[0].closed.Load() {
		t.Fatal("partially created contexts were not released")
	}
}

func TestPoolInferenceErrorIsTransient(t *testing.T) {
	rt := &fakeRuntime{}
	pool, b, sink := newTestPool(t, rt)
	defer b.Close()

	if err := pool.Start(); err != nil {
		t.Fatal(err)
	}
	for _, c := range rt.contexts {
		c.failing.Store(true)
	}
	feed(t, b, "helmet", 20)
	time.Sleep(100 * time.Millisecond)

	st := pool.Snapshot()
	pool.Stop()

	if st.InferFails == 0 {
		t.Fatal("inference failures not counted")
	}
	if sink.count() != 0 {
		t.Fatal("failed inferences still produced display jobs")
	}
}

func TestPoolStats(t *testing.T) {
	rt := &fakeRuntime{}
	pool, b, sink := newTestPool(t, rt)
	defer b.Close()

	if err := pool.Start(); err != nil {
		t.Fatal(err)
	}
	feed(t, b, "helmet", 30)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && sink.count() < 10 {
		time.Sleep(5 * time.Millisecond)
	}

	st := pool.Snapshot()
	pool.Stop()

	if st.Task != "helmet" {
		t.Fatalf("stats task = %q", st.Task)
	}
	if st.Detections == 0 {
		t.Fatal("detections not counted")
	}
	// The fake runtime emits class 0, which the helmet decoder labels
	// no_helmet; the per-label tally must agree with the aggregate.
	if st.ByLabel["no_helmet"] != st.Detections {
		t.Fatalf("by-label tally = %v, detections = %d", st.ByLabel, st.Detections)
	}
	if st.FPS <= 0 {
		t.Fatal("fps not measured")
	}
}

// After Stop, every worker must return within the take timeout plus one
// inference latency.
func TestPoolStopBounded(t *testing.T) {
	rt := &fakeRuntime{}
	pool, b, _ := newTestPool(t, rt)
	defer b.Close()

	if err := pool.Start(); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	pool.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("stop took %v", elapsed)
	}
}

func TestPoolStopIdempotent(t *testing.T) {
	rt := &fakeRuntime{}
	pool, b, _ := newTestPool(t, rt)
	defer b.Close()

	if err := pool.Start(); err != nil {
		t.Fatal(err)
	}
	pool.Stop()
	pool.Stop()
}
