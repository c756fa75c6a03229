package fanout

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"sitewatch/video"
)

// Buffer fans one frame stream out to a fixed set of named consumers. Each
// name addresses an independent bounded queue with its own oldest-drop
// policy, so a slow consumer loses frames instead of slowing the producer or
// its peers. For a single consumer, frames arrive in publish order with gaps
// allowed; across consumers no ordering is guaranteed.
type Buffer struct {
	queues map[string]*Queue
}

// NewBuffer precomputes one queue of the given depth per consumer name.
func NewBuffer(names []string, depth int) (*Buffer, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("fanout: no consumer names declared")
	}
	queues := make(map[string]*Queue, len(names))
	for _, name := range names {
		if _, dup := queues[name]; dup {
			return nil, fmt.Errorf("fanout: duplicate consumer name %q", name)
		}
		queues[name] = NewQueue(depth)
	}
	return &Buffer{queues: queues}, nil
}

// Publish pushes f into every consumer queue. Never blocks.
func (b *Buffer) Publish(f *video.Frame) {
	for _, q := range b.queues {
		q.Push(f)
	}
}

// Take blocks up to timeout for the named consumer's next frame. The second
// result is false on timeout. An unknown name returns false at once without
// waiting, and every such call is logged at debug level.
func (b *Buffer) Take(name string, timeout time.Duration) (*video.Frame, bool) {
	q, ok := b.queues[name]
	if !ok {
		log.WithField("consumer", name).Debug("take on undeclared consumer")
		return nil, false
	}
	return q.Take(timeout)
}

// Depth reports the current queue size for name, or zero for unknown names.
func (b *Buffer) Depth(name string) int {
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return q.Len()
}

// Dropped reports overflow evictions for name.
func (b *Buffer) Dropped(name string) int64 {
	q, ok := b.queues[name]
	if !ok {
		return 0
	}
	return q.Dropped()
}

// Close closes every consumer queue, releasing buffered frames and waking
// blocked takers.
func (b *Buffer) Close() {
	for _, q := range b.queues {
		q.Close()
	}
}
