package aggregate

import (
	"context"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/Benny93/cdrgraph/internal/graph"
)

// ErrLanesClosed is returned by Submit after Close.
var ErrLanesClosed = errors.New("aggregation lanes closed")

// ApplyFunc applies one record to the graph.
type ApplyFunc func(ctx context.Context, rec graph.CallRecord) error

// Lanes shards records across single-writer goroutines by canonical pair,
// so two records of the same pair are always applied by the same lane in
// submission order while different pairs proceed concurrently.
type Lanes struct {
	queues []chan graph.CallRecord
	group  *errgroup.Group
	ctx    context.Context

	mu     sync.RWMutex
	closed bool
}

// NewLanes starts n lanes with the given queue depth. The first apply
// error stops every lane and is returned from Close.
func NewLanes(ctx context.Context, n, queueSize int, apply ApplyFunc) *Lanes {
	if n < 1 {
		n = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	g, gctx := errgroup.WithContext(ctx)
	l := &Lanes{
		queues: make([]chan graph.CallRecord, n),
		group:  g,
		ctx:    gctx,
	}

	for i := range l.queues {
		queue := make(chan graph.CallRecord, queueSize)
		l.queues[i] = queue

		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case rec, ok := <-queue:
					if !ok {
						return nil
					}
					if err := apply(gctx, rec); err != nil {
						return err
					}
				}
			}
		})
	}
	return l
}

// LaneFor returns the lane index a pair is routed to.
func LaneFor(pair graph.PairKey, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(pair.String()) % uint64(n))
}

// Count returns the number of lanes.
func (l *Lanes) Count() int {
	return len(l.queues)
}

// Submit routes rec to its lane. It blocks while the lane queue is full and
// returns early if ctx is done or a lane has failed.
func (l *Lanes) Submit(ctx context.Context, rec graph.CallRecord) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLanesClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key, _ := rec.EdgeKey()
	queue := l.queues[LaneFor(key.Pair, len(l.queues))]

	select {
	case queue <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.ctx.Done():
		return context.Cause(l.ctx)
	}
}

// Close stops accepting records, waits for queued records to drain and
// returns the first lane error.
func (l *Lanes) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		for _, q := range l.queues {
			close(q)
		}
	}
	l.mu.Unlock()

	return l.group.Wait()
}
