package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zulandar/leaddesk/internal/logx"
	"github.com/zulandar/leaddesk/internal/metrics"
	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when every slot is taken.
	ErrQueueFull = errors.New("dispatch queue is full")
	// ErrQueueClosed is returned by Submit after Run has returned.
	ErrQueueClosed = errors.New("dispatch queue is closed")
)

// Dispatcher runs a single dispatch.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Result, error)
}

// Queue runs webhook-triggered dispatches on a bounded worker pool. Each
// task has its own error boundary so failures after the webhook was
// acknowledged are still logged and counted.
type Queue struct {
	dispatcher  Dispatcher
	tasks       chan Request
	workers     int
	taskTimeout time.Duration
	log         *zap.Logger
	metrics     *metrics.Collector
	closed      atomic.Bool
}

// QueueOpts holds parameters for creating a Queue.
type QueueOpts struct {
	Dispatcher Dispatcher
	Workers    int
	Size       int
	// TaskTimeout bounds one dispatch. Defaults to 2 minutes.
	TaskTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Collector
}

// NewQueue creates a Queue. Call Run to start the workers.
func NewQueue(opts QueueOpts) *Queue {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	size := opts.Size
	if size <= 0 {
		size = 256
	}
	timeout := opts.TaskTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Queue{
		dispatcher:  opts.Dispatcher,
		tasks:       make(chan Request, size),
		workers:     workers,
		taskTimeout: timeout,
		log:         logx.OrNop(opts.Logger).With(zap.String("component", "queue")),
		metrics:     opts.Metrics,
	}
}

// Submit enqueues req without blocking.
func (q *Queue) Submit(req Request) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- req:
		q.metrics.QueueDepth(len(q.tasks))
		return nil
	default:
		q.metrics.TaskFailure()
		q.log.Warn("dispatch queue full, dropping task",
			zap.String("conversation_id", req.ConversationID))
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until ctx is cancelled. In-flight
// tasks finish; tasks still queued are dropped.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.work(ctx, id)
		}(i)
	}
	q.log.Info("dispatch queue started", zap.Int("workers", q.workers), zap.Int("capacity", cap(q.tasks)))

	<-ctx.Done()
	q.closed.Store(true)
	wg.Wait()
	if n := len(q.tasks); n > 0 {
		q.log.Warn("dispatch queue stopped with pending tasks", zap.Int("dropped", n))
	}
	return nil
}

func (q *Queue) work(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q.tasks:
			q.metrics.QueueDepth(len(q.tasks))
			q.run(ctx, id, req)
		}
	}
}

// run executes one task. The task outlives ctx cancellation so a shutdown
// does not abandon a dispatch that already holds a lease.
func (q *Queue) run(ctx context.Context, worker int, req Request) {
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.taskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			q.metrics.TaskFailure()
			q.log.Error("dispatch task panicked",
				zap.Int("worker", worker),
				zap.String("conversation_id", req.ConversationID),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"))
		}
	}()

	res, err := q.dispatcher.Dispatch(taskCtx, req)
	if err != nil {
		q.metrics.TaskFailure()
		q.log.Error("dispatch task failed",
			zap.Int("worker", worker),
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err))
		return
	}
	q.log.Debug("dispatch task done",
		zap.Int("worker", worker),
		zap.String("conversation_id", req.ConversationID),
		zap.String("outcome", string(res.Outcome)))
}
