package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/mediacache/mediacache/internal/logging"
	mcerrors "github.com/mediacache/mediacache/pkg/errors"
	"github.com/mediacache/mediacache/pkg/types"
)

const (
	DefaultConcurrency   = 3
	DefaultYieldInterval = 50 * time.Millisecond
	DefaultImagePriority = 2
	DefaultVideoPriority = 1

	finishedHistory = 1024
)

// Job is the work behind one task.
type Job func(ctx context.Context) error

// State is the lifecycle state of a task.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TaskInfo is a snapshot of a task.
type TaskInfo struct {
	Identity  types.Identity
	MediaType types.MediaType
	Priority  int
	State     State
	Err       error
}

type task struct {
	info  TaskInfo
	seq   uint64
	job   Job
	index int
}

// taskHeap orders by priority descending, then insertion order.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].info.Priority != h[j].info.Priority {
		return h[i].info.Priority > h[j].info.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Options configures a Scheduler.
type Options struct {
	Concurrency   int
	YieldInterval time.Duration
	ImagePriority int
	VideoPriority int

	Logger  *zap.Logger
	Metrics types.MetricsCollector
}

func (o *Options) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.YieldInterval <= 0 {
		o.YieldInterval = DefaultYieldInterval
	}
	if o.ImagePriority <= 0 {
		o.ImagePriority = DefaultImagePriority
	}
	if o.VideoPriority <= 0 {
		o.VideoPriority = DefaultVideoPriority
	}
}

// Stats summarises scheduler activity.
type Stats struct {
	Queued    int    `json:"queued"`
	Running   int    `json:"running"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dequeued  uint64 `json:"dequeued"`
}

// Scheduler runs load jobs with bounded concurrency, highest priority first.
type Scheduler struct {
	opts    Options
	logger  *zap.Logger
	metrics types.MetricsCollector

	mu       sync.Mutex
	queue    taskHeap
	active   map[types.Identity]*task
	finished *lru.Cache
	running  int
	seq      uint64
	stats    Stats

	wake    chan struct{}
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a stopped scheduler. Tasks may be enqueued before Start.
func New(opts Options) *Scheduler {
	opts.setDefaults()
	finished, _ := lru.New(finishedHistory)
	return &Scheduler{
		opts:     opts,
		logger:   logging.Component(opts.Logger, "scheduler"),
		metrics:  types.OrNop(opts.Metrics),
		active:   make(map[types.Identity]*task),
		finished: finished,
		wake:     make(chan struct{}, 1),
	}
}

// PriorityFor returns the priority of a media type and whether it is
// scheduled at all.
func (s *Scheduler) PriorityFor(mt types.MediaType) (int, bool) {
	switch mt {
	case types.MediaImage:
		return s.opts.ImagePriority, true
	case types.MediaVideo:
		return s.opts.VideoPriority, true
	default:
		return 0, false
	}
}

// Enqueue adds a task for id unless one is already queued or running, or the
// media type is not scheduled. It reports whether a task was added.
func (s *Scheduler) Enqueue(id types.Identity, mt types.MediaType, job Job) bool {
	priority, ok := s.PriorityFor(mt)
	if !ok || id.IsZero() || job == nil {
		return false
	}

	s.mu.Lock()
	if _, busy := s.active[id]; busy {
		s.mu.Unlock()
		return false
	}
	s.seq++
	t := &task{
		info: TaskInfo{Identity: id, MediaType: mt, Priority: priority, State: StateQueued},
		seq:  s.seq,
		job:  job,
	}
	heap.Push(&s.queue, t)
	s.active[id] = t
	s.finished.Remove(id)
	depth := s.queue.Len()
	s.mu.Unlock()

	s.metrics.SetQueueDepth(depth)
	s.signal()
	return true
}

// Dequeue drops the queued task for id. Running tasks are left alone.
func (s *Scheduler) Dequeue(id types.Identity) bool {
	s.mu.Lock()
	t, ok := s.active[id]
	if !ok || t.info.State != StateQueued {
		s.mu.Unlock()
		return false
	}
	heap.Remove(&s.queue, t.index)
	delete(s.active, id)
	s.stats.Dequeued++
	depth := s.queue.Len()
	s.mu.Unlock()

	s.metrics.SetQueueDepth(depth)
	s.metrics.RecordTask("dequeued")
	return true
}

// Task reports the state of the task for id. Finished tasks are remembered
// for a bounded history.
func (s *Scheduler) Task(id types.Identity) (TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.active[id]; ok {
		return t.info, true
	}
	if v, ok := s.finished.Get(id); ok {
		return v.(TaskInfo), true
	}
	return TaskInfo{}, false
}

// Start launches the dispatcher. Jobs receive a context derived from ctx that
// is canceled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return mcerrors.NewError(mcerrors.ErrCodeAlreadyStarted, "scheduler already started").
			WithComponent("scheduler").WithOperation("start")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.dispatch(runCtx)
	return nil
}

// Stop cancels running jobs and waits for them to return. Queued tasks stay
// queued.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	defer s.wg.Done()
	for {
		batch := s.takeBatch()
		if len(batch) == 0 {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		for _, t := range batch {
			s.wg.Add(1)
			go s.run(ctx, t)
		}

		// Yield so visibility changes can reorder the queue before the next batch.
		select {
		case <-time.After(s.opts.YieldInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) takeBatch() []*task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var batch []*task
	for s.running < s.opts.Concurrency && s.queue.Len() > 0 {
		t := heap.Pop(&s.queue).(*task)
		t.info.State = StateRunning
		s.running++
		batch = append(batch, t)
	}
	if len(batch) > 0 {
		s.metrics.SetQueueDepth(s.queue.Len())
	}
	return batch
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.wg.Done()

	start := time.Now()
	err := t.job(ctx)

	s.mu.Lock()
	s.running--
	delete(s.active, t.info.Identity)
	outcome := "done"
	if err != nil {
		t.info.State = StateFailed
		t.info.Err = err
		s.stats.Failed++
		outcome = "failed"
	} else {
		t.info.State = StateDone
		s.stats.Completed++
	}
	s.finished.Add(t.info.Identity, t.info)
	s.mu.Unlock()

	s.metrics.RecordTask(outcome)
	s.metrics.RecordOperation("scheduler.task", time.Since(start), 0, err == nil)
	if err != nil {
		s.logger.Debug("load task failed",
			logging.Identity(t.info.Identity),
			zap.Stringer("media_type", t.info.MediaType),
			logging.Err(err),
		)
	}
	s.signal()
}

// Stats returns current counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Queued = s.queue.Len()
	st.Running = s.running
	return st
}
