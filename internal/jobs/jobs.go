// Package jobs runs background work on a fixed set of worker goroutines.
//
// Jobs are either light (thumbnails, probes) or heavy (full-resolution
// decodes). Heavy jobs are additionally gated by a weighted semaphore so
// that no more than the configured number run at once; a worker that cannot
// start a heavy job picks the next light job instead.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/mpaglia0/ansel-sub001/internal/logging"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("jobs: runner closed")

// Kind classifies a job for scheduling.
type Kind uint8

const (
	// KindLight jobs only take a worker.
	KindLight Kind = iota
	// KindHeavy jobs take a worker and a heavy slot.
	KindHeavy
)

// String returns the kind name.
func (k Kind) String() string {
	if k == KindHeavy {
		return "heavy"
	}
	return "light"
}

// Progress receives progress reports from a running job.
type Progress interface {
	SetProgress(fraction float64)
	SetProgressMessage(msg string)
}

// Job is a unit of background work.
type Job interface {
	Name() string
	Kind() Kind
	Run(ctx context.Context, p Progress) error
}

type funcJob struct {
	name string
	kind Kind
	fn   func(ctx context.Context, p Progress) error
}

func (j *funcJob) Name() string { return j.name }
func (j *funcJob) Kind() Kind   { return j.kind }
func (j *funcJob) Run(ctx context.Context, p Progress) error {
	return j.fn(ctx, p)
}

// Func wraps fn as a Job.
func Func(name string, kind Kind, fn func(ctx context.Context, p Progress) error) Job {
	return &funcJob{name: name, kind: kind, fn: fn}
}

// Runner accepts jobs for asynchronous execution.
type Runner interface {
	Submit(job Job) (*Handle, error)
}

// EventType identifies a job lifecycle event.
type EventType uint8

const (
	EventQueued EventType = iota
	EventStarted
	EventProgress
	EventFinished
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventQueued:
		return "queued"
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventFinished:
		return "finished"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// Event is delivered to the pool observer.
type Event struct {
	Type     EventType
	Job      string
	Kind     Kind
	Progress float64
	Message  string
	Err      error
}

// Observer is called synchronously from the goroutine that caused the
// event. It must be fast and safe for concurrent use.
type Observer func(Event)

// Handle tracks one submitted job.
type Handle struct {
	name     string
	kind     Kind
	observer Observer

	progress atomic.Uint64 // float64 bits
	message  atomic.Pointer[string]

	done chan struct{}
	err  error
}

var _ Progress = (*Handle)(nil)

func newHandle(job Job, observer Observer) *Handle {
	return &Handle{
		name:     job.Name(),
		kind:     job.Kind(),
		observer: observer,
		done:     make(chan struct{}),
	}
}

// Name returns the job name.
func (h *Handle) Name() string { return h.name }

// SetProgress records the completed fraction, clamped to [0, 1].
func (h *Handle) SetProgress(fraction float64) {
	if fraction != fraction {
		fraction = 0
	}
	fraction = math.Max(0, math.Min(1, fraction))
	h.progress.Store(math.Float64bits(fraction))
	h.emit(Event{Type: EventProgress, Progress: fraction, Message: h.Message()})
}

// SetProgressMessage records a human-readable status.
func (h *Handle) SetProgressMessage(msg string) {
	h.message.Store(&msg)
	h.emit(Event{Type: EventProgress, Progress: h.Progress(), Message: msg})
}

// Progress returns the last reported fraction.
func (h *Handle) Progress() float64 {
	return math.Float64frombits(h.progress.Load())
}

// Message returns the last reported status.
func (h *Handle) Message() string {
	if m := h.message.Load(); m != nil {
		return *m
	}
	return ""
}

// Done is closed when the job has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the job's error once it has finished, nil before.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) emit(ev Event) {
	if h.observer == nil {
		return
	}
	ev.Job = h.name
	ev.Kind = h.kind
	h.observer(ev)
}

func (h *Handle) finish(err error) {
	h.err = err
	if err == nil {
		h.progress.Store(math.Float64bits(1))
	}
	close(h.done)
	h.emit(Event{Type: EventFinished, Progress: h.Progress(), Message: h.Message(), Err: err})
}

// Options configures a Pool.
type Options struct {
	// Workers is the number of worker goroutines. Values below 1 mean 1.
	Workers int

	// HeavyJobs caps concurrently running heavy jobs. Values below 1 mean 1.
	HeavyJobs int

	// Observer receives lifecycle and progress events. Optional.
	Observer Observer

	// Logger for job failures. Nil means a WARN-level default.
	Logger logging.Logger
}

type task struct {
	job    Job
	handle *Handle
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Queued    int
	Running   int
	Completed uint64
	Failed    uint64
}

// Pool is the Runner backed by worker goroutines.
type Pool struct {
	opts   Options
	logger logging.Logger
	heavy  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []task
	running int
	closed  bool

	completed atomic.Uint64
	failed    atomic.Uint64

	workers   sync.WaitGroup
	closeOnce sync.Once
}

var _ Runner = (*Pool)(nil)

// NewPool starts a pool.
func NewPool(opts Options) *Pool {
	opts.Workers = max(1, opts.Workers)
	opts.HeavyJobs = max(1, opts.HeavyJobs)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:   opts,
		logger: logging.OrDefault(opts.Logger),
		heavy:  semaphore.NewWeighted(int64(opts.HeavyJobs)),
		ctx:    ctx,
		cancel: cancel,
	}
	p.cond = sync.NewCond(&p.mu)
	p.workers.Add(opts.Workers)
	for range opts.Workers {
		go p.worker()
	}
	return p
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int { return p.opts.Workers }

// Submit implements Runner.
func (p *Pool) Submit(job Job) (*Handle, error) {
	h := newHandle(job, p.opts.Observer)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.queue = append(p.queue, task{job: job, handle: h})
	p.cond.Broadcast()
	p.mu.Unlock()

	h.emit(Event{Type: EventQueued})
	return h, nil
}

// next dequeues the first runnable task. A heavy task is runnable only when
// a heavy slot can be taken. It returns false once the pool is closed and
// drained.
func (p *Pool) next() (task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for i, t := range p.queue {
			if t.job.Kind() == KindHeavy && !p.heavy.TryAcquire(1) {
				continue
			}
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.running++
			return t, true
		}
		if p.closed && len(p.queue) == 0 {
			return task{}, false
		}
		p.cond.Wait()
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for {
		t, ok := p.next()
		if !ok {
			return
		}
		err := p.run(t)
		if t.job.Kind() == KindHeavy {
			p.heavy.Release(1)
		}
		if err != nil {
			p.failed.Add(1)
			p.logger.Warnf("%sjob %s failed: %v", logging.NSJobs, t.job.Name(), err)
		} else {
			p.completed.Add(1)
		}
		t.handle.finish(err)

		p.mu.Lock()
		p.running--
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

func (p *Pool) run(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: job %s panicked: %v", t.job.Name(), r)
		}
	}()
	t.handle.emit(Event{Type: EventStarted})
	return t.job.Run(p.ctx, t.handle)
}

// Wait blocks until the queue is empty and no job is running.
func (p *Pool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 || p.running > 0 {
		p.cond.Wait()
	}
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued, running := len(p.queue), p.running
	p.mu.Unlock()
	return Stats{
		Queued:    queued,
		Running:   running,
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

// Close stops accepting jobs, runs what is queued and waits for the
// workers to exit. It is safe to call more than once.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.cond.Broadcast()
		p.mu.Unlock()
		p.workers.Wait()
		p.cancel()
	})
}
