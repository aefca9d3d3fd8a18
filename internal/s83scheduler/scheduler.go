// Package s83scheduler is a generic named-job scheduler: callers enqueue a
// function under a name with a time to run it, and the scheduler runs each
// job exactly once it's due, in a background worker loop. It generalizes a
// single-purpose board-propagation queue into something that can carry any
// named, retryable background work a Spring '83 server needs (gossip
// broadcast, board expiry, whatever comes next).
package s83scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Func is the work a scheduled job performs. Returning a non-nil error
// signals the scheduler to treat the run as failed; whether that triggers a
// retry is up to the caller via Job.Retry.
type Func func(ctx context.Context) error

// ExistingPolicy controls what happens when Add is called for a name that
// already has a pending job.
type ExistingPolicy int

const (
	// Replace discards the previously scheduled run and installs the new
	// one in its place. This is the default, matching the common case of
	// "we have fresher data to send, supersede whatever was queued."
	Replace ExistingPolicy = iota

	// KeepExisting leaves the already-queued job alone and ignores the new
	// Add call entirely.
	KeepExisting
)

type job struct {
	id      string
	name    string
	fn      Func
	runAt   time.Time
	retry   func(attempt int, err error) (time.Time, bool)
	attempt int
	index   int
}

// jobQueue is a min-heap of jobs ordered by runAt, with a name-keyed lookup
// so re-adding a name can find (and replace or skip) the existing entry in
// O(log n) instead of a linear scan.
type jobQueue struct {
	items  []*job
	lookup map[string]*job
}

func newJobQueue() *jobQueue {
	return &jobQueue{lookup: map[string]*job{}}
}

func (q jobQueue) Len() int { return len(q.items) }

func (q jobQueue) Less(i, j int) bool { return q.items[i].runAt.Before(q.items[j].runAt) }

func (q jobQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *jobQueue) Push(x any) {
	j := x.(*job)
	j.index = len(q.items)
	q.items = append(q.items, j)
	q.lookup[j.name] = j
}

func (q *jobQueue) Pop() any {
	old := q.items
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	q.items = old[:n-1]
	delete(q.lookup, j.name)
	return j
}

// Scheduler runs named jobs at their scheduled time, retrying failed runs
// according to each job's own retry policy. It has an explicit start/stop
// lifecycle: Start must be called once before Add'ed jobs will ever run, and
// Stop should be called on shutdown so the worker goroutine doesn't leak.
type Scheduler struct {
	logger  logrus.FieldLogger
	mut     sync.Mutex
	queue   *jobQueue
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	timeNow func() time.Time
	tick    time.Duration
}

// New builds a Scheduler. tick controls how often the background loop wakes
// up to check for due jobs; callers processing time-sensitive gossip
// typically want something on the order of a second. Call Start to begin
// running jobs.
func New(logger logrus.FieldLogger, tick time.Duration) *Scheduler {
	return &Scheduler{
		logger:  logger,
		queue:   newJobQueue(),
		timeNow: time.Now,
		tick:    tick,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the background worker loop. It must be called exactly once
// per process; calling it again (including after Stop) has no effect.
func (s *Scheduler) Start() {
	s.mut.Lock()
	if s.started {
		s.mut.Unlock()
		return
	}
	s.started = true
	s.mut.Unlock()

	go s.run()
}

// Stop signals the worker loop to stop accepting new jobs and exit, then
// waits for it to do so. A job already executing is allowed to finish; Stop
// does not cancel its context. Stop is idempotent and safe to call even if
// Start was never called.
func (s *Scheduler) Stop() {
	s.mut.Lock()
	if !s.started || s.stopped {
		s.mut.Unlock()
		return
	}
	s.stopped = true
	s.mut.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

// Add schedules fn to run at runAt under name. If a job is already pending
// under that name, policy decides whether it's replaced or kept.
//
// retry, if non-nil, is consulted when fn returns an error: given the
// attempt number (starting at 1) and the error, it returns the next time to
// retry and whether a retry should happen at all.
func (s *Scheduler) Add(name string, runAt time.Time, fn Func, retry func(attempt int, err error) (time.Time, bool), policy ExistingPolicy) {
	s.mut.Lock()
	defer s.mut.Unlock()

	if existing, ok := s.queue.lookup[name]; ok {
		if policy == KeepExisting {
			s.logger.WithField("job", name).Debug("job already scheduled, keeping existing run")
			return
		}
		heap.Remove(s.queue, existing.index)
	}

	heap.Push(s.queue, &job{
		id:    uuid.NewString(),
		name:  name,
		fn:    fn,
		runAt: runAt,
		retry: retry,
	})

	s.logger.WithFields(logrus.Fields{"job": name, "run_at": runAt}).Info("scheduled job")
}

// Interval is a convenience over Add for jobs that should run every d
// starting now, forever (until Stop halts the worker loop). fn is re-added
// after each run regardless of its outcome.
func (s *Scheduler) Interval(name string, d time.Duration, fn Func) {
	var wrapped Func
	wrapped = func(ctx context.Context) error {
		err := fn(ctx)
		s.Add(name, s.timeNow().Add(d), wrapped, nil, Replace)
		return err
	}
	s.Add(name, s.timeNow().Add(d), wrapped, nil, Replace)
}

// run is the background worker loop: it wakes up every tick, runs whatever
// jobs are due, and keeps doing so until Stop closes stopCh.
func (s *Scheduler) run() {
	defer close(s.doneCh)

	ctx := context.Background()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.mut.Lock()
		if s.queue.Len() == 0 || !s.timeNow().After(s.queue.items[0].runAt) {
			s.mut.Unlock()
			select {
			case <-s.stopCh:
				return
			case <-time.After(s.tick):
			}
			continue
		}

		next := heap.Pop(s.queue).(*job)
		s.mut.Unlock()

		next.attempt++
		err := next.fn(ctx)

		if err == nil {
			s.logger.WithField("job", next.name).Info("job completed")
			continue
		}

		s.logger.WithFields(logrus.Fields{"job": next.name, "error": err}).Warn("job failed")

		if next.retry == nil {
			continue
		}

		runAt, shouldRetry := next.retry(next.attempt, err)
		if !shouldRetry {
			s.logger.WithField("job", next.name).Info("giving up after retry policy declined a further attempt")
			continue
		}

		next.runAt = runAt

		s.mut.Lock()
		heap.Push(s.queue, next)
		s.mut.Unlock()
	}
}

// Pending reports how many jobs are currently queued. Exposed for tests and
// metrics, not for control flow.
func (s *Scheduler) Pending() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.queue.Len()
}

// SetTimeNow overrides the scheduler's clock. For testing purposes only.
func (s *Scheduler) SetTimeNow(timeNow func() time.Time) {
	s.timeNow = timeNow
}
