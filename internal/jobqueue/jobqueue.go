// Package jobqueue schedules typed async jobs over a fixed worker pool.
// Jobs run by (priority DESC, createdAt ASC), carry their own timeout and
// retry budget, and report progress to registered listeners. Terminal jobs
// are retained in memory up to a cap; there is no persistence.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/distil/internal/models"
	"github.com/jmylchreest/distil/internal/webhook"
)

// Handler executes one job attempt. updateProgress may be called at any
// rate; values are clamped to [0,100]. The context is cancelled on job
// cancel or timeout, and handlers must observe it.
type Handler func(ctx context.Context, job *models.Job, updateProgress func(float64, string)) (any, error)

// Config holds queue configuration.
type Config struct {
	Concurrency    int
	Tick           time.Duration
	DefaultTimeout time.Duration
	RetentionLimit int // max terminal jobs kept in memory
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:    3,
		Tick:           250 * time.Millisecond,
		DefaultTimeout: 5 * time.Minute,
		RetentionLimit: 100,
	}
}

// Queue is the in-process job scheduler.
type Queue struct {
	cfg      Config
	notifier *webhook.Notifier
	logger   *slog.Logger
	entropy  *ulid.MonotonicEntropy
	clock    func() time.Time

	mu        sync.Mutex
	jobs      map[string]*models.Job
	queued    []string // job ids ordered by (priority DESC, createdAt ASC)
	running   map[string]context.CancelFunc
	handlers  map[string]Handler
	listeners map[string][]chan models.JobEvent

	stop    chan struct{}
	stopped sync.WaitGroup
}

// New creates a queue. notifier may be nil to disable webhooks.
func New(cfg Config, notifier *webhook.Notifier, logger *slog.Logger) *Queue {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.RetentionLimit <= 0 {
		cfg.RetentionLimit = def.RetentionLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		cfg:       cfg,
		notifier:  notifier,
		logger:    logger.With("component", "jobqueue"),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		clock:     time.Now,
		jobs:      make(map[string]*models.Job),
		running:   make(map[string]context.CancelFunc),
		handlers:  make(map[string]Handler),
		listeners: make(map[string][]chan models.JobEvent),
		stop:      make(chan struct{}),
	}
}

// RegisterHandler binds a handler to a job type.
func (q *Queue) RegisterHandler(jobType string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Start launches the worker tick loop.
func (q *Queue) Start() {
	q.stopped.Add(1)
	go func() {
		defer q.stopped.Done()
		ticker := time.NewTicker(q.cfg.Tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.dispatch()
			case <-q.stop:
				return
			}
		}
	}()
}

// Stop halts dispatching. Running jobs keep their contexts; callers that
// want them aborted cancel them individually first.
func (q *Queue) Stop() {
	close(q.stop)
	q.stopped.Wait()
}

// Enqueue schedules a job and returns its id.
func (q *Queue) Enqueue(jobType string, payload any, opts models.JobOptions) string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	job := &models.Job{
		ID:        ulid.MustNew(ulid.Timestamp(now), q.entropy).String(),
		Type:      jobType,
		Status:    models.JobQueued,
		Payload:   payload,
		Options:   opts,
		CreatedAt: now,
	}
	q.jobs[job.ID] = job
	q.insertLocked(job.ID)
	q.logger.Debug("job enqueued", "job_id", job.ID, "type", jobType, "priority", opts.Priority)
	return job.ID
}

// Get returns a copy of the job record.
func (q *Queue) Get(id string) (models.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return models.Job{}, false
	}
	return *job, true
}

// List returns copies of all retained jobs, newest first.
func (q *Queue) List() []models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Stats is a point-in-time snapshot of queue occupancy.
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// GetStats returns the current queue statistics.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	var s Stats
	for _, job := range q.jobs {
		switch job.Status {
		case models.JobQueued:
			s.Queued++
		case models.JobRunning:
			s.Running++
		case models.JobCompleted:
			s.Completed++
		case models.JobFailed:
			s.Failed++
		case models.JobCancelled:
			s.Cancelled++
		}
	}
	return s
}

// HasWork reports whether any job is queued or running. Used by the idle
// monitor to keep the process alive while background work is pending.
func (q *Queue) HasWork() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queued) > 0 || len(q.running) > 0
}

// Cancel cancels a queued or running job. Returns false when the job does
// not exist or is already terminal.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status.Terminal() {
		q.mu.Unlock()
		return false
	}

	switch job.Status {
	case models.JobQueued:
		for i, qid := range q.queued {
			if qid == id {
				q.queued = append(q.queued[:i], q.queued[i+1:]...)
				break
			}
		}
	case models.JobRunning:
		if cancel, running := q.running[id]; running {
			cancel()
		}
	}

	now := q.clock()
	job.Status = models.JobCancelled
	job.CompletedAt = &now
	ev := models.JobEvent{Kind: models.JobEventStatus, JobID: id, Status: job.Status, Progress: job.Progress}
	q.mu.Unlock()

	q.emit(id, ev)
	q.evict()
	return true
}

// StreamProgress yields job events until a terminal event. The first event
// reflects the current status; a job already terminal yields exactly one
// event. The channel is always closed.
func (q *Queue) StreamProgress(ctx context.Context, id string) (<-chan models.JobEvent, error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("unknown job %s", id)
	}

	initial := models.JobEvent{
		Kind:     models.JobEventStatus,
		JobID:    id,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.StatusMessage,
		Error:    job.Error,
	}

	out := make(chan models.JobEvent, 32)
	if job.Status.Terminal() {
		q.mu.Unlock()
		out <- initial
		close(out)
		return out, nil
	}

	sub := make(chan models.JobEvent, 32)
	q.listeners[id] = append(q.listeners[id], sub)
	q.mu.Unlock()

	go func() {
		defer close(out)
		defer q.unsubscribe(id, sub)
		out <- initial
		for {
			select {
			case ev, open := <-sub:
				if !open {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				if ev.Terminal() {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// insertLocked places a job id into the queue keeping (priority DESC,
// createdAt ASC) order via binary search. Caller holds mu.
func (q *Queue) insertLocked(id string) {
	job := q.jobs[id]
	idx := sort.Search(len(q.queued), func(i int) bool {
		other := q.jobs[q.queued[i]]
		if other.Options.Priority != job.Options.Priority {
			return other.Options.Priority < job.Options.Priority
		}
		return other.CreatedAt.After(job.CreatedAt)
	})
	q.queued = append(q.queued, "")
	copy(q.queued[idx+1:], q.queued[idx:])
	q.queued[idx] = id
}

// dispatch pops queued jobs into free worker slots.
func (q *Queue) dispatch() {
	for {
		q.mu.Lock()
		if len(q.running) >= q.cfg.Concurrency || len(q.queued) == 0 {
			q.mu.Unlock()
			return
		}
		id := q.queued[0]
		q.queued = q.queued[1:]
		job, ok := q.jobs[id]
		if !ok || job.Status != models.JobQueued {
			q.mu.Unlock()
			continue
		}

		handler, hasHandler := q.handlers[job.Type]
		if !hasHandler {
			now := q.clock()
			job.Status = models.JobFailed
			job.Error = "no handler registered for type " + job.Type
			job.CompletedAt = &now
			ev := models.JobEvent{Kind: models.JobEventError, JobID: id, Status: job.Status, Error: job.Error}
			payload := q.webhookPayloadLocked(job)
			hook := job.Options.WebhookURL
			q.mu.Unlock()

			q.emit(id, ev)
			q.deliver(hook, payload)
			q.evict()
			continue
		}

		timeout := job.Options.Timeout
		if timeout <= 0 {
			timeout = q.cfg.DefaultTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		now := q.clock()
		job.Status = models.JobRunning
		job.StartedAt = &now
		job.Attempts++
		q.running[id] = cancel
		ev := models.JobEvent{Kind: models.JobEventStatus, JobID: id, Status: job.Status, Progress: job.Progress}
		q.mu.Unlock()

		q.emit(id, ev)
		go q.execute(ctx, cancel, id, handler)
	}
}

// execute runs one attempt and applies the completion/retry/failure
// transition.
func (q *Queue) execute(ctx context.Context, cancel context.CancelFunc, id string, handler Handler) {
	defer cancel()

	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	jobCopy := *job
	q.mu.Unlock()

	updateProgress := func(p float64, msg string) {
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		q.mu.Lock()
		j, ok := q.jobs[id]
		if !ok || j.Status != models.JobRunning {
			q.mu.Unlock()
			return
		}
		j.Progress = p
		j.StatusMessage = msg
		ev := models.JobEvent{Kind: models.JobEventProgress, JobID: id, Status: j.Status, Progress: p, Message: msg}
		q.mu.Unlock()
		q.emit(id, ev)
	}

	result, err := handler(ctx, &jobCopy, updateProgress)

	q.mu.Lock()
	job, ok = q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.running, id)

	if job.Status == models.JobCancelled {
		// Cancel already produced the terminal transition; the handler's
		// outcome is discarded.
		q.mu.Unlock()
		return
	}

	if err == nil {
		now := q.clock()
		job.Status = models.JobCompleted
		job.Result = result
		job.Progress = 100
		job.Error = ""
		job.CompletedAt = &now
		ev := models.JobEvent{Kind: models.JobEventComplete, JobID: id, Status: job.Status, Progress: 100}
		payload := q.webhookPayloadLocked(job)
		hook := job.Options.WebhookURL
		q.mu.Unlock()

		q.emit(id, ev)
		q.deliver(hook, payload)
		q.evict()
		return
	}

	if job.Attempts <= job.Options.Retries {
		// Retry keeps the original createdAt so retries stay age-ordered
		// within their priority.
		job.Status = models.JobQueued
		job.Progress = 0
		q.insertLocked(id)
		q.logger.Debug("job retrying", "job_id", id, "attempt", job.Attempts, "error", err)
		q.mu.Unlock()
		return
	}

	now := q.clock()
	job.Status = models.JobFailed
	job.Error = failureMessage(err)
	job.CompletedAt = &now
	ev := models.JobEvent{Kind: models.JobEventError, JobID: id, Status: job.Status, Error: job.Error}
	payload := q.webhookPayloadLocked(job)
	hook := job.Options.WebhookURL
	q.mu.Unlock()

	q.emit(id, ev)
	q.deliver(hook, payload)
	q.evict()
}

// webhookPayloadLocked builds the delivery payload. Caller holds mu.
func (q *Queue) webhookPayloadLocked(job *models.Job) models.WebhookPayload {
	var duration int64
	if job.StartedAt != nil && job.CompletedAt != nil {
		duration = job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
	}
	return models.WebhookPayload{
		JobID:    job.ID,
		Type:     job.Type,
		Status:   string(job.Status),
		Result:   job.Result,
		Error:    job.Error,
		Duration: duration,
	}
}

func (q *Queue) deliver(url string, payload models.WebhookPayload) {
	if q.notifier == nil || url == "" {
		return
	}
	q.notifier.Notify(url, payload)
}

// emit fans an event out to the job's listeners without blocking the
// scheduler. Slow listeners lose intermediate progress events, but a
// terminal event always lands: it sheds the oldest buffered event until
// the send succeeds, so a stream can never miss its ending.
func (q *Queue) emit(id string, ev models.JobEvent) {
	q.mu.Lock()
	subs := make([]chan models.JobEvent, len(q.listeners[id]))
	copy(subs, q.listeners[id])
	q.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub <- ev:
			continue
		default:
		}
		if !ev.Terminal() {
			q.logger.Debug("job listener lagging, event dropped", "job_id", id, "kind", ev.Kind)
			continue
		}
		for {
			select {
			case sub <- ev:
			default:
				select {
				case <-sub:
					q.logger.Debug("job listener lagging, shed event for terminal delivery", "job_id", id)
				default:
				}
				continue
			}
			break
		}
	}
}

func (q *Queue) unsubscribe(id string, target chan models.JobEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	subs := q.listeners[id]
	for i, sub := range subs {
		if sub == target {
			q.listeners[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(q.listeners[id]) == 0 {
		delete(q.listeners, id)
	}
}

// evict drops the oldest terminal jobs beyond the retention limit.
func (q *Queue) evict() {
	q.mu.Lock()
	defer q.mu.Unlock()

	var terminal []*models.Job
	for _, job := range q.jobs {
		if job.Status.Terminal() {
			terminal = append(terminal, job)
		}
	}
	if len(terminal) <= q.cfg.RetentionLimit {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return completedAt(terminal[i]).Before(completedAt(terminal[j]))
	})
	for _, job := range terminal[:len(terminal)-q.cfg.RetentionLimit] {
		delete(q.jobs, job.ID)
		delete(q.listeners, job.ID)
	}
}

func completedAt(job *models.Job) time.Time {
	if job.CompletedAt != nil {
		return *job.CompletedAt
	}
	return job.CreatedAt
}

// failureMessage normalizes cancellation-style errors.
func failureMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "timed out or aborted"
	}
	return err.Error()
}
