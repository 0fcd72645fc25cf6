// Package taskmanager runs generation tasks under a bounded concurrency
// slot pool and tracks each task through an explicit state machine.
//
// States move forward only:
//
//	Queued -> Submitted -> Polling -> {Succeeded | Failed | Cancelled}
//
// A task holds a slot from the moment it leaves Queued until it reaches a
// terminal state, so at most MaxConcurrent tasks are ever talking to remote
// engines. Cancellation is cooperative: Cancel cancels the task's context
// and the adapter layer is expected to notice at its next poll or backoff
// boundary.
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ljc0311/clipforge/pkg/engine"
)

// State is a task's position in the lifecycle.
type State string

const (
	StateQueued    State = "queued"
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can occur.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// forward is the allowed transition table.
var forward = map[State][]State{
	StateQueued:    {StateSubmitted, StateFailed, StateCancelled},
	StateSubmitted: {StatePolling, StateFailed, StateCancelled},
	StatePolling:   {StateSubmitted, StateSucceeded, StateFailed, StateCancelled}, // Polling->Submitted is an explicit retry
}

// Record is a point-in-time copy of one task's state.
type Record struct {
	TaskID       string        `json:"task_id"`
	JobID        string        `json:"job_id"`
	SceneID      string        `json:"scene_id,omitempty"`
	State        State         `json:"state"`
	EngineID     string        `json:"engine_id,omitempty"`
	RemoteHandle engine.Handle `json:"remote_handle,omitempty"`
	Retries      int           `json:"retries"`
	LastError    string        `json:"last_error,omitempty"`
	OutputPath   string        `json:"output_path,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	EndedAt      time.Time     `json:"ended_at,omitempty"`
}

// ErrAwaitTimeout is returned by AwaitResult when the task does not reach a
// terminal state in time.
var ErrAwaitTimeout = errors.New("timed out waiting for task result")

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("task manager is closed")

// Runner executes one task end to end: submit, poll, download. It must
// return the output file path on success and honour ctx cancellation. The
// Task argument is how the runner reports intermediate transitions.
type Runner func(ctx context.Context, t *Task) (outputPath string, err error)

// Config configures a Manager.
type Config struct {
	// MaxConcurrent bounds tasks in Submitted or Polling state. Default 3.
	MaxConcurrent int

	// HistoryLimit bounds retained terminal records. Oldest terminal
	// records are evicted first. Default 256.
	HistoryLimit int

	// Logger receives task lifecycle events. Default no-op.
	Logger *zap.Logger
}

// DefaultConfig returns the default Manager configuration.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 3, HistoryLimit: 256}
}

// Task is the manager's handle on one running job. Runners use it to record
// engine assignment and poll progress; everything else goes through Manager.
type Task struct {
	id     string
	job    engine.Job
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	rec    Record
	seq    int64 // admission order, for Snapshot and eviction
}

// Job returns the task's immutable job.
func (t *Task) Job() engine.Job { return t.job }

// ID returns the task ID.
func (t *Task) ID() string { return t.id }

// MarkSubmitted records a successful submit to an engine.
func (t *Task) MarkSubmitted(engineID string, h engine.Handle) {
	t.transition(StateSubmitted, func(r *Record) {
		r.EngineID = engineID
		r.RemoteHandle = h
		if r.StartedAt.IsZero() {
			r.StartedAt = time.Now()
		}
	})
}

// MarkPolling records that the task is waiting on the remote engine.
func (t *Task) MarkPolling() {
	t.transition(StatePolling, nil)
}

// MarkRetry records a resubmission after a failed attempt. The state moves
// back to Submitted, the one sanctioned backward edge.
func (t *Task) MarkRetry(engineID string, h engine.Handle, cause error) {
	t.transition(StateSubmitted, func(r *Record) {
		r.Retries++
		r.EngineID = engineID
		r.RemoteHandle = h
		if cause != nil {
			r.LastError = cause.Error()
		}
	})
}

func (t *Task) transition(to State, mut func(*Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec.State.Terminal() {
		return
	}
	if !allowed(t.rec.State, to) {
		return
	}
	t.rec.State = to
	if mut != nil {
		mut(&t.rec)
	}
}

func allowed(from, to State) bool {
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (t *Task) record() Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rec
}

// finish moves the task to a terminal state. First terminal wins.
func (t *Task) finish(to State, outputPath string, cause error) {
	t.mu.Lock()
	if t.rec.State.Terminal() {
		t.mu.Unlock()
		return
	}
	t.rec.State = to
	t.rec.OutputPath = outputPath
	t.rec.EndedAt = time.Now()
	if cause != nil {
		t.rec.LastError = cause.Error()
	}
	t.mu.Unlock()
	close(t.done)
}

// Manager schedules and tracks tasks. Safe for concurrent use.
type Manager struct {
	cfg   Config
	log   *zap.Logger
	slots chan struct{}

	mu     sync.Mutex
	tasks  map[string]*Task
	seq    int64
	closed bool
	wg     sync.WaitGroup
}

// New creates a Manager.
func New(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:   cfg,
		log:   cfg.Logger,
		slots: make(chan struct{}, cfg.MaxConcurrent),
		tasks: make(map[string]*Task),
	}
}

// Submit admits a job and returns its task ID immediately. The runner starts
// once a concurrency slot frees up.
func (m *Manager) Submit(job engine.Job, run Runner) (string, error) {
	if run == nil {
		return "", errors.New("submit: nil runner")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:     uuid.New().String(),
		job:    job,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	t.rec = Record{
		TaskID:    t.id,
		JobID:     job.ID,
		SceneID:   sceneOf(job),
		State:     StateQueued,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	m.seq++
	t.seq = m.seq
	m.tasks[t.id] = t
	m.mu.Unlock()

	m.log.Debug("task queued", zap.String("task_id", t.id), zap.String("job_id", job.ID))

	m.wg.Add(1)
	go m.execute(ctx, t, run)
	return t.id, nil
}

func sceneOf(job engine.Job) string {
	// Job IDs are "<scene>/<clip index>" when the planner created them.
	for i := len(job.ID) - 1; i >= 0; i-- {
		if job.ID[i] == '/' {
			return job.ID[:i]
		}
	}
	return ""
}

func (m *Manager) execute(ctx context.Context, t *Task, run Runner) {
	defer m.wg.Done()
	defer t.cancel()

	// Hold in Queued until a slot opens or the task is cancelled.
	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		t.finish(StateCancelled, "", nil)
		m.retire(t)
		return
	}
	defer func() { <-m.slots }()

	out, err := run(ctx, t)
	switch {
	case err == nil:
		t.finish(StateSucceeded, out, nil)
		m.log.Debug("task succeeded", zap.String("task_id", t.id), zap.String("output", out))
	case ctx.Err() != nil || engine.IsCancelled(err):
		// A cancelled task is a clean outcome, not an error.
		t.finish(StateCancelled, "", nil)
		m.log.Debug("task cancelled", zap.String("task_id", t.id))
	default:
		t.finish(StateFailed, "", err)
		m.log.Warn("task failed", zap.String("task_id", t.id), zap.Error(err))
	}
	m.retire(t)
}

// retire applies history retention after a task reaches a terminal state.
func (m *Manager) retire(_ *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	terminal := make([]*Task, 0)
	for _, t := range m.tasks {
		if t.record().State.Terminal() {
			terminal = append(terminal, t)
		}
	}
	if len(terminal) <= m.cfg.HistoryLimit {
		return
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].seq < terminal[j].seq })
	for _, t := range terminal[:len(terminal)-m.cfg.HistoryLimit] {
		delete(m.tasks, t.id)
	}
}

// Cancel requests cooperative cancellation. Idempotent; cancelling a task
// already in a terminal state (or unknown, e.g. evicted) is a no-op success.
func (m *Manager) Cancel(taskID string) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
}

// CancelScene cancels every non-terminal task whose job belongs to sceneID.
func (m *Manager) CancelScene(sceneID string) {
	m.mu.Lock()
	targets := make([]*Task, 0)
	for _, t := range m.tasks {
		if t.record().SceneID == sceneID {
			targets = append(targets, t)
		}
	}
	m.mu.Unlock()
	for _, t := range targets {
		t.cancel()
	}
}

// AwaitResult blocks until the task reaches a terminal state or the timeout
// elapses. timeout <= 0 waits indefinitely.
func (m *Manager) AwaitResult(taskID string, timeout time.Duration) (Record, error) {
	m.mu.Lock()
	t, ok := m.tasks[taskID]
	m.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("unknown task %s", taskID)
	}

	if timeout <= 0 {
		<-t.done
		return t.record(), nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.record(), nil
	case <-timer.C:
		return t.record(), fmt.Errorf("%w: task %s after %s", ErrAwaitTimeout, taskID, timeout)
	}
}

// Snapshot returns a copy of every tracked task record in admission order.
func (m *Manager) Snapshot() []Record {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].seq < tasks[j].seq })
	out := make([]Record, len(tasks))
	for i, t := range tasks {
		out[i] = t.record()
	}
	return out
}

// Close stops admission, cancels everything in flight, and waits for all
// runners to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	m.wg.Wait()
	return nil
}
