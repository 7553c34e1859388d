// Package upload schedules durable uploads: it admits records from the store,
// runs them through the transfer executor with bounded concurrency, retries
// transient failures and emits exactly one completion per upload.
package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/danielsousast/expo-background-upload/internal/events"
	"github.com/danielsousast/expo-background-upload/internal/store"
	"github.com/danielsousast/expo-background-upload/internal/transfer"
	"github.com/danielsousast/expo-background-upload/internal/uploaderr"
	"github.com/danielsousast/expo-background-upload/pkg/logging"
)

// Runner executes the transfer of one record.
type Runner interface {
	Execute(ctx context.Context, rec store.Record, hooks transfer.Hooks) (*transfer.Result, error)
}

var (
	errCancelled = errors.New("cancelled")
	errPaused    = errors.New("paused")
	errShutdown  = errors.New("manager closed")

	// errNotActive aborts a mutation of a record that is no longer runnable.
	errNotActive = errors.New("upload is not active")
)

const conflictRetries = 5

type jobState int

const (
	jobQueued jobState = iota
	jobRunning
	jobBackoff
)

// job is the in-memory companion of an admitted record.
type job struct {
	id    string
	state jobState

	cancel   context.CancelCauseFunc
	timer    *time.Timer
	stopping bool
	readmit  bool

	// gate orders events of this upload.
	gate         sync.Mutex
	terminated   bool
	lastProgress int64
}

// Manager owns the lifecycle of uploads.
type Manager struct {
	store  *store.RecordStore
	hub    *events.Hub
	cfg    Config
	runner Runner
	log    logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*job
	queue   []*job
	running int
	closed  bool
	changed chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunner replaces the default transfer executor.
func WithRunner(r Runner) Option {
	return func(m *Manager) { m.runner = r }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = l }
}

// New creates a manager, re-admits every pending or in-progress record from
// s oldest first and replays completions that were never delivered.
func New(s *store.RecordStore, hub *events.Hub, cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		store:   s,
		hub:     hub,
		cfg:     cfg,
		log:     logging.Discard(),
		jobs:    make(map[string]*job),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.runner == nil {
		m.runner = transfer.NewExecutor(transfer.Options{Logger: m.log})
	}
	m.ctx, m.cancel = context.WithCancelCause(context.Background())

	hub.OnDelivered(func(ev events.CompletionEvent) {
		if err := s.ClearNotification(ev.UploadID); err != nil {
			m.log.WithError(err).WithField("upload_id", ev.UploadID).Warn("failed to clear delivered notification")
		}
	})

	if err := m.recover(); err != nil {
		m.cancel(errShutdown)
		return nil, err
	}
	return m, nil
}

func (m *Manager) recover() error {
	ids, err := m.store.PendingNotifications()
	if err != nil {
		return err
	}
	for _, id := range ids {
		rec, err := m.store.Get(id)
		if err != nil {
			m.log.WithError(err).WithField("upload_id", id).Warn("dropping notification of unknown upload")
			if err := m.store.ClearNotification(id); err != nil {
				return err
			}
			continue
		}
		m.hub.EmitTerminal(completionEvent(rec))
	}

	records, err := m.store.List(store.Filter{Statuses: []store.Status{store.StatusPending, store.StatusInProgress}})
	if err != nil {
		return err
	}
	for _, rec := range records {
		m.log.WithFields(logrus.Fields{
			"upload_id": rec.ID,
			"status":    rec.Status,
			"offset":    rec.BytesSent,
		}).Info("recovering upload")
		m.admit(rec.ID)
	}
	return nil
}

// Start registers an upload of sourcePath and returns its id at once. The
// transfer runs in the background.
func (m *Manager) Start(sourcePath string, opts Options) (string, error) {
	path, size, err := resolveSource(sourcePath)
	if err != nil {
		return "", err
	}
	dest, err := opts.destination(path)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return "", uploaderr.New(uploaderr.KindInvalidArgument, "upload.start", "manager is closed")
	}

	rec, err := m.store.Create(store.CreateSpec{SourcePath: path, Destination: dest, TotalBytes: size})
	if err != nil {
		return "", err
	}
	m.log.WithFields(logrus.Fields{"upload_id": rec.ID, "source": path, "size": size}).Info("upload registered")
	m.admit(rec.ID)
	return rec.ID, nil
}

// Cancel aborts the upload. It reports true only for the call that moved a
// non-terminal upload to cancelled.
func (m *Manager) Cancel(id string) bool {
	j := m.jobFor(id)

	rec, err := m.mutate(id, func(r *store.Record) error {
		r.Status = store.StatusCancelled
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrTerminal) && uploaderr.KindOf(err) != uploaderr.KindNotFound {
			m.log.WithError(err).WithField("upload_id", id).Warn("cancel failed")
		}
		return false
	}

	m.emitTerminal(j, rec)
	m.stop(id, errCancelled)
	m.log.WithField("upload_id", id).Info("upload cancelled")
	return true
}

// Pause stops a pending or running upload, keeping its acknowledged offset.
// Paused uploads are not resumed automatically, not even after a restart.
func (m *Manager) Pause(id string) bool {
	_, err := m.mutate(id, func(r *store.Record) error {
		if r.Status != store.StatusPending && r.Status != store.StatusInProgress {
			return errNotActive
		}
		r.Status = store.StatusPaused
		return nil
	})
	if err != nil {
		return false
	}
	m.stop(id, errPaused)
	m.log.WithField("upload_id", id).Info("upload paused")
	return true
}

// Resume re-admits a paused upload.
func (m *Manager) Resume(id string) bool {
	_, err := m.mutate(id, func(r *store.Record) error {
		if r.Status != store.StatusPaused {
			return errNotActive
		}
		r.Status = store.StatusPending
		return nil
	})
	if err != nil {
		return false
	}
	m.admit(id)
	m.log.WithField("upload_id", id).Info("upload resumed")
	return true
}

// Get returns the stored record of id.
func (m *Manager) Get(id string) (store.Record, error) {
	return m.store.Get(id)
}

// List returns the records matching filter, oldest first.
func (m *Manager) List(filter store.Filter) ([]store.Record, error) {
	return m.store.List(filter)
}

// Acknowledge deletes a finished upload.
func (m *Manager) Acknowledge(id string) error {
	return m.store.DeleteFinished(id)
}

// Wait blocks until no upload is queued, running or waiting for a retry.
func (m *Manager) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		if len(m.jobs) == 0 {
			m.mu.Unlock()
			return nil
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops all transfers. Interrupted uploads return to pending with their
// acknowledged offset and are picked up by the next Manager on the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for id, j := range m.jobs {
		if j.state != jobRunning {
			if j.timer != nil {
				j.timer.Stop()
			}
			delete(m.jobs, id)
		}
	}
	m.queue = nil
	m.notifyLocked()
	m.mu.Unlock()

	m.cancel(errShutdown)
	m.wg.Wait()
	return nil
}

// admit queues id unless it is already known.
func (m *Manager) admit(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if cur, ok := m.jobs[id]; ok {
		if cur.stopping {
			cur.readmit = true
		}
		return
	}
	j := &job{id: id, state: jobQueued}
	m.jobs[id] = j
	m.queue = append(m.queue, j)
	m.dispatchLocked()
	m.notifyLocked()
}

// dispatchLocked starts queued jobs while slots are free.
func (m *Manager) dispatchLocked() {
	for len(m.queue) > 0 && (m.cfg.MaxConcurrent <= 0 || m.running < m.cfg.MaxConcurrent) {
		j := m.queue[0]
		m.queue = m.queue[1:]
		if m.jobs[j.id] != j || j.state != jobQueued {
			continue
		}

		ctx, cancel := context.WithCancelCause(m.ctx)
		j.state = jobRunning
		j.cancel = cancel
		m.running++
		m.wg.Add(1)
		go m.run(ctx, j)
	}
}

func (m *Manager) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// jobFor returns the job of id, or a detached one when id is not admitted.
func (m *Manager) jobFor(id string) *job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		return j
	}
	return &job{id: id}
}

// stop withdraws id from the scheduler, cancelling a running transfer with
// cause.
func (m *Manager) stop(id string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return
	}
	switch j.state {
	case jobRunning:
		j.stopping = true
		j.readmit = false
		j.cancel(cause)
	case jobBackoff:
		j.timer.Stop()
		delete(m.jobs, id)
	default:
		delete(m.jobs, id)
	}
	m.notifyLocked()
}

func (m *Manager) run(ctx context.Context, j *job) {
	defer m.wg.Done()
	log := m.log.WithField("upload_id", j.id)

	retryIn := time.Duration(-1)
	defer func() { m.finish(j, retryIn) }()

	rec, err := m.mutate(j.id, func(r *store.Record) error {
		if r.Status != store.StatusPending && r.Status != store.StatusInProgress {
			return errNotActive
		}
		r.Status = store.StatusInProgress
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNotActive) && !errors.Is(err, store.ErrTerminal) {
			log.WithError(err).Error("failed to start upload")
		}
		return
	}
	log.WithFields(logrus.Fields{"attempt": rec.Attempt, "offset": rec.BytesSent}).Debug("transfer started")

	res, err := m.runner.Execute(ctx, rec, &jobHooks{m: m, j: j, log: log})
	retryIn = m.settle(ctx, j, rec, res, err)
}

// settle commits the outcome of one execution. It returns the delay before
// the next attempt, or a negative duration when none follows.
func (m *Manager) settle(ctx context.Context, j *job, rec store.Record, res *transfer.Result, runErr error) time.Duration {
	log := m.log.WithField("upload_id", j.id)

	if runErr == nil {
		done, err := m.mutate(j.id, func(r *store.Record) error {
			if r.Status != store.StatusInProgress {
				return errNotActive
			}
			r.Status = store.StatusSucceeded
			r.BytesSent = r.TotalBytes
			r.LastError = nil
			r.Response = &store.Response{StatusCode: res.StatusCode, Body: res.Body}
			return nil
		})
		if err != nil {
			log.WithError(err).Debug("completion lost to a concurrent change")
			return -1
		}
		log.WithField("status", res.StatusCode).Info("upload succeeded")
		m.emitTerminal(j, done)
		return -1
	}

	switch context.Cause(ctx) {
	case errCancelled, errPaused:
		return -1
	case errShutdown:
		if _, err := m.mutate(j.id, func(r *store.Record) error {
			if r.Status != store.StatusInProgress {
				return errNotActive
			}
			r.Status = store.StatusPending
			return nil
		}); err != nil && !errors.Is(err, errNotActive) && !errors.Is(err, store.ErrTerminal) {
			log.WithError(err).Warn("failed to release upload on shutdown")
		}
		return -1
	}

	if uploaderr.Retryable(runErr, m.cfg.RetryServerErrors) && rec.Attempt+1 < m.cfg.MaxAttempts {
		delay := m.cfg.backoff(rec.Attempt)
		_, err := m.mutate(j.id, func(r *store.Record) error {
			if r.Status != store.StatusInProgress {
				return errNotActive
			}
			r.Status = store.StatusPending
			r.Attempt++
			return nil
		})
		if err != nil {
			return -1
		}
		log.WithError(runErr).WithFields(logrus.Fields{
			"attempt": rec.Attempt + 1,
			"delay":   delay,
		}).Warn("upload failed, retrying")
		return delay
	}

	failed, err := m.mutate(j.id, func(r *store.Record) error {
		if r.Status != store.StatusInProgress {
			return errNotActive
		}
		r.Status = store.StatusFailed
		r.LastError = &store.ErrorInfo{
			Kind:       string(uploaderr.KindOf(runErr)),
			Message:    runErr.Error(),
			StatusCode: uploaderr.StatusCode(runErr),
		}
		r.Response = nil
		if body := rejectedBody(runErr); body != "" {
			r.Response = &store.Response{StatusCode: uploaderr.StatusCode(runErr), Body: body}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Debug("failure lost to a concurrent change")
		return -1
	}
	log.WithError(runErr).Error("upload failed")
	m.emitTerminal(j, failed)
	return -1
}

// finish releases the slot of j and schedules its next attempt.
func (m *Manager) finish(j *job, retryIn time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running--
	j.cancel(nil)
	if m.jobs[j.id] == j {
		switch {
		case retryIn >= 0 && !j.stopping && !m.closed:
			j.state = jobBackoff
			j.timer = time.AfterFunc(retryIn, func() { m.requeue(j) })
		case j.readmit && !m.closed:
			next := &job{id: j.id, state: jobQueued}
			m.jobs[j.id] = next
			m.queue = append(m.queue, next)
		default:
			delete(m.jobs, j.id)
		}
	}
	m.dispatchLocked()
	m.notifyLocked()
}

func (m *Manager) requeue(j *job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.jobs[j.id] != j || j.state != jobBackoff {
		return
	}
	j.state = jobQueued
	m.queue = append(m.queue, j)
	m.dispatchLocked()
}

// mutate applies fn to the current version of id, retrying lost
// compare-and-set races.
func (m *Manager) mutate(id string, fn func(*store.Record) error) (store.Record, error) {
	var lastErr error
	for i := 0; i < conflictRetries; i++ {
		rec, err := m.store.Get(id)
		if err != nil {
			return store.Record{}, err
		}
		if rec.Status.Terminal() {
			return rec, store.ErrTerminal
		}
		out, err := m.store.Update(id, rec.Version, fn)
		if uploaderr.KindOf(err) != uploaderr.KindConflictingWrite {
			return out, err
		}
		m.log.WithError(err).WithField("upload_id", id).Debug("conflicting write, retrying")
		lastErr = err
	}
	return store.Record{}, lastErr
}

func (m *Manager) emitProgress(j *job, sent, total int64) {
	j.gate.Lock()
	defer j.gate.Unlock()

	if j.terminated || sent < j.lastProgress {
		return
	}
	j.lastProgress = sent
	progress := 1.0
	if total > 0 {
		progress = float64(sent) / float64(total)
	}
	m.hub.EmitProgress(events.ProgressEvent{
		UploadID:      j.id,
		Progress:      progress,
		BytesUploaded: sent,
		TotalBytes:    total,
	})
}

func (m *Manager) emitTerminal(j *job, rec store.Record) {
	j.gate.Lock()
	defer j.gate.Unlock()

	if j.terminated {
		return
	}
	j.terminated = true
	m.hub.EmitTerminal(completionEvent(rec))
}

func completionEvent(rec store.Record) events.CompletionEvent {
	ev := events.CompletionEvent{UploadID: rec.ID, Success: rec.Status == store.StatusSucceeded}
	if rec.Response != nil {
		ev.StatusCode = rec.Response.StatusCode
		ev.Response = rec.Response.Body
	}
	switch rec.Status {
	case store.StatusCancelled:
		ev.Error = "cancelled"
		ev.Kind = string(uploaderr.KindCancelled)
	case store.StatusFailed:
		if rec.LastError != nil {
			ev.Error = rec.LastError.Message
			ev.Kind = rec.LastError.Kind
			if ev.StatusCode == 0 {
				ev.StatusCode = rec.LastError.StatusCode
			}
		}
	}
	return ev
}

func rejectedBody(err error) string {
	var e *uploaderr.Error
	if errors.As(err, &e) && e.Kind == uploaderr.KindRemoteRejected {
		return e.Body
	}
	return ""
}

// jobHooks connects an execution to the store and the event hub.
type jobHooks struct {
	m   *Manager
	j   *job
	log logrus.FieldLogger
}

func (h *jobHooks) OnState(from, to transfer.State) {
	h.log.WithFields(logrus.Fields{"from": from, "to": to}).Debug("transfer state")
}

// OnAcknowledged persists offset before the next chunk is read.
func (h *jobHooks) OnAcknowledged(_ context.Context, offset int64) error {
	_, err := h.m.mutate(h.j.id, func(r *store.Record) error {
		if r.Status != store.StatusInProgress {
			return errNotActive
		}
		r.BytesSent = offset
		return nil
	})
	return ackError(err)
}

// ackError classifies a failed offset commit. A lost race keeps its kind so
// the attempt is retried.
func ackError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errNotActive), errors.Is(err, store.ErrTerminal):
		return uploaderr.Wrap(uploaderr.KindCancelled, "upload.acknowledge", err)
	case uploaderr.KindOf(err) == uploaderr.KindConflictingWrite:
		return err
	default:
		return uploaderr.Wrap(uploaderr.KindUnknown, "upload.acknowledge", err)
	}
}

func (h *jobHooks) OnProgress(sent, total int64) {
	h.m.emitProgress(h.j, sent, total)
}
