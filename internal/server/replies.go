package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/statdesk/internal/metrics"
	"github.com/raphaelgruber/statdesk/internal/models"
)

// ReplyStatus represents the state of a reply job.
type ReplyStatus string

const (
	ReplyStatusPending   ReplyStatus = "pending"
	ReplyStatusRunning   ReplyStatus = "running"
	ReplyStatusCompleted ReplyStatus = "completed"
	ReplyStatusFailed    ReplyStatus = "failed"
)

// generateTimeout bounds a single generator call.
const generateTimeout = 2 * time.Minute

// ReplyJob is one pending assistant reply.
type ReplyJob struct {
	ID          string
	SessionID   string
	DocumentIDs []string
	Status      ReplyStatus
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time

	mu sync.RWMutex
}

// ReplyJobInfo is a point-in-time copy of a reply job.
type ReplyJobInfo struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	DocumentIDs []string    `json:"document_ids,omitempty"`
	Status      ReplyStatus `json:"status"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// Snapshot returns a thread-safe copy of job state.
func (j *ReplyJob) Snapshot() ReplyJobInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return ReplyJobInfo{
		ID:          j.ID,
		SessionID:   j.SessionID,
		DocumentIDs: slices.Clone(j.DocumentIDs),
		Status:      j.Status,
		Error:       j.Error,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}

func (j *ReplyJob) setStatus(status ReplyStatus, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	if err != nil {
		j.Error = err.Error()
	}
	if status == ReplyStatusCompleted || status == ReplyStatusFailed {
		now := time.Now()
		j.CompletedAt = &now
	}
}

// ReplyWorker produces assistant replies in the background, one goroutine per job.
type ReplyWorker struct {
	store     *Store
	generator Generator
	delay     time.Duration
	metrics   *metrics.Collector
	logger    *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*ReplyJob

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReplyWorker creates a worker that answers after delay.
func NewReplyWorker(store *Store, generator Generator, delay time.Duration, collector *metrics.Collector, logger *slog.Logger) *ReplyWorker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReplyWorker{
		store:     store,
		generator: generator,
		delay:     delay,
		metrics:   collector,
		logger:    logger,
		jobs:      make(map[string]*ReplyJob),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue schedules a reply for the session's latest message.
func (w *ReplyWorker) Enqueue(sessionID string, documentIDs []string) *ReplyJob {
	job := &ReplyJob{
		ID:          uuid.New().String()[:8],
		SessionID:   sessionID,
		DocumentIDs: slices.Clone(documentIDs),
		Status:      ReplyStatusPending,
		StartedAt:   time.Now(),
	}

	w.mu.Lock()
	w.jobs[job.ID] = job
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(job)

	w.logger.Debug("reply job queued", "job_id", job.ID, "session_id", sessionID)
	return job
}

// Jobs returns job snapshots, most recent first.
func (w *ReplyWorker) Jobs() []ReplyJobInfo {
	w.mu.RLock()
	jobs := make([]ReplyJobInfo, 0, len(w.jobs))
	for _, job := range w.jobs {
		jobs = append(jobs, job.Snapshot())
	}
	w.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b ReplyJobInfo) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return jobs
}

// Close cancels outstanding jobs and waits for them to exit.
func (w *ReplyWorker) Close() {
	w.cancel()
	w.wg.Wait()
}

func (w *ReplyWorker) run(job *ReplyJob) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("reply job panicked", "job_id", job.ID, "panic", r)
			job.setStatus(ReplyStatusFailed, fmt.Errorf("internal panic: %v", r))
		}
	}()

	timer := time.NewTimer(w.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.ctx.Done():
		job.setStatus(ReplyStatusFailed, w.ctx.Err())
		return
	}

	job.setStatus(ReplyStatusRunning, nil)

	content, err := w.generate(job)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			w.logger.Info("session gone before reply", "job_id", job.ID, "session_id", job.SessionID)
			job.setStatus(ReplyStatusFailed, err)
			return
		}
		w.logger.Error("reply generation failed", "job_id", job.ID, "session_id", job.SessionID, "error", err)
		content = "Sorry, I could not answer that right now. Please try again."
	}

	if _, appendErr := w.store.AppendMessage(job.SessionID, models.SenderAssistant, content); appendErr != nil {
		w.logger.Info("session gone before reply", "job_id", job.ID, "session_id", job.SessionID)
		job.setStatus(ReplyStatusFailed, appendErr)
		return
	}

	if err != nil {
		job.setStatus(ReplyStatusFailed, err)
		return
	}
	job.setStatus(ReplyStatusCompleted, nil)
	w.logger.Info("reply sent", "job_id", job.ID, "session_id", job.SessionID,
		"duration_ms", time.Since(job.StartedAt).Milliseconds())
}

func (w *ReplyWorker) generate(job *ReplyJob) (string, error) {
	session, err := w.store.GetSession(job.SessionID)
	if err != nil {
		return "", err
	}
	docs, err := w.store.Documents(job.DocumentIDs)
	if err != nil {
		return "", fmt.Errorf("resolve documents: %w", err)
	}

	ctx, cancel := context.WithTimeout(w.ctx, generateTimeout)
	defer cancel()

	start := time.Now()
	content, err := w.generator.Generate(ctx, session.Messages, docs)
	if err != nil {
		w.metrics.RecordFailure(metrics.OpGenerate)
		return "", err
	}
	w.metrics.RecordTiming(metrics.OpGenerate, time.Since(start))
	return content, nil
}
