// Package reconcile moves annotated images from the unlabeled area to the
// labeled area. A poll cycle asks the annotation service for tasks completed
// since the last cursor and reconciles each one; every step is idempotent so
// an interrupted reconciliation is simply repeated.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/JaimeStill/aperture/internal/annotation"
	"github.com/JaimeStill/aperture/internal/content"
	"github.com/JaimeStill/aperture/internal/images"
	"github.com/JaimeStill/aperture/pkg/lifecycle"
)

// Outcome classifies the result of reconciling one task.
type Outcome string

const (
	Reconciled     Outcome = "reconciled"
	SkippedUnknown Outcome = "skipped_unknown"
	SkippedLabeled Outcome = "skipped_labeled"
)

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	ExecutionID uuid.UUID `json:"execution_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Tasks       int       `json:"tasks"`
	Reconciled  int       `json:"reconciled"`
	Skipped     int       `json:"skipped"`
	Failed      int       `json:"failed"`
	Cursor      time.Time `json:"cursor"`
}

// Archive receives copies of labeled content.
type Archive interface {
	Upload(ctx context.Context, key string, reader io.Reader, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Service defines the reconciliation operations.
type Service interface {
	Handler() *Handler

	// PollCycle reconciles every task completed since the cursor. Only one
	// cycle runs at a time; a concurrent call fails with ErrCycleInProgress.
	PollCycle(ctx context.Context) (*CycleReport, error)

	// ReconcileOne exports the annotation for taskID, relocates its image to
	// the labeled area, and marks the record labeled.
	ReconcileOne(ctx context.Context, taskID string) (Outcome, error)

	// Cursor returns the completion time up to which every task has been
	// reconciled.
	Cursor() time.Time

	// Start schedules PollCycle at the configured interval.
	Start(lc *lifecycle.Coordinator) error
}

type service struct {
	cfg           *Config
	images        images.System
	store         content.Store
	client        annotation.Client
	archive       Archive
	exportTimeout time.Duration
	logger        *slog.Logger

	cycle *semaphore.Weighted
	tasks singleflight.Group

	mu     sync.RWMutex
	cursor time.Time
}

// New creates the reconciliation service. exportTimeout bounds each call to
// the annotation service. A nil archive disables archiving.
func New(
	cfg *Config,
	imgs images.System,
	store content.Store,
	client annotation.Client,
	archive Archive,
	exportTimeout time.Duration,
	logger *slog.Logger,
) Service {
	return &service{
		cfg:           cfg,
		images:        imgs,
		store:         store,
		client:        client,
		archive:       archive,
		exportTimeout: exportTimeout,
		logger:        logger.With("system", "reconcile"),
		cycle:         semaphore.NewWeighted(1),
	}
}

func (s *service) Handler() *Handler {
	return NewHandler(s, s.logger)
}

func (s *service) Cursor() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

func (s *service) PollCycle(ctx context.Context) (*CycleReport, error) {
	if !s.cycle.TryAcquire(1) {
		return nil, ErrCycleInProgress
	}
	defer s.cycle.Release(1)

	cursor := s.Cursor()
	report := &CycleReport{
		ExecutionID: uuid.New(),
		StartedAt:   time.Now().UTC(),
		Cursor:      cursor,
	}
	logger := s.logger.With("execution_id", report.ExecutionID)

	listCtx, cancel := context.WithTimeout(ctx, s.exportTimeout)
	completed, err := s.client.ListCompletedSince(listCtx, cursor)
	cancel()
	if err != nil {
		logger.Warn("list completed tasks failed", "error", err)
		return nil, fmt.Errorf("list completed tasks: %w", err)
	}
	report.Tasks = len(completed)

	newest := cursor
	for _, task := range completed {
		outcome, err := s.ReconcileOne(ctx, task.TaskID)
		if err != nil {
			report.Failed++
			logger.Warn("reconcile failed", "task_id", task.TaskID, "error", err)
			continue
		}

		if outcome == Reconciled {
			report.Reconciled++
		} else {
			report.Skipped++
		}
		if task.CompletedAt.After(newest) {
			newest = task.CompletedAt
		}
	}

	// A failed task must be listed again next cycle.
	if report.Failed == 0 && newest.After(cursor) {
		s.mu.Lock()
		s.cursor = newest
		s.mu.Unlock()
		report.Cursor = newest
	}

	report.FinishedAt = time.Now().UTC()
	logger.Info("poll cycle complete",
		"tasks", report.Tasks,
		"reconciled", report.Reconciled,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"cursor", report.Cursor,
	)
	return report, nil
}

func (s *service) ReconcileOne(ctx context.Context, taskID string) (Outcome, error) {
	v, err, _ := s.tasks.Do(taskID, func() (any, error) {
		return s.reconcile(ctx, taskID)
	})
	if err != nil {
		return "", err
	}
	return v.(Outcome), nil
}

func (s *service) reconcile(ctx context.Context, taskID string) (Outcome, error) {
	img, err := s.images.FindByTask(ctx, taskID)
	if errors.Is(err, images.ErrNotFound) {
		s.logger.Info("completed task has no image", "task_id", taskID)
		return SkippedUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup task %s: %w", taskID, err)
	}

	switch img.Status {
	case images.Labeled:
		return SkippedLabeled, nil
	case images.SentToAnnotation:
	default:
		return "", fmt.Errorf("%w: task %s image %s is %s", images.ErrInvalidTransition, taskID, img.ID, img.Status)
	}

	export, err := s.fetchExport(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("fetch export: %w", err)
	}

	rel, err := s.store.Move(ctx, img.ContentHash, content.Unlabeled, content.Labeled)
	if err != nil {
		return "", fmt.Errorf("move content: %w", err)
	}

	if _, err := s.store.WriteArtifact(ctx, img.ContentHash, content.Labeled, content.AnnotationFile, export); err != nil {
		return "", fmt.Errorf("write annotation: %w", err)
	}

	labeled, err := s.images.UpdateStatus(ctx, img.ID, images.Transition{Status: images.Labeled})
	if err != nil {
		return "", fmt.Errorf("mark labeled: %w", err)
	}

	s.logger.Info("image labeled", "id", labeled.ID, "hash", labeled.ContentHash, "task_id", taskID, "path", rel)

	if s.archive != nil {
		s.archiveLabeled(ctx, labeled.ContentHash, rel, export)
	}

	return Reconciled, nil
}

func (s *service) fetchExport(ctx context.Context, taskID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.exportTimeout)
	defer cancel()
	return s.client.FetchExport(ctx, taskID)
}

// archiveLabeled copies the labeled image and its annotation to the archive
// under their store-relative paths. Failures are logged only.
func (s *service) archiveLabeled(ctx context.Context, hash, rel string, export []byte) {
	name := path.Base(rel)

	// Content is immutable under its hash; only the annotation can change.
	if ok, err := s.archive.Exists(ctx, rel); err == nil && ok {
		s.uploadAnnotation(ctx, hash, rel, export)
		return
	}

	f, err := s.store.Open(hash, content.Labeled, name)
	if err != nil {
		s.logger.Warn("archive open failed", "hash", hash, "error", err)
		return
	}
	defer f.Close()

	contentType := mime.TypeByExtension(path.Ext(name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := s.archive.Upload(ctx, rel, f, contentType); err != nil {
		s.logger.Warn("archive upload failed", "hash", hash, "key", rel, "error", err)
		return
	}

	s.uploadAnnotation(ctx, hash, rel, export)
}

func (s *service) uploadAnnotation(ctx context.Context, hash, rel string, export []byte) {
	key := path.Join(path.Dir(rel), content.AnnotationFile)
	if err := s.archive.Upload(ctx, key, bytes.NewReader(export), "application/json"); err != nil {
		s.logger.Warn("archive upload failed", "hash", hash, "key", key, "error", err)
		return
	}

	s.logger.Info("labeled image archived", "hash", hash, "key", rel)
}

func (s *service) Start(lc *lifecycle.Coordinator) error {
	if !s.cfg.IsEnabled() {
		s.logger.Info("periodic reconciliation disabled")
		return nil
	}

	log := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(log),
		cron.WithChain(cron.Recover(log), cron.SkipIfStillRunning(log)),
	)

	schedule := "@every " + s.cfg.IntervalDuration().String()
	if _, err := c.AddFunc(schedule, func() { s.run(lc.Context()) }); err != nil {
		return fmt.Errorf("schedule poll cycle: %w", err)
	}

	c.Start()
	s.logger.Info("reconciliation scheduled", "interval", s.cfg.Interval)

	lc.OnShutdown(func() {
		<-lc.Context().Done()
		<-c.Stop().Done()
		s.logger.Info("reconciliation stopped")
	})

	return nil
}

func (s *service) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.PollCycle(ctx); err != nil && !errors.Is(err, ErrCycleInProgress) {
		s.logger.Error("scheduled poll cycle failed", "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
