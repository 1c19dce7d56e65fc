// Package ingest accepts uploaded image bytes: it deduplicates by content
// hash, stores new content durably, registers the record, and queues it for
// annotation. Durability of the image is the strong guarantee; annotation
// scheduling is best-effort with failures visible as status error.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/JaimeStill/aperture/internal/annotation"
	"github.com/JaimeStill/aperture/internal/content"
	"github.com/JaimeStill/aperture/internal/images"
	"github.com/JaimeStill/aperture/pkg/lifecycle"
)

const (
	StatusStored    = "stored"
	StatusDuplicate = "duplicate"
)

// Result reports the outcome of one ingestion.
type Result struct {
	Status      string        `json:"status"`
	Hash        string        `json:"hash"`
	Path        string        `json:"path"`
	IsDuplicate bool          `json:"is_duplicate"`
	TaskID      string        `json:"task_id,omitempty"`
	Image       *images.Image `json:"image"`
}

// Service defines the ingestion and repair operations.
type Service interface {
	Handler() *Handler

	// Ingest reads at most the configured maximum upload size from r and
	// stores it. Task creation failures are recorded on the image and do
	// not fail the call.
	Ingest(ctx context.Context, r io.Reader, filename string) (*Result, error)

	// Resubmit retries task creation for an error record, or for a received
	// record orphaned between registration and task creation. Received
	// records younger than the resubmit grace are refused with ErrInvalidState.
	Resubmit(ctx context.Context, id uuid.UUID) (*images.Image, error)

	// ResubmitPending resubmits received records older than the grace
	// period, paced by the configured rate. It returns the number queued.
	ResubmitPending(ctx context.Context) (int, error)

	// Start runs ResubmitPending once in the background.
	Start(lc *lifecycle.Coordinator) error
}

type service struct {
	cfg         *Config
	images      images.System
	store       content.Store
	client      annotation.Client
	taskTimeout time.Duration
	logger      *slog.Logger
	resubmits   singleflight.Group
	now         func() time.Time
}

// New creates the ingestion service. taskTimeout bounds each task creation call.
func New(
	cfg *Config,
	imgs images.System,
	store content.Store,
	client annotation.Client,
	taskTimeout time.Duration,
	logger *slog.Logger,
) Service {
	return &service{
		cfg:         cfg,
		images:      imgs,
		store:       store,
		client:      client,
		taskTimeout: taskTimeout,
		logger:      logger.With("system", "ingest"),
		now:         time.Now,
	}
}

func (s *service) Handler() *Handler {
	return NewHandler(s, s.images, s.cfg, s.logger)
}

func (s *service) Ingest(ctx context.Context, r io.Reader, filename string) (*Result, error) {
	limit := s.cfg.MaxUploadSizeBytes()
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, ErrEmpty
	}

	hash := content.Hash(data)

	existing, err := s.images.FindByHash(ctx, hash)
	if err == nil {
		s.logger.Info("duplicate upload", "hash", hash, "filename", filename)
		return duplicate(existing), nil
	}
	if !errors.Is(err, images.ErrNotFound) {
		return nil, fmt.Errorf("lookup hash: %w", err)
	}

	put, err := s.store.Put(ctx, data, filename)
	if err != nil {
		return nil, fmt.Errorf("store content: %w", err)
	}

	original := filepath.Base(filepath.ToSlash(filename))
	if original == "." || original == "/" || original == "" {
		original = content.DefaultFilename
	}

	img, err := s.images.Create(ctx, images.CreateCommand{
		Hash:        put.Hash,
		Filename:    original,
		StoragePath: put.Path,
		SizeBytes:   put.Size,
	})
	if errors.Is(err, images.ErrConflict) {
		winner, err := s.images.FindByHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("lookup conflicting record: %w", err)
		}
		s.logger.Info("duplicate upload raced", "hash", hash)
		return duplicate(winner), nil
	}
	if err != nil {
		return nil, fmt.Errorf("register image: %w", err)
	}

	// The record outlives the request: a client disconnect must not strand
	// it mid-transition.
	img = s.submit(context.WithoutCancel(ctx), img)

	result := &Result{
		Status: StatusStored,
		Hash:   img.ContentHash,
		Path:   img.StoragePath,
		Image:  img,
	}
	if img.ExternalTaskID != nil {
		result.TaskID = *img.ExternalTaskID
	}
	return result, nil
}

// submit creates the annotation task for a freshly registered record and
// records the outcome. It returns the latest known state of the record.
func (s *service) submit(ctx context.Context, img *images.Image) *images.Image {
	taskID, err := s.createTask(ctx, img.StoragePath)
	if err != nil {
		s.logger.Warn("task creation failed", "id", img.ID, "hash", img.ContentHash, "error", err)

		failed, uerr := s.images.UpdateStatus(ctx, img.ID, images.Transition{
			Status:       images.Error,
			ErrorMessage: err.Error(),
		})
		if uerr != nil {
			s.logger.Error("record task failure", "id", img.ID, "error", uerr)
			return img
		}
		return failed
	}

	sent, err := s.images.UpdateStatus(ctx, img.ID, images.Transition{
		Status: images.SentToAnnotation,
		TaskID: taskID,
	})
	if err != nil {
		s.logger.Error("record task creation", "id", img.ID, "task_id", taskID, "error", err)
		return img
	}
	return sent
}

func (s *service) createTask(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()
	return s.client.CreateTask(ctx, path)
}

func (s *service) Resubmit(ctx context.Context, id uuid.UUID) (*images.Image, error) {
	v, err, _ := s.resubmits.Do(id.String(), func() (any, error) {
		return s.resubmit(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*images.Image), nil
}

func (s *service) resubmit(ctx context.Context, id uuid.UUID) (*images.Image, error) {
	img, err := s.images.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	switch img.Status {
	case images.Error:
	case images.Received:
		// A fresh received record may still have its task creation in flight.
		if img.ReceivedAt.After(s.now().Add(-s.cfg.ResubmitGraceDuration())) {
			return nil, fmt.Errorf("%w: received %s ago, inside resubmit grace", ErrInvalidState, s.now().Sub(img.ReceivedAt).Round(time.Second))
		}
	default:
		return nil, fmt.Errorf("%w: status %s", ErrInvalidState, img.Status)
	}

	ok, err := s.store.Exists(img.ContentHash, content.Unlabeled)
	if err != nil {
		return nil, fmt.Errorf("check content: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", content.ErrNotFound, img.StoragePath)
	}

	taskID, err := s.createTask(ctx, img.StoragePath)
	if err != nil {
		s.logger.Warn("resubmit failed", "id", img.ID, "hash", img.ContentHash, "error", err)
		return nil, fmt.Errorf("create task: %w", err)
	}

	sent, err := s.images.UpdateStatus(ctx, img.ID, images.Transition{
		Status: images.SentToAnnotation,
		TaskID: taskID,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("image resubmitted", "id", sent.ID, "hash", sent.ContentHash, "task_id", taskID)
	return sent, nil
}

func (s *service) ResubmitPending(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.ResubmitGraceDuration())

	pending, err := s.images.Pending(ctx, images.Received, cutoff, s.cfg.ResubmitBatch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	limiter := rate.NewLimiter(rate.Limit(s.cfg.ResubmitRate), s.cfg.ResubmitBurst)

	var queued int
	for _, img := range pending {
		if err := limiter.Wait(ctx); err != nil {
			return queued, err
		}
		if _, err := s.Resubmit(ctx, img.ID); err != nil {
			s.logger.Warn("pending resubmit failed", "id", img.ID, "error", err)
			continue
		}
		queued++
	}

	s.logger.Info("pending images resubmitted", "queued", queued, "found", len(pending))
	return queued, nil
}

func (s *service) Start(lc *lifecycle.Coordinator) error {
	done := make(chan struct{})

	go func() {
		defer close(done)
		if _, err := s.ResubmitPending(lc.Context()); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("startup resubmit failed", "error", err)
		}
	}()

	lc.OnShutdown(func() {
		<-lc.Context().Done()
		<-done
	})

	return nil
}

func duplicate(img *images.Image) *Result {
	result := &Result{
		Status:      StatusDuplicate,
		Hash:        img.ContentHash,
		Path:        img.StoragePath,
		IsDuplicate: true,
		Image:       img,
	}
	if img.ExternalTaskID != nil {
		result.TaskID = *img.ExternalTaskID
	}
	return result
}
