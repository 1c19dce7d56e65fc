package images

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/aperture/pkg/pagination"
	"github.com/JaimeStill/aperture/pkg/query"
	"github.com/JaimeStill/aperture/pkg/repository"
)

type repo struct {
	db         *sql.DB
	logger     *slog.Logger
	pagination pagination.Config
	now        func() time.Time
}

// New creates an image record repository implementing the System interface.
func New(
	db *sql.DB,
	logger *slog.Logger,
	pagination pagination.Config,
) System {
	return &repo{
		db:         db,
		logger:     logger.With("system", "images"),
		pagination: pagination,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *repo) Handler() *Handler {
	return NewHandler(r, r.logger, r.pagination)
}

func (r *repo) List(
	ctx context.Context,
	page pagination.PageRequest,
	filters Filters,
) (*pagination.PageResult[Image], error) {
	page.Normalize(r.pagination)

	qb := query.
		NewBuilder(projection, defaultSort...).
		WhereSearch(page.Search, "Filename", "ContentHash", "TaskID")

	filters.Apply(qb)

	if len(page.Sort) > 0 {
		qb.OrderByFields(page.Sort)
	}

	countSQL, countArgs := qb.BuildCount()
	total, err := repository.QueryScalar[int](ctx, r.db, countSQL, countArgs...)
	if err != nil {
		return nil, fmt.Errorf("count images: %w", err)
	}

	pageSQL, pageArgs := qb.BuildPage(page.Page, page.PageSize)
	imgs, err := repository.QueryMany(ctx, r.db, pageSQL, pageArgs, scanImage)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}

	result := pagination.NewPageResult(imgs, total, page.Page, page.PageSize)
	return &result, nil
}

func (r *repo) Find(ctx context.Context, id uuid.UUID) (*Image, error) {
	return r.findBy(ctx, r.db, "ID", id)
}

func (r *repo) FindByHash(ctx context.Context, hash string) (*Image, error) {
	return r.findBy(ctx, r.db, "ContentHash", hash)
}

func (r *repo) FindByTask(ctx context.Context, taskID string) (*Image, error) {
	return r.findBy(ctx, r.db, "TaskID", taskID)
}

func (r *repo) findBy(ctx context.Context, q repository.Querier, field string, value any) (*Image, error) {
	stmt, args := query.NewBuilder(projection).BuildSingle(field, value)

	img, err := repository.QueryOne(ctx, q, stmt, args, scanImage)
	if err != nil {
		return nil, repository.MapError(err, ErrNotFound, ErrConflict)
	}
	return &img, nil
}

func (r *repo) Create(ctx context.Context, cmd CreateCommand) (*Image, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate image id: %w", err)
	}

	q := `
		INSERT INTO images(id, content_hash, original_filename, storage_path, status, size_bytes, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	insertArgs := []any{
		id,
		cmd.Hash,
		cmd.Filename,
		cmd.StoragePath,
		Received,
		cmd.SizeBytes,
		r.now(),
	}

	img, err := repository.WithTx(ctx, r.db, func(tx *sql.Tx) (Image, error) {
		if _, err := tx.ExecContext(ctx, q, insertArgs...); err != nil {
			return Image{}, err
		}
		created, err := r.findBy(ctx, tx, "ID", id)
		if err != nil {
			return Image{}, err
		}
		return *created, nil
	})

	if err != nil {
		return nil, repository.MapError(err, ErrNotFound, ErrConflict)
	}

	r.logger.Info("image created", "id", img.ID, "hash", img.ContentHash, "filename", img.OriginalFilename)
	return &img, nil
}

func (r *repo) UpdateStatus(ctx context.Context, id uuid.UUID, t Transition) (*Image, error) {
	if !t.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, t.Status)
	}

	img, err := repository.WithTx(ctx, r.db, func(tx *sql.Tx) (Image, error) {
		current, err := r.findBy(ctx, tx, "ID", id)
		if err != nil {
			return Image{}, err
		}

		if !current.Status.CanTransition(t.Status) {
			return Image{}, fmt.Errorf(
				"%w: %s -> %s", ErrInvalidTransition, current.Status, t.Status,
			)
		}

		stmt, args, err := r.updateStatement(current, t)
		if err != nil {
			return Image{}, err
		}

		if err := repository.ExecExpectOne(ctx, tx, stmt, args...); err != nil {
			return Image{}, err
		}

		updated, err := r.findBy(ctx, tx, "ID", id)
		if err != nil {
			return Image{}, err
		}
		return *updated, nil
	})

	if err != nil {
		return nil, repository.MapError(err, ErrInvalidTransition, ErrConflict)
	}

	r.logger.Info(
		"image status updated",
		"id", img.ID,
		"status", img.Status,
	)
	return &img, nil
}

// updateStatement builds the guarded UPDATE for one transition. The WHERE
// clause pins the status read inside the transaction, so a lost race affects
// zero rows and surfaces as sql.ErrNoRows.
func (r *repo) updateStatement(current *Image, t Transition) (string, []any, error) {
	now := r.clamp(current)

	switch t.Status {
	case SentToAnnotation:
		if t.TaskID == "" {
			return "", nil, fmt.Errorf("%w: task id required", ErrInvalidTransition)
		}
		return `
			UPDATE images
			SET status = ?, sent_at = COALESCE(sent_at, ?), external_task_id = ?, error_message = NULL
			WHERE id = ? AND status = ?`,
			[]any{t.Status, now, t.TaskID, current.ID, current.Status}, nil

	case Labeled:
		return `
			UPDATE images
			SET status = ?, labeled_at = ?, error_message = NULL
			WHERE id = ? AND status = ?`,
			[]any{t.Status, now, current.ID, current.Status}, nil

	case Error:
		msg := t.ErrorMessage
		if msg == "" {
			msg = "unknown error"
		}
		return `
			UPDATE images
			SET status = ?, error_message = ?
			WHERE id = ? AND status = ?`,
			[]any{t.Status, msg, current.ID, current.Status}, nil
	}

	return "", nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, t.Status)
}

// clamp keeps received_at <= sent_at <= labeled_at under clock skew.
func (r *repo) clamp(current *Image) time.Time {
	now := r.now()
	if now.Before(current.ReceivedAt) {
		now = current.ReceivedAt
	}
	if current.SentAt != nil && now.Before(*current.SentAt) {
		now = *current.SentAt
	}
	return now
}

func (r *repo) Pending(
	ctx context.Context,
	status Status,
	before time.Time,
	limit int,
) ([]Image, error) {
	qb := query.
		NewBuilder(projection, defaultSort...).
		WhereEquals("Status", string(status)).
		WhereBefore("ReceivedAt", before.UTC())

	stmt, args := qb.BuildLimit(limit, 0)
	imgs, err := repository.QueryMany(ctx, r.db, stmt, args, scanImage)
	if err != nil {
		return nil, fmt.Errorf("query pending images: %w", err)
	}
	return imgs, nil
}

func (r *repo) Stats(ctx context.Context) (*Stats, error) {
	type row struct {
		status Status
		count  int
	}

	rows, err := repository.QueryMany(
		ctx, r.db,
		"SELECT status, COUNT(*) FROM images GROUP BY status",
		nil,
		func(s repository.Scanner) (row, error) {
			var c row
			err := s.Scan(&c.status, &c.count)
			return c, err
		},
	)
	if err != nil {
		return nil, fmt.Errorf("query image stats: %w", err)
	}

	var stats Stats
	for _, c := range rows {
		stats.Total += c.count
		switch c.status {
		case Received:
			stats.Received = c.count
		case SentToAnnotation:
			stats.SentToAnnotation = c.count
		case Labeled:
			stats.Labeled = c.count
		case Error:
			stats.Error = c.count
		}
	}
	return &stats, nil
}
