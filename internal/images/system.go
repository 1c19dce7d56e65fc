package images

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JaimeStill/aperture/pkg/pagination"
)

// System defines the public contract for image record operations.
type System interface {
	Handler() *Handler

	List(
		ctx context.Context,
		page pagination.PageRequest,
		filters Filters,
	) (*pagination.PageResult[Image], error)

	Find(ctx context.Context, id uuid.UUID) (*Image, error)
	FindByHash(ctx context.Context, hash string) (*Image, error)
	FindByTask(ctx context.Context, taskID string) (*Image, error)

	// Create registers a new record in Received. Returns ErrConflict when a
	// record with the same content hash already exists.
	Create(ctx context.Context, cmd CreateCommand) (*Image, error)

	// UpdateStatus applies t to the record with the given id. The update is
	// rejected with ErrInvalidTransition when the state machine does not
	// allow it or when a concurrent writer changed the status first.
	UpdateStatus(ctx context.Context, id uuid.UUID, t Transition) (*Image, error)

	// Pending returns up to limit records in status received before the
	// cutoff, oldest first.
	Pending(ctx context.Context, status Status, before time.Time, limit int) ([]Image, error)

	Stats(ctx context.Context) (*Stats, error)
}
