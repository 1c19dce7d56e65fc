// Package annotation defines the narrow capability interface the receiver
// needs from the external annotation service, with a Label Studio
// implementation and an in-memory fake.
package annotation

import (
	"context"
	"time"
)

// Client is the annotation service as seen by ingestion and reconciliation.
type Client interface {
	// CreateTask queues the image at imagePath, relative to the content
	// root, for labeling and returns the external task id.
	CreateTask(ctx context.Context, imagePath string) (string, error)

	// ListCompletedSince returns tasks whose annotation completed strictly
	// after cursor.
	ListCompletedSince(ctx context.Context, cursor time.Time) ([]CompletedTask, error)

	// FetchExport returns the annotation export blob for a completed task.
	FetchExport(ctx context.Context, taskID string) ([]byte, error)
}

// HealthChecker is implemented by clients that can report reachability.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// CompletedTask identifies a task with a finished annotation.
type CompletedTask struct {
	TaskID      string    `json:"task_id"`
	CompletedAt time.Time `json:"completed_at"`
}
