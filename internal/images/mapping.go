package images

import (
	"net/url"

	"github.com/JaimeStill/aperture/pkg/query"
	"github.com/JaimeStill/aperture/pkg/repository"
)

var projection = query.
	NewProjectionMap("main", "images", "i").
	Project("id", "ID").
	Project("content_hash", "ContentHash").
	Project("original_filename", "Filename").
	Project("storage_path", "StoragePath").
	Project("status", "Status").
	Project("size_bytes", "SizeBytes").
	Project("received_at", "ReceivedAt").
	Project("sent_at", "SentAt").
	Project("labeled_at", "LabeledAt").
	Project("external_task_id", "TaskID").
	Project("error_message", "ErrorMessage")

// UUIDv7 ids are time-ordered, so ID breaks received_at ties in insertion order.
var defaultSort = []query.SortField{
	{Field: "ReceivedAt"},
	{Field: "ID"},
}

// Filters contains optional filtering criteria for image queries.
// Nil fields are ignored. Status and TaskID use exact matching; Filename
// uses contains matching.
type Filters struct {
	Status   *Status `json:"status,omitempty"`
	Filename *string `json:"filename,omitempty"`
	TaskID   *string `json:"task_id,omitempty"`
}

// Apply adds filter conditions to a query builder.
func (f Filters) Apply(b *query.Builder) *query.Builder {
	var status *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}

	return b.
		WhereEquals("Status", status).
		WhereContains("Filename", f.Filename).
		WhereEquals("TaskID", f.TaskID)
}

// FiltersFromQuery extracts filter values from URL query parameters.
func FiltersFromQuery(values url.Values) (Filters, error) {
	var f Filters

	if s := values.Get("status"); s != "" {
		status, err := ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Status = &status
	}

	if fn := values.Get("filename"); fn != "" {
		f.Filename = &fn
	}

	if id := values.Get("task_id"); id != "" {
		f.TaskID = &id
	}

	return f, nil
}

func scanImage(s repository.Scanner) (Image, error) {
	var img Image
	err := s.Scan(
		&img.ID,
		&img.ContentHash,
		&img.OriginalFilename,
		&img.StoragePath,
		&img.Status,
		&img.SizeBytes,
		&img.ReceivedAt,
		&img.SentAt,
		&img.LabeledAt,
		&img.ExternalTaskID,
		&img.ErrorMessage,
	)
	return img, err
}
