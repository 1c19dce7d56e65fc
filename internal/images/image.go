// Package images implements the image record domain: the lifecycle state
// machine, the SQLite-backed record repository that is the single source of
// truth for deduplication, and the read-only query endpoints over it.
package images

import (
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an image record.
type Status string

const (
	Received         Status = "received"
	SentToAnnotation Status = "sent_to_annotation"
	Labeled          Status = "labeled"
	Error            Status = "error"
)

// Error -> SentToAnnotation is only taken by an operator resubmit.
var transitions = map[Status][]Status{
	Received:         {SentToAnnotation, Error},
	SentToAnnotation: {Labeled, Error},
	Error:            {SentToAnnotation},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case Received, SentToAnnotation, Labeled, Error:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows s -> to.
func (s Status) CanTransition(to Status) bool {
	return slices.Contains(transitions[s], to)
}

// ParseStatus converts s to a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

// Image is the record tracked for one distinct content hash.
type Image struct {
	ID               uuid.UUID  `json:"id"`
	ContentHash      string     `json:"content_hash"`
	OriginalFilename string     `json:"original_filename"`
	StoragePath      string     `json:"storage_path"`
	Status           Status     `json:"status"`
	SizeBytes        int64      `json:"size_bytes"`
	ReceivedAt       time.Time  `json:"received_at"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	LabeledAt        *time.Time `json:"labeled_at,omitempty"`
	ExternalTaskID   *string    `json:"external_task_id,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
}

// CreateCommand carries the data needed to register newly stored content.
type CreateCommand struct {
	Hash        string
	Filename    string
	StoragePath string
	SizeBytes   int64
}

// Transition requests one state machine step. TaskID is required when
// entering SentToAnnotation; ErrorMessage describes entry into Error.
type Transition struct {
	Status       Status
	TaskID       string
	ErrorMessage string
}

// Stats holds record counts per status.
type Stats struct {
	Total            int `json:"total"`
	Received         int `json:"received"`
	SentToAnnotation int `json:"sent_to_annotation"`
	Labeled          int `json:"labeled"`
	Error            int `json:"error"`
}
