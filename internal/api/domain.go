package api

import (
	"github.com/JaimeStill/aperture/internal/config"
	"github.com/JaimeStill/aperture/internal/images"
	"github.com/JaimeStill/aperture/internal/ingest"
	"github.com/JaimeStill/aperture/internal/reconcile"
)

// Domain holds all domain systems that comprise the API.
type Domain struct {
	Images    images.System
	Ingest    ingest.Service
	Reconcile reconcile.Service
}

// NewDomain creates all domain systems from the API runtime.
func NewDomain(cfg *config.Config, runtime *Runtime) *Domain {
	imagesSystem := images.New(
		runtime.Database.Connection(),
		runtime.Logger,
		runtime.Pagination,
	)

	ingestService := ingest.New(
		&cfg.Ingest,
		imagesSystem,
		runtime.Content,
		runtime.Annotation,
		cfg.Annotation.TaskTimeoutDuration(),
		runtime.Logger,
	)

	// A nil storage.System must not reach reconcile as a non-nil Archive.
	var archive reconcile.Archive
	if runtime.Archive != nil {
		archive = runtime.Archive
	}

	reconcileService := reconcile.New(
		&cfg.Reconcile,
		imagesSystem,
		runtime.Content,
		runtime.Annotation,
		archive,
		cfg.Annotation.ExportTimeoutDuration(),
		runtime.Logger,
	)

	return &Domain{
		Images:    imagesSystem,
		Ingest:    ingestService,
		Reconcile: reconcileService,
	}
}

// Start registers the background work of the domain services.
func (d *Domain) Start(runtime *Runtime) error {
	if err := d.Ingest.Start(runtime.Lifecycle); err != nil {
		return err
	}
	return d.Reconcile.Start(runtime.Lifecycle)
}
