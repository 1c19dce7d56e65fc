package api

import (
	"net/http"

	"github.com/JaimeStill/aperture/pkg/routes"
)

func registerRoutes(
	mux *http.ServeMux,
	domain *Domain,
	runtime *Runtime,
) {
	health := newHealthHandler(runtime)

	routes.Register(
		mux,
		domain.Images.Handler().Routes(),
		domain.Ingest.Handler().Routes(),
		domain.Reconcile.Handler().Routes(),
		health.routes(),
	)
}
