// Package api assembles the API module with all domain systems and route registration.
package api

import (
	"net/http"

	"github.com/JaimeStill/aperture/internal/config"
	"github.com/JaimeStill/aperture/internal/infrastructure"
	"github.com/JaimeStill/aperture/pkg/middleware"
	"github.com/JaimeStill/aperture/pkg/module"
)

// API pairs the mounted HTTP module with the domain services behind it.
type API struct {
	Module  *module.Module
	Domain  *Domain
	runtime *Runtime
}

// New creates the API module with all domain handlers and middleware.
func New(cfg *config.Config, infra *infrastructure.Infrastructure) (*API, error) {
	runtime := NewRuntime(cfg, infra)
	domain := NewDomain(cfg, runtime)

	mux := http.NewServeMux()
	registerRoutes(mux, domain, runtime)

	m := module.New(cfg.API.BasePath, mux)
	m.Use(middleware.Recover(runtime.Logger))
	m.Use(middleware.Logger(runtime.Logger))

	return &API{
		Module:  m,
		Domain:  domain,
		runtime: runtime,
	}, nil
}

// Start registers the domain background work with the lifecycle coordinator.
// Infrastructure must already be started so the schema exists.
func (a *API) Start() error {
	return a.Domain.Start(a.runtime)
}
