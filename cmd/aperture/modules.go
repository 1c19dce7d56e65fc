package main

import (
	"net/http"

	"github.com/JaimeStill/aperture/internal/api"
	"github.com/JaimeStill/aperture/internal/config"
	"github.com/JaimeStill/aperture/internal/infrastructure"
	"github.com/JaimeStill/aperture/pkg/handlers"
	"github.com/JaimeStill/aperture/pkg/module"
)

// Modules holds the HTTP modules mounted on the root router.
type Modules struct {
	API *api.API
}

// NewModules creates every module served by the process.
func NewModules(infra *infrastructure.Infrastructure, cfg *config.Config) (*Modules, error) {
	apiModule, err := api.New(cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Modules{API: apiModule}, nil
}

// Mount registers each module on router.
func (m *Modules) Mount(router *module.Router) {
	router.Mount(m.API.Module)
}

// Start registers module background work after infrastructure has started.
func (m *Modules) Start() error {
	return m.API.Start()
}

func buildRouter(infra *infrastructure.Infrastructure) *module.Router {
	router := module.NewRouter()

	router.HandleNative("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		handlers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	router.HandleNative("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !infra.Lifecycle.Ready() {
			handlers.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		handlers.RespondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	return router
}
