package controllers

import (
	"net/http"

	"github.com/rzbill/regflow/internal/services/pipeline"
	"github.com/rzbill/regflow/pkg/log"
)

// ControllerRegistry groups the HTTP controllers and registers their routes.
type ControllerRegistry struct {
	general       *GeneralController
	registrations *RegistrationsController
	queue         *QueueController
}

func NewControllerRegistry(svc *pipeline.Service, ips *ClientIPResolver, logger log.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		general:       NewGeneralController(svc, logger),
		registrations: NewRegistrationsController(svc, ips, logger),
		queue:         NewQueueController(svc, logger),
	}
}

// RegisterAllRoutes registers every controller route with mux.
func (r *ControllerRegistry) RegisterAllRoutes(mux *http.ServeMux) {
	r.general.RegisterRoutes(mux)
	r.registrations.RegisterRoutes(mux)
	r.queue.RegisterRoutes(mux)
}
