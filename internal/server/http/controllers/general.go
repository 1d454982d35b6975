package controllers

import (
	"net/http"

	"github.com/rzbill/regflow/internal/services/pipeline"
	"github.com/rzbill/regflow/pkg/log"
)

// GeneralController serves process-level endpoints.
type GeneralController struct {
	svc    *pipeline.Service
	logger log.Logger
}

func NewGeneralController(svc *pipeline.Service, logger log.Logger) *GeneralController {
	return &GeneralController{svc: svc, logger: logger}
}

func (c *GeneralController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/healthz", c.handleHealth)
	mux.HandleFunc("GET /v1/sequence", c.handleSequence)
}

// handleHealth returns 200 {"status":"ok"} while the store takes writes and
// 503 otherwise.
func (c *GeneralController) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := c.svc.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_serving", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *GeneralController) handleSequence(w http.ResponseWriter, r *http.Request) {
	cur, err := c.svc.CurrentSequence(r.Context())
	if err != nil {
		writeServiceError(w, c.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"current": cur})
}
