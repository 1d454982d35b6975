package controllers

import (
	"net/http"

	"github.com/rzbill/regflow/internal/intake"
	"github.com/rzbill/regflow/internal/services/pipeline"
	"github.com/rzbill/regflow/pkg/log"
)

// QueueController serves the operator endpoints of the intake queue.
type QueueController struct {
	svc    *pipeline.Service
	logger log.Logger
}

func NewQueueController(svc *pipeline.Service, logger log.Logger) *QueueController {
	return &QueueController{svc: svc, logger: logger}
}

func (c *QueueController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/queue/stats", c.handleStats)
	mux.HandleFunc("GET /v1/queue/items", c.handleList)
	mux.HandleFunc("GET /v1/queue/items/{id}", c.handleGet)
	mux.HandleFunc("POST /v1/queue/items/{id}/retry", c.handleRetry)
	mux.HandleFunc("POST /v1/queue/process", c.handleProcess)
}

func (c *QueueController) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := c.svc.QueueStats(r.Context())
	if err != nil {
		writeServiceError(w, c.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleList accepts page, page_size and state query parameters. With
// payment_ref it answers the single matching item instead.
func (c *QueueController) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if ref := q.Get("payment_ref"); ref != "" {
		it, err := c.svc.GetItemByPaymentRef(r.Context(), ref)
		if err != nil {
			writeServiceError(w, c.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, it)
		return
	}
	state := intake.State(q.Get("state"))
	if state != "" && !state.Valid() {
		writeError(w, http.StatusBadRequest, "unknown state "+string(state))
		return
	}
	res, err := c.svc.ListItems(r.Context(), intake.ListOptions{
		Page:     parsePositive(q.Get("page")),
		PageSize: parsePositive(q.Get("page_size")),
		State:    state,
	})
	if err != nil {
		writeServiceError(w, c.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (c *QueueController) handleGet(w http.ResponseWriter, r *http.Request) {
	it, err := c.svc.GetItem(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, c.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (c *QueueController) handleRetry(w http.ResponseWriter, r *http.Request) {
	it, err := c.svc.RetryItem(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, c.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// handleProcess runs one processor batch synchronously.
func (c *QueueController) handleProcess(w http.ResponseWriter, r *http.Request) {
	res, err := c.svc.TriggerProcessing(r.Context())
	if err != nil {
		writeServiceError(w, c.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
