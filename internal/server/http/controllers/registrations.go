package controllers

import (
	"net/http"
	"strconv"

	"github.com/rzbill/regflow/internal/orchestrator"
	"github.com/rzbill/regflow/internal/services/pipeline"
	"github.com/rzbill/regflow/pkg/log"
)

// RegistrationsController serves the public registration endpoint and
// registration lookups.
type RegistrationsController struct {
	svc    *pipeline.Service
	ips    *ClientIPResolver
	logger log.Logger
}

func NewRegistrationsController(svc *pipeline.Service, ips *ClientIPResolver, logger log.Logger) *RegistrationsController {
	return &RegistrationsController{svc: svc, ips: ips, logger: logger}
}

func (c *RegistrationsController) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/registrations", c.handleRegister)
	mux.HandleFunc("GET /v1/registrations", c.handleLookup)
	mux.HandleFunc("GET /v1/registrations/{seq}", c.handleGet)
}

// handleRegister answers 200 when the registration exists and 202 when it is
// queued.
func (c *RegistrationsController) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerReq
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := c.svc.Register(r.Context(), c.ips.ClientIP(r), req.toRequest())
	if err != nil {
		writeServiceError(w, c.logger, err)
		return
	}
	status := http.StatusOK
	if res.Status == orchestrator.StatusQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, registerResp{
		Status:     res.Status,
		Message:    statusMessages[res.Status],
		ItemID:     res.ItemID,
		PaymentRef: res.PaymentRef,
		SequenceID: res.SequenceID,
		Replayed:   res.Replayed,
	})
}

// handleLookup serves ?payment_ref= lookups, or a page of registrations in
// sequence order with ?after= and ?limit=.
func (c *RegistrationsController) handleLookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if ref := q.Get("payment_ref"); ref != "" {
		reg, err := c.svc.GetRegistrationByRef(r.Context(), ref)
		if err != nil {
			writeServiceError(w, c.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toRegistrationJSON(reg))
		return
	}
	after, _ := strconv.ParseUint(q.Get("after"), 10, 64)
	regs, err := c.svc.ListRegistrations(r.Context(), after, parsePositive(q.Get("limit")))
	if err != nil {
		writeServiceError(w, c.logger, err)
		return
	}
	out := make([]registrationJSON, 0, len(regs))
	for _, reg := range regs {
		out = append(out, toRegistrationJSON(reg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"registrations": out})
}

func (c *RegistrationsController) handleGet(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "sequence id must be a positive integer")
		return
	}
	reg, err := c.svc.GetRegistration(r.Context(), seq)
	if err != nil {
		writeServiceError(w, c.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toRegistrationJSON(reg))
}
