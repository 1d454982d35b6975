package controllers

import (
	"time"

	"github.com/rzbill/regflow/internal/orchestrator"
	"github.com/rzbill/regflow/internal/registration"
)

// registerReq is the body of POST /v1/registrations.
type registerReq struct {
	PaymentRef string         `json:"payment_ref"`
	OrderRef   string         `json:"order_ref"`
	Signature  string         `json:"signature"`
	Amount     float64        `json:"amount"`
	Payload    map[string]any `json:"payload"`
}

func (r registerReq) toRequest() orchestrator.Request {
	return orchestrator.Request{
		PaymentRef: r.PaymentRef,
		OrderRef:   r.OrderRef,
		Signature:  r.Signature,
		Amount:     r.Amount,
		Payload:    r.Payload,
	}
}

type registerResp struct {
	Status     orchestrator.Status `json:"status"`
	Message    string              `json:"message"`
	ItemID     string              `json:"item_id,omitempty"`
	PaymentRef string              `json:"payment_ref"`
	SequenceID uint64              `json:"sequence_id,omitempty"`
	Replayed   bool                `json:"replayed,omitempty"`
}

var statusMessages = map[orchestrator.Status]string{
	orchestrator.StatusProcessed: "registration processed",
	orchestrator.StatusQueued:    "payment received, registration queued for processing",
	orchestrator.StatusEmergency: "registration processed on the fallback path",
}

type registrationJSON struct {
	SequenceID uint64         `json:"sequence_id"`
	PaymentRef string         `json:"payment_ref"`
	OrderRef   string         `json:"order_ref"`
	Amount     float64        `json:"amount"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

func toRegistrationJSON(r *registration.Registration) registrationJSON {
	return registrationJSON{
		SequenceID: r.SequenceID,
		PaymentRef: r.PaymentRef,
		OrderRef:   r.OrderRef,
		Amount:     r.Amount,
		Payload:    r.Payload,
		CreatedAt:  r.CreatedAt,
	}
}
