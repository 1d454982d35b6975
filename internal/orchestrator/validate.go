package orchestrator

import (
	"encoding/hex"
	"regexp"
	"strings"
)

// Request is one confirmed payment plus the registration it pays for.
type Request struct {
	PaymentRef string         `json:"payment_ref"`
	OrderRef   string         `json:"order_ref"`
	Signature  string         `json:"signature"`
	Amount     float64        `json:"amount"`
	Payload    map[string]any `json:"payload"`
}

var refPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)

const minSignatureLen = 32

// Validate checks the payment proof and that there is something to register.
func Validate(r Request) error {
	if strings.TrimSpace(r.PaymentRef) == "" {
		return &ValidationError{Field: "payment_ref", Reason: "required"}
	}
	if !refPattern.MatchString(r.PaymentRef) {
		return &ValidationError{Field: "payment_ref", Reason: "malformed"}
	}
	if strings.TrimSpace(r.OrderRef) == "" {
		return &ValidationError{Field: "order_ref", Reason: "required"}
	}
	if !refPattern.MatchString(r.OrderRef) {
		return &ValidationError{Field: "order_ref", Reason: "malformed"}
	}
	if r.Signature == "" {
		return &ValidationError{Field: "signature", Reason: "required"}
	}
	if len(r.Signature) < minSignatureLen {
		return &ValidationError{Field: "signature", Reason: "too short"}
	}
	if _, err := hex.DecodeString(r.Signature); err != nil {
		return &ValidationError{Field: "signature", Reason: "must be hex encoded"}
	}
	if !(r.Amount > 0) {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if len(r.Payload) == 0 {
		return &ValidationError{Field: "payload", Reason: "required"}
	}
	return nil
}
