package orchestrator

import "fmt"

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ManualInterventionError means the payment was accepted upstream but no
// durable record of it could be written here. Support needs PaymentRef.
type ManualInterventionError struct {
	PaymentRef string
	Err        error
}

func (e *ManualInterventionError) Error() string {
	return fmt.Sprintf("registration for payment %s needs manual intervention: %v", e.PaymentRef, e.Err)
}

func (e *ManualInterventionError) Unwrap() error { return e.Err }
