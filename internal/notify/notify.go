// Package notify delivers registration confirmations. Delivery is best
// effort: callers dispatch through async.Runner and never wait on it.
package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rzbill/regflow/internal/registration"
	"github.com/rzbill/regflow/pkg/log"
)

// Confirmation is what a payer is told once their registration is numbered.
type Confirmation struct {
	SequenceID uint64  `json:"sequence_id"`
	PaymentRef string  `json:"payment_ref"`
	LeaderName string  `json:"leader_name"`
	Event      string  `json:"event"`
	Email      string  `json:"email"`
	Fee        float64 `json:"fee"`
}

// Notifier delivers one confirmation.
type Notifier interface {
	Notify(ctx context.Context, c Confirmation) error
}

// ConfirmationFor reads the notification fields out of a registration
// payload. Missing fields are left empty.
func ConfirmationFor(reg *registration.Registration) Confirmation {
	return Confirmation{
		SequenceID: reg.SequenceID,
		PaymentRef: reg.PaymentRef,
		LeaderName: str(reg.Payload["leader_name"]),
		Event:      str(reg.Payload["event"]),
		Email:      str(reg.Payload["email"]),
		Fee:        num(reg.Payload["fee"]),
	}
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func num(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	}
	return 0
}

// LogNotifier writes confirmations to the log. It is the default when no
// webhook is configured.
type LogNotifier struct {
	Logger log.Logger
}

func (n LogNotifier) Notify(_ context.Context, c Confirmation) error {
	n.Logger.Info("registration confirmed",
		log.Uint64("sequence_id", c.SequenceID),
		log.PaymentRef(c.PaymentRef),
		log.Str("event", c.Event),
		log.Str("email", c.Email))
	return nil
}
