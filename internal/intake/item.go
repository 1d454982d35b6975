package intake

import (
	"encoding/binary"
	"time"

	"github.com/rzbill/regflow/internal/codec"
)

// State is the lifecycle state of an intake item.
type State string

const (
	StatePending   State = "pending"
	StateLeased    State = "leased"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateLeased, StateCompleted, StateFailed}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateLeased, StateCompleted, StateFailed:
		return true
	}
	return false
}

// DefaultMaxAttempts applies when an EnqueueRequest leaves MaxAttempts zero.
const DefaultMaxAttempts = 10

// Item is a durable record of one paid registration awaiting persistence.
type Item struct {
	ID               string         `json:"id"`
	PaymentRef       string         `json:"payment_ref"`
	OrderRef         string         `json:"order_ref"`
	PaymentSignature string         `json:"payment_signature"`
	Amount           float64        `json:"amount"`
	Payload          map[string]any `json:"payload"`

	State       State `json:"state"`
	Attempts    int   `json:"attempts"`
	MaxAttempts int   `json:"max_attempts"`

	CreatedAt      time.Time  `json:"created_at"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LeaseHolder    string     `json:"lease_holder,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// EnqueueRequest carries the confirmed payment and the normalized payload.
type EnqueueRequest struct {
	PaymentRef       string
	OrderRef         string
	PaymentSignature string
	Amount           float64
	Payload          map[string]any
	MaxAttempts      int
}

// Exhausted reports whether no attempts remain.
func (it *Item) Exhausted() bool { return it.Attempts >= it.MaxAttempts }

func (it *Item) clone() *Item {
	c := *it
	return &c
}

func (it *Item) clearLease() {
	it.LeaseHolder = ""
	it.LeaseExpiresAt = nil
}

// leaseExpired reports whether a leased item may be taken over at now.
func (it *Item) leaseExpired(now time.Time) bool {
	return it.LeaseExpiresAt == nil || !it.LeaseExpiresAt.After(now)
}

func encodeItem(it *Item) ([]byte, error) { return codec.Marshal(it) }

func decodeItem(b []byte) (*Item, error) {
	var it Item
	if err := codec.Unmarshal(b, &it); err != nil {
		return nil, err
	}
	return &it, nil
}

// stateIndexValue is what LeaseNext needs to filter candidates without
// loading them: the lease expiry for leased items, a retryable flag for
// failed ones.
func stateIndexValue(it *Item) []byte {
	switch it.State {
	case StateLeased:
		var ms int64
		if it.LeaseExpiresAt != nil {
			ms = it.LeaseExpiresAt.UnixMilli()
		}
		return binary.BigEndian.AppendUint64(nil, uint64(ms))
	case StateFailed:
		if it.Exhausted() {
			return []byte{0}
		}
		return []byte{1}
	default:
		return []byte{}
	}
}
