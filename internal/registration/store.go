package registration

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/regflow/internal/codec"
	pebblestore "github.com/rzbill/regflow/internal/storage/pebble"
)

var (
	// ErrNotFound is returned for unknown sequence ids or payment references.
	ErrNotFound = errors.New("registration: not found")
	// ErrSequenceConflict is returned by Insert when the sequence id is taken.
	ErrSequenceConflict = errors.New("registration: sequence id already used")
)

// Registration is the durable, numbered record of a paid registration.
type Registration struct {
	SequenceID uint64         `json:"sequence_id"`
	PaymentRef string         `json:"payment_ref"`
	OrderRef   string         `json:"order_ref"`
	Amount     float64        `json:"amount"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Store persists registration records.
type Store interface {
	// Insert writes rec and its payment reference index atomically. If the
	// payment reference is already registered the existing record is
	// returned instead and nothing is written.
	Insert(ctx context.Context, rec *Registration) (*Registration, error)
	Get(ctx context.Context, sequenceID uint64) (*Registration, error)
	GetByPaymentRef(ctx context.Context, paymentRef string) (*Registration, error)
	// MaxSequence returns the highest stored sequence id, 0 when empty.
	MaxSequence(ctx context.Context) (uint64, error)
	// List returns up to limit records with sequence ids above after.
	List(ctx context.Context, after uint64, limit int) ([]*Registration, error)
}

const (
	prefixRec = "reg/rec/"
	prefixRef = "reg/ref/"
)

// recKey returns the record key.
// Format: reg/rec/{sequence_id:8B BE}
func recKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixRec), seq)
}

// refKey returns the payment reference index key.
// Format: reg/ref/{payment_ref}
func refKey(paymentRef string) []byte { return []byte(prefixRef + paymentRef) }

// PebbleStore is the Store backed by the shared Pebble database.
type PebbleStore struct {
	db *pebblestore.DB
}

var _ Store = (*PebbleStore)(nil)

func NewPebbleStore(db *pebblestore.DB) *PebbleStore { return &PebbleStore{db: db} }

func (s *PebbleStore) Insert(ctx context.Context, rec *Registration) (*Registration, error) {
	rk, sk := refKey(rec.PaymentRef), recKey(rec.SequenceID)
	raw, err := codec.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode registration: %w", err)
	}

	var existing *Registration
	err = s.db.Atomic(ctx, [][]byte{rk, sk}, func(tx *pebblestore.Tx) error {
		held, err := tx.Get(rk)
		if err == nil {
			existingRaw, err := tx.Get(recKey(binary.BigEndian.Uint64(held)))
			if err != nil {
				return fmt.Errorf("load registration for %s: %w", rec.PaymentRef, err)
			}
			existing, err = decode(existingRaw)
			return err
		}
		if !errors.Is(err, pebblestore.ErrNotFound) {
			return err
		}
		if _, err := tx.Get(sk); err == nil {
			return ErrSequenceConflict
		} else if !errors.Is(err, pebblestore.ErrNotFound) {
			return err
		}
		if err := tx.Set(sk, raw); err != nil {
			return err
		}
		return tx.Set(rk, binary.BigEndian.AppendUint64(nil, rec.SequenceID))
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return rec, nil
}

func (s *PebbleStore) Get(ctx context.Context, sequenceID uint64) (*Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := s.db.Get(recKey(sequenceID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get registration %d: %w", sequenceID, err)
	}
	return decode(raw)
}

func (s *PebbleStore) GetByPaymentRef(ctx context.Context, paymentRef string) (*Registration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	held, err := s.db.Get(refKey(paymentRef))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get registration ref %s: %w", paymentRef, err)
	}
	if len(held) != 8 {
		return nil, fmt.Errorf("registration: corrupt ref index for %s", paymentRef)
	}
	return s.Get(ctx, binary.BigEndian.Uint64(held))
}

// MaxSequence implements sequence.SeedSource.
func (s *PebbleStore) MaxSequence(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	k, _, err := s.db.Last([]byte(prefixRec), pebblestore.PrefixEnd([]byte(prefixRec)))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("scan registrations: %w", err)
	}
	if len(k) != len(prefixRec)+8 {
		return 0, fmt.Errorf("registration: malformed key %q", k)
	}
	return binary.BigEndian.Uint64(k[len(prefixRec):]), nil
}

func (s *PebbleStore) List(ctx context.Context, after uint64, limit int) ([]*Registration, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		out     []*Registration
		scanErr error
	)
	err := s.db.Scan(recKey(after+1), pebblestore.PrefixEnd([]byte(prefixRec)), func(_, v []byte) bool {
		rec, err := decode(v)
		if err != nil {
			scanErr = err
			return false
		}
		out = append(out, rec)
		return len(out) < limit && ctx.Err() == nil
	})
	if err == nil {
		err = scanErr
	}
	if err != nil {
		return nil, fmt.Errorf("list registrations: %w", err)
	}
	return out, ctx.Err()
}

func decode(raw []byte) (*Registration, error) {
	var r Registration
	if err := codec.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode registration: %w", err)
	}
	return &r, nil
}
