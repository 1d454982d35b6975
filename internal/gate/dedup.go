package gate

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/zeebo/blake3"

	"github.com/rzbill/regflow/internal/codec"
)

// ErrInFlight is returned by Begin while an identical request is still being
// handled.
var ErrInFlight = errors.New("gate: identical request already processing")

const DefaultDedupWindow = 2 * time.Minute

// Fingerprint identifies a request by its semantically identifying fields.
type Fingerprint [32]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// fingerprintKey separates dedup hashes from any other keyed BLAKE3 use.
var fingerprintKey = [32]byte{
	'r', 'e', 'g', 'f', 'l', 'o', 'w', '.', 'g', 'a', 't', 'e', '.',
	'd', 'e', 'd', 'u', 'p',
}

// RequestKey holds the fields that make two requests the same request.
// Timestamps, nonces and other volatile fields stay out of it.
type RequestKey struct {
	Identity    string
	Event       string
	PaymentRefs []string
	Fee         float64
	TeamSize    int
}

// FingerprintOf hashes k. Payment references are order-insensitive.
func FingerprintOf(k RequestKey) Fingerprint {
	h, err := blake3.NewKeyed(fingerprintKey[:])
	if err != nil {
		panic("gate: blake3 keyed init: " + err.Error())
	}
	writeStr := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		_, _ = h.Write(n[:])
		_, _ = h.Write([]byte(s))
	}
	writeU64 := func(v uint64) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], v)
		_, _ = h.Write(n[:])
	}

	writeStr(k.Identity)
	writeStr(k.Event)
	refs := slices.Clone(k.PaymentRefs)
	slices.Sort(refs)
	writeU64(uint64(len(refs)))
	for _, r := range refs {
		writeStr(r)
	}
	writeU64(math.Float64bits(k.Fee))
	writeU64(uint64(k.TeamSize))

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// Response is the cached outcome handed to later duplicates.
type Response struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

type dedupEntry struct {
	Done     bool      `json:"done"`
	Response *Response `json:"response,omitempty"`
}

// Deduper suppresses identical requests within a window.
type Deduper struct {
	store  TTLStore
	window time.Duration
}

func NewDeduper(store TTLStore, window time.Duration) *Deduper {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Deduper{store: store, window: window}
}

func dedupKey(fp Fingerprint) string { return "dedup:" + fp.String() }

// Begin claims fp. It returns (nil, nil) when the caller now owns the
// request and must call Complete or Abort, the cached response when an
// identical request already finished, or ErrInFlight.
func (d *Deduper) Begin(ctx context.Context, fp Fingerprint) (*Response, error) {
	key := dedupKey(fp)
	marker, err := codec.Marshal(dedupEntry{})
	if err != nil {
		return nil, err
	}
	// a second round covers an entry expiring between SetNX and Get
	for range 2 {
		ok, err := d.store.SetNX(ctx, key, marker, d.window)
		if err != nil {
			return nil, fmt.Errorf("gate: claim fingerprint: %w", err)
		}
		if ok {
			return nil, nil
		}
		raw, found, err := d.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("gate: load fingerprint: %w", err)
		}
		if !found {
			continue
		}
		var e dedupEntry
		if err := codec.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("gate: decode fingerprint entry: %w", err)
		}
		if !e.Done || e.Response == nil {
			return nil, ErrInFlight
		}
		return e.Response, nil
	}
	return nil, ErrInFlight
}

// Complete attaches the final response to fp for the rest of the window.
func (d *Deduper) Complete(ctx context.Context, fp Fingerprint, resp Response) error {
	raw, err := codec.Marshal(dedupEntry{Done: true, Response: &resp})
	if err != nil {
		return err
	}
	return d.store.Set(ctx, dedupKey(fp), raw, d.window)
}

// Abort releases fp without caching anything, so the next identical request
// runs normally.
func (d *Deduper) Abort(ctx context.Context, fp Fingerprint) error {
	return d.store.Delete(ctx, dedupKey(fp))
}
