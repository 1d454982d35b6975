package id

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"sync"
	"time"
)

// ID is an intake item identifier: [8 bytes unix ms][8 bytes counter].
type ID [16]byte

// ErrInvalid is returned by Parse for malformed input.
var ErrInvalid = errors.New("id: invalid identifier")

// String returns the 32-char lowercase hex form used in keys and APIs.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// Time returns the creation timestamp embedded in the ID.
func (i ID) Time() time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(i[0:8])))
}

// Compare orders IDs by creation.
func (i ID) Compare(other ID) int {
	for idx := range i {
		switch {
		case i[idx] < other[idx]:
			return -1
		case i[idx] > other[idx]:
			return 1
		}
	}
	return 0
}

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	var out ID
	if len(s) != 2*len(out) {
		return out, ErrInvalid
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return out, ErrInvalid
	}
	return out, nil
}

// NowMs is the clock source; tests replace it.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Generator hands out strictly increasing IDs within one process.
type Generator struct {
	mu      sync.Mutex
	lastMs  int64
	counter uint64
}

func NewGenerator() *Generator { return &Generator{} }

// Next returns the next ID. A clock that steps backwards is pinned to the last
// observed millisecond; counter exhaustion waits for the clock to advance.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := max(NowMs(), g.lastMs)
	switch {
	case ms != g.lastMs:
		g.counter = 0
	case g.counter == math.MaxUint64:
		for ms <= g.lastMs {
			time.Sleep(time.Millisecond / 8)
			ms = NowMs()
		}
		g.counter = 0
	default:
		g.counter++
	}
	g.lastMs = ms

	var out ID
	binary.BigEndian.PutUint64(out[0:8], uint64(ms))
	binary.BigEndian.PutUint64(out[8:16], g.counter)
	return out
}
