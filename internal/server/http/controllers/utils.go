package controllers

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"

	"github.com/rzbill/regflow/internal/gate"
	"github.com/rzbill/regflow/internal/intake"
	"github.com/rzbill/regflow/internal/orchestrator"
	"github.com/rzbill/regflow/internal/registration"
	"github.com/rzbill/regflow/internal/services/pipeline"
	pebblestore "github.com/rzbill/regflow/internal/storage/pebble"
	"github.com/rzbill/regflow/pkg/log"
)

const maxBodyBytes = 1 << 20

// writeJSON writes data as JSON with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes {"error": message} with the given status.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps service errors onto HTTP responses. Unexpected
// errors are logged and reported as 500 without detail.
func writeServiceError(w http.ResponseWriter, logger log.Logger, err error) {
	var (
		ve *orchestrator.ValidationError
		mi *orchestrator.ManualInterventionError
		rl *pipeline.RateLimitedError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error(), "field": ve.Field})
	case errors.As(err, &rl):
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		writeError(w, http.StatusTooManyRequests, "too many requests")
	case errors.Is(err, gate.ErrInFlight):
		writeError(w, http.StatusConflict, "an identical request is already being processed")
	case errors.As(err, &mi):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":       "registration could not be saved; contact support with your payment reference",
			"payment_ref": mi.PaymentRef,
		})
	case errors.Is(err, intake.ErrNotFound), errors.Is(err, registration.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, intake.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pebblestore.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		logger.Error("request failed", log.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes a size-limited JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// parsePositive parses s as a positive int, returning 0 when empty or invalid.
func parsePositive(s string) int {
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return 0
}

// ClientIPResolver picks the client identity that keys the rate limiter.
// X-Forwarded-For is only read when the direct peer is a trusted proxy; the
// chain is then walked from the right, and the first hop that is not itself
// a trusted proxy is the client.
type ClientIPResolver struct {
	trusted []netip.Prefix
}

// ParseTrustedProxies accepts single addresses and CIDR prefixes.
func ParseTrustedProxies(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, raw := range list {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", raw, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

func NewClientIPResolver(trusted []netip.Prefix) *ClientIPResolver {
	return &ClientIPResolver{trusted: trusted}
}

func (c *ClientIPResolver) isTrusted(ip string) bool {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, p := range c.trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// ClientIP returns the identity for r.
func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if c == nil || len(c.trusted) == 0 || !c.isTrusted(peer) {
		return peer
	}
	var hops []string
	for _, h := range r.Header.Values("X-Forwarded-For") {
		for _, part := range strings.Split(h, ",") {
			if part = strings.TrimSpace(part); part != "" {
				hops = append(hops, part)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !c.isTrusted(hops[i]) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return peer
}
