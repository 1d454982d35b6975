package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rzbill/regflow/internal/codec"
	"github.com/rzbill/regflow/internal/gate"
	"github.com/rzbill/regflow/internal/orchestrator"
	"github.com/rzbill/regflow/pkg/log"
)

// Result is the outcome of Register.
type Result struct {
	*orchestrator.Response
	// Replayed is set when the response came from the dedup cache.
	Replayed bool
}

// outcome codes kept in the dedup cache
const (
	outcomeOK      = 1
	outcomeInvalid = 2
)

// Register runs one registration request through the gate and the
// orchestrator. clientID keys the rate limit, normally the client address.
//
// Errors: *RateLimitedError, gate.ErrInFlight, *orchestrator.ValidationError
// and *orchestrator.ManualInterventionError. A repeat of a request that was
// already answered within the dedup window gets the same answer back.
func (s *Service) Register(ctx context.Context, clientID string, req orchestrator.Request) (*Result, error) {
	logger := s.logger.With(log.PaymentRef(req.PaymentRef), log.Str("client", clientID))

	d, err := s.gate.Limiter.Allow(ctx, clientID)
	if err != nil {
		// the gate is best-effort
		logger.Warn("rate limiter unavailable", log.Err(err))
	} else if !d.Allowed {
		logger.Info("request rate limited", log.Dur("retry_after", d.RetryAfter))
		return nil, &RateLimitedError{RetryAfter: d.RetryAfter}
	}

	fp := gate.FingerprintOf(requestKey(clientID, req))
	cached, err := s.gate.Dedup.Begin(ctx, fp)
	switch {
	case errors.Is(err, gate.ErrInFlight):
		return nil, err
	case err != nil:
		logger.Warn("dedup unavailable", log.Err(err))
	case cached != nil:
		logger.Debug("duplicate request answered from cache")
		return replay(*cached)
	}
	owned := err == nil

	resp, regErr := s.orch.Register(ctx, req)
	if owned {
		s.settle(ctx, fp, resp, regErr, logger)
	}
	if regErr != nil {
		return nil, regErr
	}
	return &Result{Response: resp}, nil
}

// settle caches deterministic outcomes and releases the fingerprint
// otherwise, so a retry after a store outage runs again.
func (s *Service) settle(ctx context.Context, fp gate.Fingerprint, resp *orchestrator.Response, err error, logger log.Logger) {
	var (
		entry  gate.Response
		ve     *orchestrator.ValidationError
		body   []byte
		encErr error
	)
	switch {
	case err == nil:
		body, encErr = codec.Marshal(resp)
		entry = gate.Response{Status: outcomeOK, Body: body}
	case errors.As(err, &ve):
		body, encErr = codec.Marshal(ve)
		entry = gate.Response{Status: outcomeInvalid, Body: body}
	default:
		if abortErr := s.gate.Dedup.Abort(ctx, fp); abortErr != nil {
			logger.Warn("release fingerprint", log.Err(abortErr))
		}
		return
	}
	if encErr != nil {
		logger.Warn("encode dedup response", log.Err(encErr))
		_ = s.gate.Dedup.Abort(ctx, fp)
		return
	}
	if err := s.gate.Dedup.Complete(ctx, fp, entry); err != nil {
		logger.Warn("cache dedup response", log.Err(err))
	}
}

func replay(cached gate.Response) (*Result, error) {
	switch cached.Status {
	case outcomeOK:
		var resp orchestrator.Response
		if err := codec.Unmarshal(cached.Body, &resp); err != nil {
			return nil, fmt.Errorf("decode cached response: %w", err)
		}
		return &Result{Response: &resp, Replayed: true}, nil
	case outcomeInvalid:
		var ve orchestrator.ValidationError
		if err := codec.Unmarshal(cached.Body, &ve); err != nil {
			return nil, fmt.Errorf("decode cached response: %w", err)
		}
		return nil, &ve
	}
	return nil, fmt.Errorf("unknown cached outcome %d", cached.Status)
}

// requestKey picks the identifying fields of a registration. The payer email
// identifies the client when present; the network identity otherwise.
func requestKey(clientID string, req orchestrator.Request) gate.RequestKey {
	identity := clientID
	if email, ok := req.Payload["email"].(string); ok && email != "" {
		identity = strings.ToLower(strings.TrimSpace(email))
	}
	event, _ := req.Payload["event"].(string)
	return gate.RequestKey{
		Identity:    identity,
		Event:       event,
		PaymentRefs: []string{req.PaymentRef, req.OrderRef},
		Fee:         req.Amount,
		TeamSize:    teamSize(req.Payload),
	}
}

func teamSize(payload map[string]any) int {
	switch v := payload["team_members"].(type) {
	case []any:
		return len(v)
	case []string:
		return len(v)
	}
	switch v := payload["team_size"].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case uint64:
		return int(v)
	case int64:
		return int(v)
	}
	return 0
}
