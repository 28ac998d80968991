package taskserver

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("taskserver: circuit breaker open")

// ProtectedConfig mirrors notifications.ProtectedNotifierConfig, adapted
// to guard TaskServer.Enqueue against a saturated task host instead of a
// flaky notification provider.
type ProtectedConfig struct {
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	HalfOpenMaxCalls int
}

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

// Protected wraps a TaskServer with a closed/open/half-open breaker around
// Enqueue only — EnqueueRecurring/Cancel pass straight through, since a
// saturated host affects new handoffs, not cancellation of work already
// accepted.
type Protected struct {
	inner TaskServer
	cfg   ProtectedConfig
	mu    sync.Mutex

	state               circuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    int
}

func NewProtected(inner TaskServer, cfg ProtectedConfig) *Protected {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}

	return &Protected{inner: inner, cfg: cfg, state: circuitClosed}
}

func (p *Protected) Enqueue(ctx context.Context, metadataID string, workflowName string, inputJSON []byte) (Handle, error) {
	if !p.allowRequest() {
		return "", ErrCircuitOpen
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	handle, err := p.inner.Enqueue(enqueueCtx, metadataID, workflowName, inputJSON)
	p.afterRequest(err)
	return handle, err
}

func (p *Protected) EnqueueRecurring(ctx context.Context, id string, cronExpr string, callback RecurringCallback) error {
	return p.inner.EnqueueRecurring(ctx, id, cronExpr, callback)
}

func (p *Protected) Cancel(ctx context.Context, handle Handle) error {
	return p.inner.Cancel(ctx, handle)
}

func (p *Protected) allowRequest() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(p.openedAt) >= p.cfg.Cooldown {
			p.state = circuitHalfOpen
			p.halfOpenInFlight = 0
			return true
		}
		return false
	case circuitHalfOpen:
		if p.halfOpenInFlight >= p.cfg.HalfOpenMaxCalls {
			return false
		}
		p.halfOpenInFlight++
		return true
	default:
		return true
	}
}

func (p *Protected) afterRequest(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == circuitHalfOpen && p.halfOpenInFlight > 0 {
		p.halfOpenInFlight--
	}

	if err == nil {
		p.consecutiveFailures = 0
		p.state = circuitClosed
		return
	}

	p.consecutiveFailures++

	if p.state == circuitHalfOpen {
		p.state = circuitOpen
		p.openedAt = time.Now()
		return
	}

	if p.consecutiveFailures >= p.cfg.FailureThreshold {
		p.state = circuitOpen
		p.openedAt = time.Now()
	}
}
