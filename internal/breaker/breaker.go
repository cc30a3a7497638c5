// Package breaker provides per-host circuit breaking for push service
// origins. A recipient's subscriptions often sit behind a handful of push
// services; when one of them is down, failing fast beats spending the full
// send timeout on every subscription behind it.
package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the current state of one host's breaker.
//
// State transitions:
//
//	Closed -> Open:      When failure count >= threshold
//	Open -> HalfOpen:    After recovery timeout expires
//	HalfOpen -> Closed:  When a probe request succeeds
//	HalfOpen -> Open:    When a probe request fails
type State int

const (
	StateClosed   State = iota // Normal operation - requests pass through
	StateOpen                  // Circuit tripped - requests fail fast
	StateHalfOpen              // Recovery probe - allow one request to test
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when a host's circuit is open and sends to it are
// being rejected without touching the network.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds breaker thresholds, shared by all hosts in a registry.
type Config struct {
	// MaxFailures is the number of consecutive failures before a host's
	// circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long to wait in Open state before probing.
	RecoveryTimeout time.Duration
}

// DefaultConfig returns the thresholds used in production.
func DefaultConfig() Config {
	return Config{
		MaxFailures:     5,
		RecoveryTimeout: 30 * time.Second,
	}
}

// HostBreakers keeps one breaker per push-service host, created lazily on
// first send to that host.
type HostBreakers struct {
	mu       sync.Mutex
	config   Config
	logger   *zap.Logger
	breakers map[string]*hostBreaker
}

type hostBreaker struct {
	state           State
	failureCount    int
	lastFailureTime time.Time
	probing         bool
}

// New creates a registry of per-host breakers.
func New(cfg Config, logger *zap.Logger) *HostBreakers {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}

	return &HostBreakers{
		config:   cfg,
		logger:   logger,
		breakers: make(map[string]*hostBreaker),
	}
}

// Allow reports whether a send to host may proceed. In Open state it allows
// a single probe once the recovery timeout has elapsed.
func (h *HostBreakers) Allow(host string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.breakers[host]
	if b == nil {
		b = &hostBreaker{state: StateClosed}
		h.breakers[host] = b
	}

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailureTime) >= h.config.RecoveryTimeout {
			b.state = StateHalfOpen
			b.probing = true
			h.logger.Info("circuit breaker allowing probe request",
				zap.String("host", host),
			)
			return true
		}
		return false

	case StateHalfOpen:
		// One probe at a time.
		if !b.probing {
			b.probing = true
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a delivered send. In HalfOpen state this closes
// the circuit (host recovered).
func (h *HostBreakers) RecordSuccess(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.breakers[host]
	if b == nil {
		return
	}

	b.failureCount = 0
	b.probing = false

	if b.state != StateClosed {
		b.state = StateClosed
		h.logger.Info("circuit breaker closed - push service recovered",
			zap.String("host", host),
		)
	}
}

// RecordFailure records a failed send. In Closed state the circuit opens
// after MaxFailures consecutive failures; in HalfOpen a failed probe
// re-opens it immediately.
func (h *HostBreakers) RecordFailure(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := h.breakers[host]
	if b == nil {
		b = &hostBreaker{state: StateClosed}
		h.breakers[host] = b
	}

	b.failureCount++
	b.lastFailureTime = time.Now()
	b.probing = false

	switch b.state {
	case StateClosed:
		if b.failureCount >= h.config.MaxFailures {
			b.state = StateOpen
			h.logger.Warn("circuit breaker opened - push service failing",
				zap.String("host", host),
				zap.Int("failures", b.failureCount),
				zap.Int("threshold", h.config.MaxFailures),
			)
		}

	case StateHalfOpen:
		b.state = StateOpen
		h.logger.Warn("circuit breaker re-opened - probe failed",
			zap.String("host", host),
		)
	}
}

// GetState returns the current state for one host.
func (h *HostBreakers) GetState(host string) State {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b := h.breakers[host]; b != nil {
		return b.state
	}
	return StateClosed
}
