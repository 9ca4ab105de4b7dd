// Package health owns per-server liveness probing and circuit breaking.
// Breaker state is written here only; other components read admission
// through CanExecute and feed outcomes through Record.
package health

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/ferrant/ragmux/internal/config"
	"github.com/ferrant/ragmux/internal/core/domain"
)

const (
	emaAlpha = 0.1

	// bounded per-breaker collections
	maxWindowEntries    = 100
	maxTransitionLog    = 100
	errorRateMinSamples = 10

	reasonFailureThreshold = "failure threshold exceeded"
	reasonErrorRate        = "rolling error rate exceeded"
	reasonRecoveryElapsed  = "recovery timeout elapsed"
	reasonRecoveryConfirm  = "recovery confirmed"
	reasonHalfOpenFailure  = "failed during recovery"
	reasonManualOverride   = "Manual override"
)

type windowEntry struct {
	at      time.Time
	success bool
}

type breaker struct {
	mu sync.Mutex

	state                domain.BreakerState
	total                int64
	failures             int64
	successes            int64
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	lastSuccess          time.Time
	avgResponseTime      time.Duration

	window      []windowEntry
	transitions []domain.BreakerTransition

	// probeGate admits one trial request per recovery window while half
	// open; concurrent callers may still see a small burst.
	probeGate *rate.Limiter
}

// TransitionListener observes every breaker state change.
type TransitionListener func(serverID string, from, to domain.BreakerState, reason string)

// CircuitBreaker keeps one three-state breaker per server.
type CircuitBreaker struct {
	breakers *xsync.Map[string, *breaker]
	cfg      config.HealthConfig
	listener TransitionListener
}

func NewCircuitBreaker(cfg config.HealthConfig, listener TransitionListener) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: xsync.NewMap[string, *breaker](),
		cfg:      cfg,
		listener: listener,
	}
}

func (cb *CircuitBreaker) get(serverID string) *breaker {
	b, _ := cb.breakers.LoadOrCompute(serverID, func() (*breaker, bool) {
		return &breaker{
			state:     domain.BreakerClosed,
			probeGate: rate.NewLimiter(rate.Every(cb.cfg.RecoveryTime), 1),
		}, false
	})
	return b
}

// CanExecute implements the admission contract: closed and half-open
// admit; open admits once the recovery time has elapsed, transitioning
// to half-open as a side effect.
func (cb *CircuitBreaker) CanExecute(serverID string) bool {
	b := cb.get(serverID)

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case domain.BreakerClosed:
		return true
	case domain.BreakerHalfOpen:
		return b.probeGate.Allow()
	case domain.BreakerOpen:
		if time.Since(b.lastFailure) >= cb.cfg.RecoveryTime {
			cb.transitionLocked(serverID, b, domain.BreakerHalfOpen, reasonRecoveryElapsed)
			// The admitting request is the trial probe; consume the gate so
			// the next caller waits out a full recovery window.
			return b.probeGate.Allow()
		}
		return false
	default:
		return false
	}
}

// Record feeds one request outcome into the breaker and evaluates the
// transition table.
func (cb *CircuitBreaker) Record(serverID string, success bool, responseTime time.Duration) {
	b := cb.get(serverID)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.total++
	if success {
		b.successes++
		b.consecutiveSuccesses++
		b.consecutiveFailures = 0
		b.lastSuccess = now
	} else {
		b.failures++
		b.consecutiveFailures++
		b.consecutiveSuccesses = 0
		b.lastFailure = now
	}

	if b.avgResponseTime == 0 {
		b.avgResponseTime = responseTime
	} else {
		b.avgResponseTime = time.Duration(float64(b.avgResponseTime)*(1-emaAlpha) + float64(responseTime)*emaAlpha)
	}

	b.window = append(b.window, windowEntry{at: now, success: success})
	if len(b.window) > maxWindowEntries {
		b.window = b.window[len(b.window)-maxWindowEntries:]
	}

	switch b.state {
	case domain.BreakerClosed:
		if b.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(serverID, b, domain.BreakerOpen, reasonFailureThreshold)
		} else if rate, samples := cb.errorRateLocked(b, now); samples >= errorRateMinSamples && rate > 0.5 {
			cb.transitionLocked(serverID, b, domain.BreakerOpen, reasonErrorRate)
		}
	case domain.BreakerHalfOpen:
		if !success {
			cb.transitionLocked(serverID, b, domain.BreakerOpen, reasonHalfOpenFailure)
		} else if b.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(serverID, b, domain.BreakerClosed, reasonRecoveryConfirm)
		}
	case domain.BreakerOpen:
		// Outcomes recorded while open (in-flight stragglers) only move
		// the counters; recovery is time-driven via CanExecute.
	}
}

// errorRateLocked computes the failure ratio over the monitoring window.
func (cb *CircuitBreaker) errorRateLocked(b *breaker, now time.Time) (float64, int) {
	cutoff := now.Add(-cb.cfg.MonitoringWindow)
	var total, failed int
	for i := len(b.window) - 1; i >= 0; i-- {
		if b.window[i].at.Before(cutoff) {
			break
		}
		total++
		if !b.window[i].success {
			failed++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}

// transitionLocked performs the state change, resets consecutive
// counters and appends to the bounded transition log.
func (cb *CircuitBreaker) transitionLocked(serverID string, b *breaker, to domain.BreakerState, reason string) {
	from := b.state
	b.state = to
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0

	if to == domain.BreakerHalfOpen {
		// Arm the probe gate so the first trial request passes
		// immediately and the next waits out a full recovery window.
		b.probeGate = rate.NewLimiter(rate.Every(cb.cfg.RecoveryTime), 1)
	}

	b.transitions = append(b.transitions, domain.BreakerTransition{
		Timestamp: time.Now(),
		From:      from,
		To:        to,
		Reason:    reason,
	})
	if len(b.transitions) > maxTransitionLog {
		b.transitions = b.transitions[len(b.transitions)-maxTransitionLog:]
	}

	if cb.listener != nil {
		cb.listener(serverID, from, to, reason)
	}
}

// ForceState overrides the breaker state for maintenance and tests.
// Forcing the current state only appends a log entry; counters and the
// outcome window are untouched.
func (cb *CircuitBreaker) ForceState(serverID string, state domain.BreakerState, reason string) {
	if reason == "" {
		reason = reasonManualOverride
	}

	b := cb.get(serverID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == state {
		b.transitions = append(b.transitions, domain.BreakerTransition{
			Timestamp: time.Now(),
			From:      state,
			To:        state,
			Reason:    reason,
		})
		if len(b.transitions) > maxTransitionLog {
			b.transitions = b.transitions[len(b.transitions)-maxTransitionLog:]
		}
		return
	}

	if state == domain.BreakerOpen {
		// A forced open must not immediately re-admit via the
		// time-driven recovery path.
		b.lastFailure = time.Now()
	}
	cb.transitionLocked(serverID, b, state, reason)
}

// Reset returns the breaker to closed with cleared counters; used by the
// multiplexer's recovery loop.
func (cb *CircuitBreaker) Reset(serverID string) {
	b := cb.get(serverID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != domain.BreakerClosed {
		cb.transitionLocked(serverID, b, domain.BreakerClosed, reasonManualOverride)
	}
	b.window = b.window[:0]
}

func (cb *CircuitBreaker) State(serverID string) domain.BreakerState {
	b := cb.get(serverID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (cb *CircuitBreaker) Snapshot(serverID string) domain.BreakerSnapshot {
	b := cb.get(serverID)
	b.mu.Lock()
	defer b.mu.Unlock()

	errorRate, _ := cb.errorRateLocked(b, time.Now())
	transitions := make([]domain.BreakerTransition, len(b.transitions))
	copy(transitions, b.transitions)

	return domain.BreakerSnapshot{
		ServerID:             serverID,
		State:                b.state,
		TotalRequests:        b.total,
		Failures:             b.failures,
		Successes:            b.successes,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailure:          b.lastFailure,
		LastSuccess:          b.lastSuccess,
		AvgResponseTime:      b.avgResponseTime,
		ErrorRate:            errorRate,
		Transitions:          transitions,
	}
}

// Remove drops breaker state for a deregistered server.
func (cb *CircuitBreaker) Remove(serverID string) {
	cb.breakers.Delete(serverID)
}
