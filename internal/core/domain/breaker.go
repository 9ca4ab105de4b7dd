package domain

import (
	"fmt"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

func (s BreakerState) String() string {
	return string(s)
}

func (s BreakerState) Validate() error {
	switch s {
	case BreakerClosed, BreakerOpen, BreakerHalfOpen:
		return nil
	default:
		return fmt.Errorf("invalid breaker state: %s", s)
	}
}

// BreakerTransition is one entry in a breaker's bounded transition log.
type BreakerTransition struct {
	Timestamp time.Time    `json:"timestamp"`
	From      BreakerState `json:"from"`
	To        BreakerState `json:"to"`
	Reason    string       `json:"reason"`
}

// BreakerSnapshot is a read-only view of one server's breaker.
type BreakerSnapshot struct {
	ServerID             string              `json:"server_id"`
	State                BreakerState        `json:"state"`
	TotalRequests        int64               `json:"total_requests"`
	Failures             int64               `json:"failures"`
	Successes            int64               `json:"successes"`
	ConsecutiveFailures  int                 `json:"consecutive_failures"`
	ConsecutiveSuccesses int                 `json:"consecutive_successes"`
	LastFailure          time.Time           `json:"last_failure"`
	LastSuccess          time.Time           `json:"last_success"`
	AvgResponseTime      time.Duration       `json:"avg_response_time"`
	ErrorRate            float64             `json:"error_rate"`
	Transitions          []BreakerTransition `json:"transitions,omitempty"`
}
