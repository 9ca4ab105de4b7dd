package mux

import (
	"strings"
	"sync"

	"github.com/ferrant/ragmux/internal/core/domain"
)

const failoverHistorySize = 50

// failoverLog is a fixed-size ring of the most recent failover events,
// oldest evicted first.
type failoverLog struct {
	mu     sync.Mutex
	events [failoverHistorySize]domain.FailoverEvent
	next   int
	count  int
}

func (l *failoverLog) record(event domain.FailoverEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events[l.next] = event
	l.next = (l.next + 1) % failoverHistorySize
	if l.count < failoverHistorySize {
		l.count++
	}
}

// history returns the recorded events oldest first.
func (l *failoverLog) history() []domain.FailoverEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	events := make([]domain.FailoverEvent, 0, l.count)
	start := l.next - l.count
	if start < 0 {
		start += failoverHistorySize
	}
	for i := 0; i < l.count; i++ {
		events = append(events, l.events[(start+i)%failoverHistorySize])
	}
	return events
}

// triggerFor classifies a failed attempt's error text into a failover
// trigger.
func triggerFor(errText string) domain.FailoverTrigger {
	switch {
	case strings.Contains(errText, "timed out"):
		return domain.TriggerTimeout
	case strings.Contains(errText, "circuit"):
		return domain.TriggerCircuitBreaker
	default:
		return domain.TriggerServerFailure
	}
}
