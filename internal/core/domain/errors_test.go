package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"timeout error", &TimeoutError{ServerID: "s", RequestID: "r", Elapsed: time.Second}, ErrKindTimeout},
		{"protocol error", &ProtocolError{ServerID: "s", Detail: "bad frame"}, ErrKindProtocol},
		{"application error", &ApplicationError{ServerID: "s", Message: "no index"}, ErrKindApplication},
		{"no servers", ErrNoServersAvailable, ErrKindNoServersAvailable},
		{"queue full", ErrQueueFull, ErrKindQueueFull},
		{"shutdown", ErrShutdown, ErrKindShutdown},
		{"deadline", ErrDeadlineExceeded, ErrKindDeadlineExceeded},
		{"wrapped timeout", fmt.Errorf("dispatch: %w", &TimeoutError{ServerID: "s"}), ErrKindTimeout},
		{"plain error defaults to connection", errors.New("boom"), ErrKindConnection},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestErrorKindRetryable(t *testing.T) {
	assert.True(t, ErrKindConnection.Retryable())
	assert.True(t, ErrKindTimeout.Retryable())
	assert.True(t, ErrKindProtocol.Retryable())
	assert.False(t, ErrKindApplication.Retryable())
	assert.False(t, ErrKindConfiguration.Retryable())
	assert.False(t, ErrKindDeadlineExceeded.Retryable())
	assert.False(t, ErrKindShutdown.Retryable())
}

func TestErrorKindHealthFailure(t *testing.T) {
	assert.True(t, ErrKindConnection.CountsAsHealthFailure())
	assert.True(t, ErrKindTimeout.CountsAsHealthFailure())
	assert.True(t, ErrKindProtocol.CountsAsHealthFailure())
	assert.False(t, ErrKindApplication.CountsAsHealthFailure())
}

func TestRequestErrorUnwrap(t *testing.T) {
	cause := &TimeoutError{ServerID: "s1", RequestID: "r1", Elapsed: time.Second}
	wrapped := NewRequestError(ErrKindTimeout, "r1", "s1", nil, cause)

	var timeoutErr *TimeoutError
	require.True(t, errors.As(wrapped, &timeoutErr))
	assert.Equal(t, "s1", timeoutErr.ServerID)
	assert.Contains(t, wrapped.Error(), "r1")
	assert.Contains(t, wrapped.Error(), "timeout")
}

func TestRequestErrorCarriesHistory(t *testing.T) {
	history := []RoutingAttempt{
		{ServerID: "s1", Success: false, Error: "refused"},
		{ServerID: "s2", Success: false, Error: "refused"},
	}
	err := NewRequestError(ErrKindFailoverExhausted, "r1", "", history, errors.New("refused"))

	require.Len(t, err.History, 2)
	assert.Equal(t, "s2", err.History[1].ServerID)
}

func TestRequestErrorHistoryDetachedFromContext(t *testing.T) {
	reqCtx := &RequestContext{ID: "r1"}
	reqCtx.RecordAttempt("s1", false, time.Millisecond, errors.New("refused"))

	err := NewRequestError(ErrKindFailoverExhausted, reqCtx.ID, "", reqCtx.RoutingHistory, errors.New("refused"))

	// Resetting and reusing the context must not rewrite the history the
	// error already carries.
	reqCtx.Reset()
	reqCtx.RecordAttempt("s2", true, time.Millisecond, nil)

	require.Len(t, err.History, 1)
	assert.Equal(t, "s1", err.History[0].ServerID)
}
