package domain

import (
	"time"
)

const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"

	DefaultMaxResults = 5
	DefaultThreshold  = 0.7
)

// Capability tags servers declare and requests require.
const (
	CapabilityVectorSearch       = "vector_search"
	CapabilityGraphQuery         = "graph_query"
	CapabilityAdvancedProcessing = "advanced_processing"
)

// RAGRequest is one retrieval query submitted by a caller.
type RAGRequest struct {
	Query      string          `json:"query"`
	Context    string          `json:"context,omitempty"`
	MaxResults int             `json:"maxResults,omitempty"`
	Threshold  float64         `json:"threshold,omitempty"`
	Priority   string          `json:"priority,omitempty"`
	Metadata   RequestMetadata `json:"metadata,omitempty"`
}

type RequestMetadata struct {
	Timeout    time.Duration `json:"timeout,omitempty"`
	MaxCost    float64       `json:"maxCost,omitempty"`
	MinQuality float64       `json:"minQuality,omitempty"`
}

func (r *RAGRequest) EffectiveMaxResults() int {
	if r.MaxResults <= 0 {
		return DefaultMaxResults
	}
	return r.MaxResults
}

func (r *RAGRequest) EffectiveThreshold() float64 {
	if r.Threshold <= 0 {
		return DefaultThreshold
	}
	return r.Threshold
}

// PriorityValue maps the string priority onto the queue's numeric scale.
func (r *RAGRequest) PriorityValue() int {
	switch r.Priority {
	case PriorityHigh:
		return 10
	case PriorityLow:
		return -10
	default:
		return 0
	}
}

type RAGResult struct {
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type ResponseMetadata struct {
	TotalResults     int    `json:"totalResults"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
	Source           string `json:"source,omitempty"`
	QueryID          string `json:"queryId"`
	ServerID         string `json:"serverId"`
}

type RAGResponse struct {
	Results  []RAGResult      `json:"results"`
	Metadata ResponseMetadata `json:"metadata"`
}

// RoutingAttempt records one server touched while serving a request.
type RoutingAttempt struct {
	ServerID  string        `json:"server_id"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
}

// RequestContext lives for the duration of one Execute call.
type RequestContext struct {
	ID             string
	Request        *RAGRequest
	Priority       int
	RetryCount     int
	Required       []string
	Complexity     float64
	Deadline       time.Time
	RoutingHistory []RoutingAttempt
}

// FailedServers returns the ids of servers with failed attempts; they
// are excluded from re-selection within the same Execute call.
func (c *RequestContext) FailedServers() map[string]struct{} {
	failed := make(map[string]struct{}, len(c.RoutingHistory))
	for _, attempt := range c.RoutingHistory {
		if !attempt.Success {
			failed[attempt.ServerID] = struct{}{}
		}
	}
	return failed
}

func (c *RequestContext) RecordAttempt(serverID string, success bool, latency time.Duration, err error) {
	attempt := RoutingAttempt{
		ServerID:  serverID,
		Success:   success,
		Latency:   latency,
		Timestamp: time.Now(),
	}
	if err != nil {
		attempt.Error = err.Error()
	}
	c.RoutingHistory = append(c.RoutingHistory, attempt)
}

// Reset clears the context for reuse from a pool.
func (c *RequestContext) Reset() {
	c.ID = ""
	c.Request = nil
	c.Priority = 0
	c.RetryCount = 0
	c.Required = c.Required[:0]
	c.Complexity = 0
	c.Deadline = time.Time{}
	c.RoutingHistory = c.RoutingHistory[:0]
}

// RoutingDecision is emitted for observability; it is never persisted.
type RoutingDecision struct {
	ServerID        string        `json:"server_id"`
	RuleID          string        `json:"rule_id,omitempty"`
	Strategy        string        `json:"strategy"`
	Confidence      float64       `json:"confidence"`
	ExpectedLatency time.Duration `json:"expected_latency"`
	ExpectedCost    float64       `json:"expected_cost"`
	Reasoning       []string      `json:"reasoning,omitempty"`
	Alternatives    []string      `json:"alternatives,omitempty"`
}
