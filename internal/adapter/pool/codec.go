// Package pool owns server connections and the request queue: it
// establishes TCP streams to backend MCP servers, speaks the
// newline-delimited JSON protocol and dispatches queued work.
package pool

import (
	"encoding/json"

	jsoniter "github.com/json-iterator/go"

	"github.com/ferrant/ragmux/internal/core/domain"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	methodPing    = "ping"
	methodMetrics = "system/metrics"
	methodQuery   = "rag/query"
)

// wireRequest is one outgoing frame: {"method","params","id"}\n.
type wireRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
	ID     string      `json:"id"`
}

type wireError struct {
	Message string `json:"message"`
}

// wireReply is one incoming frame; exactly one of Result and Error is
// set by conforming servers.
type wireReply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *wireError      `json:"error"`
}

// queryParams mirrors the rag/query params object.
type queryParams struct {
	Query      string  `json:"query"`
	Context    string  `json:"context,omitempty"`
	MaxResults int     `json:"maxResults"`
	Threshold  float64 `json:"threshold"`
}

// queryResult mirrors the rag/query result object.
type queryResult struct {
	Results []domain.RAGResult `json:"results"`
	Source  string             `json:"source,omitempty"`
}

func encodeFrame(req wireRequest) ([]byte, error) {
	payload, err := wireJSON.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append(payload, '\n'), nil
}

func decodeFrame(line []byte) (wireReply, error) {
	var reply wireReply
	if err := wireJSON.Unmarshal(line, &reply); err != nil {
		return wireReply{}, err
	}
	return reply, nil
}
