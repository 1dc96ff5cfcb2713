package rpcpool

import (
	"encoding/json"
	"time"
)

// Endpoint is one upstream JSON-RPC URL with a human-readable label.
type Endpoint struct {
	URL   string
	Label string
}

// EndpointsFromURLs pairs RPC URLs with their labels. Missing labels fall
// back to the URL itself.
func EndpointsFromURLs(urls []string, labels []string) []Endpoint {
	endpoints := make([]Endpoint, 0, len(urls))
	for i, url := range urls {
		label := url
		if i < len(labels) && labels[i] != "" {
			label = labels[i]
		}
		endpoints = append(endpoints, Endpoint{URL: url, Label: label})
	}

	return endpoints
}

// EndpointHealth is the per-endpoint failure bookkeeping. Health resets to
// zero failures on any successful HTTP-level response; a JSON-RPC-level
// error still counts as healthy since the endpoint answered.
type EndpointHealth struct {
	ConsecutiveFailures uint32
	BackoffUntil        time.Time
}

// Request is a standard JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a standard JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error member of a JSON-RPC response. It is a
// well-formed application error, not a transport fault, and is never retried.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return e.Message
}
