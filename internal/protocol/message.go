// Package protocol defines the wire messages exchanged between the
// operator and worker nodes, and the newline-delimited chunk frames
// streamed back to requesters.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types for operator → worker communication over the SSE stream.
const (
	TypeConnected       = "connected"
	TypeHeartbeat       = "heartbeat"
	TypeJob             = "job"
	TypePaymentReceived = "payment_received"
)

// Message is the envelope for every event sent down a worker's SSE
// stream. Type doubles as the SSE "event:" field; Payload is the
// "data:" field.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode creates a Message with the given type and payload.
func Encode(msgType string, payload any) ([]byte, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := Message{Type: msgType, Payload: payloadBytes}
	return json.Marshal(msg)
}

// DecodePayload unmarshals a raw payload into the given type.
func DecodePayload[T any](payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("unmarshal payload: %w", err)
	}
	return v, nil
}

// Connected is sent immediately after a worker's stream is accepted.
type Connected struct {
	NodeID string `json:"node_id"`
}

// Heartbeat is sent every ~1s of stream idleness to keep the connection
// alive and to let the worker confirm liveness without polling.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// Job is the payload pushed to a worker when the Dispatcher assigns it
// an inference job.
type Job struct {
	JobID  string `json:"job_id"`
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// PaymentReceived is an informational callback to the worker once a
// requester confirms payment for a job it executed.
type PaymentReceived struct {
	JobID         string  `json:"job_id"`
	Amount        float64 `json:"amount"`
	TransactionID string  `json:"transaction_hash"`
}

// --- Registration ---

// Register is the body of POST /register.
type Register struct {
	NodeID        string   `json:"node_id"`
	URL           string   `json:"url"`
	Models        []string `json:"models"`
	PayoutAddress string   `json:"payout_address,omitempty"`
}

// RegisterResponse acknowledges a successful registration.
type RegisterResponse struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
}

// --- Chunk ingress (worker → operator) ---

// ChunkRequest is the body of POST /jobs/{id}/chunk.
type ChunkRequest struct {
	Chunk string `json:"chunk"`
}

// Chunk payload shapes. The relay never parses these in the hot path;
// it only scans accumulated chunks once a job reaches done-ingress to
// extract accounting fields (see ScanMetadata/ScanTerminal).

// MetadataChunk is the first line a worker posts for a job: who is
// running it and where it can be reached.
type MetadataChunk struct {
	Metadata bool   `json:"metadata"`
	NodeID   string `json:"node_id"`
	NodeURL  string `json:"node_url,omitempty"`
}

// TokenChunk is a single streamed token.
type TokenChunk struct {
	Token string `json:"token"`
	Done  bool   `json:"done"`
}

// TokenCounts is the accounting payload carried on the terminal chunk.
type TokenCounts struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// DoneChunk is the terminal success chunk.
type DoneChunk struct {
	Done        bool        `json:"done"`
	TokenCounts TokenCounts `json:"token_counts"`
}

// ErrorChunk is the terminal failure chunk, also used for the Relay's
// own synthesized timeout chunk.
type ErrorChunk struct {
	Error string `json:"error"`
	Done  bool   `json:"done"`
}

// rawChunk is used only to sniff which of the above shapes a line is.
type rawChunk struct {
	Metadata    *bool        `json:"metadata"`
	Done        *bool        `json:"done"`
	TokenCounts *TokenCounts `json:"token_counts"`
	Error       *string      `json:"error"`
	NodeID      string       `json:"node_id"`
}

// ScanMetadata reports whether line is a metadata chunk and, if so,
// its node_id.
func ScanMetadata(line []byte) (nodeID string, ok bool) {
	var r rawChunk
	if err := json.Unmarshal(line, &r); err != nil {
		return "", false
	}
	if r.Metadata != nil && *r.Metadata {
		return r.NodeID, true
	}
	return "", false
}

// ScanTerminal reports whether line is a terminal chunk (done or
// error), returning token counts when present and the error text when
// present.
func ScanTerminal(line []byte) (tc *TokenCounts, errText string, isTerminal bool) {
	var r rawChunk
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, "", false
	}
	if r.Error != nil {
		return nil, *r.Error, true
	}
	if r.Done != nil && *r.Done {
		return r.TokenCounts, "", true
	}
	return nil, "", false
}
