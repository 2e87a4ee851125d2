// Package pushchan routes newly-submitted jobs directly to a
// currently-connected worker without polling latency.
package pushchan

import "sync"

// MessageType discriminates the two kinds of messages a worker's push
// channel carries.
type MessageType string

const (
	TypeJobPush       MessageType = "job_push"
	TypePaymentNotice MessageType = "payment_notice"
)

// Message is pushed down a worker's channel. Exactly one of Job or
// Payment is set, selected by Type.
type Message struct {
	Type    MessageType
	Job     *JobPush
	Payment *PaymentNotice
}

// JobPush tells a worker to begin executing a job.
type JobPush struct {
	JobID  string
	Model  string
	Prompt string
}

// PaymentNotice informs a worker that a job's payment was confirmed.
type PaymentNotice struct {
	JobID         string
	Amount        float64
	TransactionID string
}

// channelCapacity bounds each worker's push channel. A slow or wedged
// worker can't grow this without limit; once full the Dispatcher falls
// back to the Queue path rather than blocking.
const channelCapacity = 16

// Channels holds one bounded push channel per currently-streaming
// worker, keyed by node_id. Kept separate from the node registry so a
// worker's registration (models, URL) and its live connection (whether
// it's currently able to receive a push) can change independently.
type Channels struct {
	mu       sync.Mutex
	channels map[string]chan Message
}

// New creates an empty Channels.
func New() *Channels {
	return &Channels{channels: make(map[string]chan Message)}
}

// Open allocates a push channel for nodeID, replacing any existing one.
// Called when a worker opens a streaming connection.
func (c *Channels) Open(nodeID string) <-chan Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.channels[nodeID]; ok {
		close(old)
	}
	ch := make(chan Message, channelCapacity)
	c.channels[nodeID] = ch
	return ch
}

// Close removes nodeID's push channel. Called when its streaming
// connection closes.
func (c *Channels) Close(nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.channels[nodeID]; ok {
		close(ch)
		delete(c.channels, nodeID)
	}
}

// TryPush attempts to deliver msg to nodeID's channel without blocking.
// Returns false if the node has no open channel or its channel is
// full — the caller (the Dispatcher) should fall back to the Queue.
func (c *Channels) TryPush(nodeID string, msg Message) bool {
	c.mu.Lock()
	ch, ok := c.channels[nodeID]
	c.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

// IsOpen returns true if nodeID currently has a live push channel.
func (c *Channels) IsOpen(nodeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[nodeID]
	return ok
}
