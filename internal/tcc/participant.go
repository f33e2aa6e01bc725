package tcc

import (
	"context"
	"encoding/json"
	"sync"
)

// Request is what a participant receives for each phase. Token is stable
// for the participant within a transaction, so repeated calls are idempotent.
type Request struct {
	TransactionID string          `json:"transaction_id"`
	Participant   string          `json:"participant"`
	Resource      string          `json:"resource"`
	Token         string          `json:"token"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// ParticipantClient drives one resource owner.
type ParticipantClient interface {
	Try(ctx context.Context, req Request) error
	Confirm(ctx context.Context, req Request) error
	Cancel(ctx context.Context, req Request) error
}

// Clients resolves participant clients. Names are scoped to a flow, so two
// flows may each have a participant called "payment" with its own owner.
type Clients interface {
	Client(flowID, name string) (ParticipantClient, bool)
}

type clientKey struct {
	flow string
	name string
}

// Directory is a Clients backed by a map.
type Directory struct {
	mu      sync.RWMutex
	clients map[clientKey]ParticipantClient
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{clients: make(map[clientKey]ParticipantClient)}
}

// Register adds or replaces the client for a participant of a flow.
func (d *Directory) Register(flowID, name string, c ParticipantClient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[clientKey{flowID, name}] = c
}

// Client returns the client registered for the participant of a flow.
func (d *Directory) Client(flowID, name string) (ParticipantClient, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.clients[clientKey{flowID, name}]
	return c, ok
}
