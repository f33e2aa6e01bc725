package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vietddude/controltower/internal/tcc"
)

// HTTPParticipant drives a TCC participant that exposes
// POST {endpoint}/try, /confirm and /cancel.
type HTTPParticipant struct {
	client   *Client
	endpoint string
}

// NewHTTPParticipant creates a participant client for endpoint.
func NewHTTPParticipant(client *Client, endpoint string) *HTTPParticipant {
	return &HTTPParticipant{client: client, endpoint: strings.TrimRight(endpoint, "/")}
}

func (p *HTTPParticipant) call(ctx context.Context, op string, req tcc.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}
	_, _, err = p.client.Post(ctx, p.endpoint, p.endpoint+"/"+op, map[string]string{
		"Idempotency-Key": req.Token + ":" + op,
	}, body)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, req.Participant, err)
	}
	return nil
}

func (p *HTTPParticipant) Try(ctx context.Context, req tcc.Request) error {
	return p.call(ctx, "try", req)
}

func (p *HTTPParticipant) Confirm(ctx context.Context, req tcc.Request) error {
	return p.call(ctx, "confirm", req)
}

func (p *HTTPParticipant) Cancel(ctx context.Context, req tcc.Request) error {
	return p.call(ctx, "cancel", req)
}
