package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/vietddude/controltower/internal/delivery/machine"
)

// HTTPTransport delivers mapped payloads to integration endpoints.
// A 202 Accepted response leaves the message waiting for a callback.
type HTTPTransport struct {
	client *Client
}

// NewHTTPTransport creates a transport on client.
func NewHTTPTransport(client *Client) *HTTPTransport {
	return &HTTPTransport{client: client}
}

// Send posts the payload with the message's idempotency token.
func (t *HTTPTransport) Send(ctx context.Context, req machine.SendRequest) (machine.Response, error) {
	endpoint := req.Integration.Endpoint
	if endpoint == "" {
		return machine.Response{}, fmt.Errorf("integration %s has no endpoint", req.Integration.ID)
	}

	status, body, err := t.client.Post(ctx, endpoint, endpoint, map[string]string{
		"Idempotency-Key": req.Token,
		"X-Trace-Id":      req.TraceID,
		"X-Attempt":       strconv.Itoa(req.Attempt),
	}, req.Payload)
	if err != nil {
		return machine.Response{}, err
	}

	resp := machine.Response{Pending: status == http.StatusAccepted}
	if len(body) > 0 && json.Valid(body) {
		resp.Body = json.RawMessage(body)
	}
	return resp, nil
}
