package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vietddude/controltower/internal/core/domain"
	"github.com/vietddude/controltower/internal/delivery/classify"
)

// HTTPMapper calls an external mapping service at {baseURL}/map/{integrationID}.
// The service answers with the target payload.
type HTTPMapper struct {
	client  *Client
	baseURL string
}

// NewHTTPMapper creates a mapper for the service at baseURL.
func NewHTTPMapper(client *Client, baseURL string) *HTTPMapper {
	return &HTTPMapper{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

type mapRequest struct {
	Integration string          `json:"integration"`
	Source      string          `json:"source"`
	Target      string          `json:"target"`
	Payload     json.RawMessage `json:"payload"`
}

// Map transforms payload for integration in. Rejections by the mapper are
// returned as mapping failures; everything else keeps its transport error.
func (m *HTTPMapper) Map(ctx context.Context, in domain.Integration, payload json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(mapRequest{
		Integration: in.ID,
		Source:      in.Source,
		Target:      in.Target,
		Payload:     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal map request: %w", err)
	}

	endpoint := m.baseURL + "/map/" + url.PathEscape(in.ID)
	_, out, err := m.client.Post(ctx, m.baseURL, endpoint, nil, body)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusBadRequest || se.Code == http.StatusUnprocessableEntity) {
			return nil, fmt.Errorf("%w: %s", classify.ErrMapping, se.Body)
		}
		return nil, err
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("%w: mapper returned invalid JSON", classify.ErrMapping)
	}
	return json.RawMessage(out), nil
}
