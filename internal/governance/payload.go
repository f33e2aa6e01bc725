package governance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Payload is a decoded JSON document addressed by dotted paths.
// Numbers are kept as json.Number so range checks keep full precision.
type Payload struct {
	root any
}

// DecodePayload parses raw JSON.
func DecodePayload(raw []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return Payload{root: v}, nil
}

// Root returns the decoded document.
func (p Payload) Root() any { return p.root }

// Lookup resolves a dotted path such as "customer.email" or "items.0.sku".
func (p Payload) Lookup(path string) (any, bool) {
	cur := p.root
	if path == "" {
		return cur, cur != nil
	}
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Present reports whether path holds a non-null, non-empty value.
func (p Payload) Present(path string) bool {
	v, ok := p.Lookup(path)
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// Text returns the value at path rendered as a string.
func (p Payload) Text(path string) (string, bool) {
	v, ok := p.Lookup(path)
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
