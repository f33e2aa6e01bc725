package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/vietddude/controltower/internal/core/domain"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) StatusCode() int { return int(s) }

type fieldErr struct{ field string }

func (f fieldErr) Error() string     { return "missing required field: " + f.field }
func (f fieldErr) FieldName() string { return f.field }

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		stage        Stage
		err          error
		category     domain.Category
		code         string
		unclassified bool
	}{
		{"deadline", StageSend, context.DeadlineExceeded, domain.CategoryConnection, "TIMEOUT", false},
		{"wrapped deadline", StageSend, fmt.Errorf("send: %w", context.DeadlineExceeded), domain.CategoryConnection, "TIMEOUT", false},
		{"dns", StageSend, &net.DNSError{Err: "no such host", Name: "sap.local"}, domain.CategoryConnection, "DNS", false},
		{"op error", StageSend, &net.OpError{Op: "dial", Err: errors.New("refused")}, domain.CategoryConnection, "CONNECTION", false},
		{"tls text", StageSend, errors.New("SSL handshake error"), domain.CategoryConnection, "TLS", false},
		{"http 503", StageSend, statusErr(503), domain.CategoryTarget, "HTTP_503", false},
		{"http 429", StageSend, statusErr(429), domain.CategoryTarget, "RATE_LIMITED", false},
		{"http 422", StageSend, statusErr(422), domain.CategoryValidation, "HTTP_422", false},
		{"rate limit text", StageSend, errors.New("Rate limit exceeded"), domain.CategoryTarget, "RATE_LIMITED", false},
		{"service unavailable", StageSend, errors.New("SAP service unavailable"), domain.CategoryTarget, "TARGET_UNAVAILABLE", false},
		{"validation sentinel", StageValidate, fmt.Errorf("rule-1: %w", ErrValidation), domain.CategoryValidation, "VALIDATION_ERROR", false},
		{"missing field", StageValidate, errors.New("Missing required field: customer_email"), domain.CategoryValidation, "VALIDATION_ERROR", false},
		{"conversion in mapping", StageMap, errors.New("Type conversion failed: string to number"), domain.CategoryMapping, "MAPPING_ERROR", false},
		{"conversion outside mapping", StageSend, errors.New("Type conversion failed"), domain.CategoryTarget, "UNCLASSIFIED", true},
		{"mapping sentinel", StageMap, fmt.Errorf("mapper: %w", ErrMapping), domain.CategoryMapping, "MAPPING_ERROR", false},
		{"unknown", StageSend, errors.New("something odd"), domain.CategoryTarget, "UNCLASSIFIED", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Classify(tt.stage, tt.err)
			if r.Category != tt.category {
				t.Errorf("category = %s, want %s", r.Category, tt.category)
			}
			if r.Code != tt.code {
				t.Errorf("code = %s, want %s", r.Code, tt.code)
			}
			if r.Unclassified != tt.unclassified {
				t.Errorf("unclassified = %v, want %v", r.Unclassified, tt.unclassified)
			}
		})
	}
}

func TestResult_DetailCarriesField(t *testing.T) {
	err := fmt.Errorf("validate: %w", fieldErr{field: "customer_email"})
	d := Classify(StageValidate, err).Detail(err)
	if d.Field != "customer_email" {
		t.Errorf("expected field customer_email, got %q", d.Field)
	}
	if d.Category != domain.CategoryValidation {
		t.Errorf("expected validation category, got %s", d.Category)
	}
	if d.Message == "" {
		t.Error("expected message text")
	}
}
