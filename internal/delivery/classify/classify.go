package classify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/vietddude/controltower/internal/core/domain"
)

// Stage is the pipeline step where a failure was observed.
type Stage string

const (
	StageValidate    Stage = "validate"
	StageMap         Stage = "map"
	StageSend        Stage = "send"
	StageParticipant Stage = "participant"
)

var (
	// ErrValidation marks payload or rule failures.
	ErrValidation = errors.New("validation failed")

	// ErrMapping marks failures raised by the mapper itself.
	ErrMapping = errors.New("mapping failed")
)

// StatusCoder is implemented by errors that carry a remote status code.
type StatusCoder interface {
	StatusCode() int
}

// Result is the classification of a single failure.
type Result struct {
	Category     domain.Category
	Code         string
	Unclassified bool
}

// Detail converts the result into an error detail for err.
func (r Result) Detail(err error) *domain.ErrorDetail {
	d := &domain.ErrorDetail{
		Category:     r.Category,
		Code:         r.Code,
		Unclassified: r.Unclassified,
	}
	if err != nil {
		d.Message = err.Error()
	}
	var fe interface{ FieldName() string }
	if errors.As(err, &fe) {
		d.Field = fe.FieldName()
	}
	return d
}

// signature maps message fragments to a category.
// Stage restricts the rule to failures seen in one step; empty means any.
type signature struct {
	fragments []string
	category  domain.Category
	code      string
	stage     Stage
}

// signatures is evaluated in order, first match wins.
var signatures = []signature{
	{[]string{"timeout", "timed out", "deadline exceeded"}, domain.CategoryConnection, "TIMEOUT", ""},
	{[]string{"no such host", "dns"}, domain.CategoryConnection, "DNS", ""},
	{[]string{"tls", "x509", "ssl", "handshake"}, domain.CategoryConnection, "TLS", ""},
	{
		[]string{"connection refused", "connection reset", "broken pipe", "network is unreachable", "eof"},
		domain.CategoryConnection, "CONNECTION", "",
	},
	{
		[]string{"type conversion", "cannot convert", "cannot unmarshal", "null pointer", "nil pointer"},
		domain.CategoryMapping, "MAPPING_ERROR", StageMap,
	},
	{
		[]string{"missing required field", "required field", "schema", "invalid format", "out of range"},
		domain.CategoryValidation, "VALIDATION_ERROR", "",
	},
	{[]string{"429", "rate limit", "too many requests", "quota"}, domain.CategoryTarget, "RATE_LIMITED", ""},
	{[]string{"circuit breaker", "open state"}, domain.CategoryTarget, "CIRCUIT_OPEN", ""},
	{
		[]string{"service unavailable", "internal server error", "bad gateway", "http 5"},
		domain.CategoryTarget, "TARGET_UNAVAILABLE", "",
	},
}

// Classify maps a raw failure into a category. Typed errors are checked
// before message signatures. Unknown failures default to target and are
// flagged as unclassified.
func Classify(stage Stage, err error) Result {
	if err == nil {
		return Result{}
	}

	switch {
	case errors.Is(err, ErrValidation):
		return Result{Category: domain.CategoryValidation, Code: "VALIDATION_ERROR"}
	case errors.Is(err, ErrMapping):
		return Result{Category: domain.CategoryMapping, Code: "MAPPING_ERROR"}
	case errors.Is(err, context.DeadlineExceeded):
		return Result{Category: domain.CategoryConnection, Code: "TIMEOUT"}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Result{Category: domain.CategoryConnection, Code: "DNS"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Result{Category: domain.CategoryConnection, Code: "TIMEOUT"}
	}
	if isTLS(err) {
		return Result{Category: domain.CategoryConnection, Code: "TLS"}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Result{Category: domain.CategoryConnection, Code: "CONNECTION"}
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if r, ok := fromStatus(sc.StatusCode()); ok {
			return r
		}
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range signatures {
		if sig.stage != "" && sig.stage != stage {
			continue
		}
		for _, f := range sig.fragments {
			if strings.Contains(msg, f) {
				return Result{Category: sig.category, Code: sig.code}
			}
		}
	}

	return Result{Category: domain.CategoryTarget, Code: "UNCLASSIFIED", Unclassified: true}
}

func fromStatus(code int) (Result, bool) {
	switch {
	case code == 408:
		return Result{Category: domain.CategoryConnection, Code: "TIMEOUT"}, true
	case code == 429:
		return Result{Category: domain.CategoryTarget, Code: "RATE_LIMITED"}, true
	case code >= 500:
		return Result{Category: domain.CategoryTarget, Code: fmt.Sprintf("HTTP_%d", code)}, true
	case code == 400 || code == 422:
		return Result{Category: domain.CategoryValidation, Code: fmt.Sprintf("HTTP_%d", code)}, true
	}
	return Result{}, false
}

func isTLS(err error) bool {
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return true
	}
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &verifyErr) {
		return true
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return true
	}
	var hostErr x509.HostnameError
	return errors.As(err, &hostErr)
}
