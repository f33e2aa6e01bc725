package governance

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"

	"github.com/vietddude/controltower/internal/core/domain"
)

// ErrInvalidRule is returned when a rule definition cannot be compiled.
var ErrInvalidRule = errors.New("invalid rule")

// Violation is a single failed check.
type Violation struct {
	Field   string
	Message string
}

type checkFunc func(ctx context.Context, in Input, p Payload) []Violation

// compiledRule is a rule with its check prepared once at load time.
type compiledRule struct {
	rule  domain.Rule
	check checkFunc
}

var validate = validator.New()

// tag names understood by the validator for plain string formats
var validatorFormats = map[string]string{
	"email": "email",
	"ipv4":  "ipv4",
	"ipv6":  "ipv6",
	"ip":    "ip",
	"uuid":  "uuid",
	"url":   "url",
}

func invalid(r domain.Rule, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidRule, r.ID, fmt.Sprintf(format, args...))
}

// compileRule validates r and builds its check.
func compileRule(r domain.Rule, reg *Registry) (*compiledRule, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("%w: rule without id", ErrInvalidRule)
	}
	switch r.Severity {
	case domain.SeverityCritical, domain.SeverityWarning, domain.SeverityInfo:
	default:
		return nil, invalid(r, "unknown severity %q", r.Severity)
	}

	var (
		check checkFunc
		err   error
	)
	switch r.Category {
	case domain.RuleSchema:
		check, err = schemaCheck(r)
	case domain.RuleFormat:
		check, err = formatCheck(r)
	case domain.RuleRange:
		check, err = rangeCheck(r)
	case domain.RuleCustom:
		check, err = customCheck(r, reg)
	default:
		err = invalid(r, "unknown category %q", r.Category)
	}
	if err != nil {
		return nil, err
	}
	return &compiledRule{rule: r, check: check}, nil
}

// applies reports whether the rule is active for the integration and payload.
func (c *compiledRule) applies(integrationID string, p Payload) bool {
	if !c.rule.Enabled {
		return false
	}
	if len(c.rule.AppliesTo) > 0 &&
		!slices.Contains(c.rule.AppliesTo, "*") &&
		!slices.Contains(c.rule.AppliesTo, integrationID) {
		return false
	}
	if c.rule.When != "" && !p.Present(c.rule.When) {
		return false
	}
	return true
}

func schemaCheck(r domain.Rule) (checkFunc, error) {
	if len(r.Fields) == 0 && r.Schema == "" {
		return nil, invalid(r, "schema rule needs fields or a schema document")
	}

	var schema *jsonschema.Schema
	if r.Schema != "" {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(r.Schema))
		if err != nil {
			return nil, invalid(r, "parse schema: %v", err)
		}
		c := jsonschema.NewCompiler()
		name := "rule-" + r.ID + ".json"
		if err := c.AddResource(name, doc); err != nil {
			return nil, invalid(r, "add schema: %v", err)
		}
		if schema, err = c.Compile(name); err != nil {
			return nil, invalid(r, "compile schema: %v", err)
		}
	}

	fields := slices.Clone(r.Fields)
	return func(_ context.Context, _ Input, p Payload) []Violation {
		var out []Violation
		for _, f := range fields {
			if !p.Present(f) {
				out = append(out, Violation{Field: f, Message: "Missing required field: " + f})
			}
		}
		if schema != nil {
			if err := schema.Validate(p.Root()); err != nil {
				out = append(out, schemaViolation(err))
			}
		}
		return out
	}, nil
}

func schemaViolation(err error) Violation {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return Violation{Message: "Schema violation: " + err.Error()}
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := slices.Clone(ve.InstanceLocation)
	if req, ok := ve.ErrorKind.(*kind.Required); ok && len(req.Missing) > 0 {
		field := strings.Join(append(loc, req.Missing[0]), ".")
		return Violation{Field: field, Message: "Missing required field: " + field}
	}
	field := strings.Join(loc, ".")
	msg := "Schema violation"
	if field != "" {
		msg += " at " + field
	}
	return Violation{Field: field, Message: msg}
}

func formatCheck(r domain.Rule) (checkFunc, error) {
	if r.Field == "" {
		return nil, invalid(r, "format rule needs a field")
	}

	var test func(string) bool
	switch f := strings.ToLower(r.Format); f {
	case "email", "ipv4", "ipv6", "ip", "uuid", "url":
		tag := validatorFormats[f]
		test = func(s string) bool { return validate.Var(s, tag) == nil }
	case "currency":
		allowed := slices.Clone(r.Allowed)
		test = func(s string) bool {
			unit, err := currency.ParseISO(s)
			if err != nil || unit.String() != s {
				return false
			}
			return len(allowed) == 0 || slices.Contains(allowed, unit.String())
		}
	case "regex":
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, invalid(r, "pattern: %v", err)
		}
		test = re.MatchString
	case "cidr":
		if len(r.Allowed) == 0 {
			return nil, invalid(r, "cidr rule needs allowed ranges")
		}
		prefixes := make([]netip.Prefix, 0, len(r.Allowed))
		for _, a := range r.Allowed {
			pfx, err := netip.ParsePrefix(a)
			if err != nil {
				return nil, invalid(r, "allowed range %q: %v", a, err)
			}
			prefixes = append(prefixes, pfx)
		}
		test = func(s string) bool {
			addr, err := netip.ParseAddr(s)
			if err != nil {
				return false
			}
			for _, pfx := range prefixes {
				if pfx.Contains(addr) {
					return true
				}
			}
			return false
		}
	case "enum":
		if len(r.Allowed) == 0 {
			return nil, invalid(r, "enum rule needs allowed values")
		}
		allowed := slices.Clone(r.Allowed)
		test = func(s string) bool { return slices.Contains(allowed, s) }
	default:
		return nil, invalid(r, "unknown format %q", r.Format)
	}

	field, format := r.Field, r.Format
	return func(_ context.Context, _ Input, p Payload) []Violation {
		s, ok := p.Text(field)
		if !ok {
			return nil
		}
		if !test(s) {
			return []Violation{{Field: field, Message: fmt.Sprintf("Invalid %s format: %q", format, s)}}
		}
		return nil
	}, nil
}

func rangeCheck(r domain.Rule) (checkFunc, error) {
	if r.Field == "" {
		return nil, invalid(r, "range rule needs a field")
	}
	if r.Min == "" && r.Max == "" {
		return nil, invalid(r, "range rule needs min or max")
	}

	var lo, hi *decimal.Decimal
	if r.Min != "" {
		d, err := decimal.NewFromString(r.Min)
		if err != nil {
			return nil, invalid(r, "min: %v", err)
		}
		lo = &d
	}
	if r.Max != "" {
		d, err := decimal.NewFromString(r.Max)
		if err != nil {
			return nil, invalid(r, "max: %v", err)
		}
		hi = &d
	}
	if lo != nil && hi != nil && lo.GreaterThan(*hi) {
		return nil, invalid(r, "min %s is greater than max %s", lo, hi)
	}

	field := r.Field
	return func(_ context.Context, _ Input, p Payload) []Violation {
		s, ok := p.Text(field)
		if !ok {
			return nil
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return []Violation{{Field: field, Message: fmt.Sprintf("Value %q is not a number", s)}}
		}
		if lo != nil && v.LessThan(*lo) {
			return []Violation{{Field: field, Message: fmt.Sprintf("Value %s is below minimum %s", v, lo)}}
		}
		if hi != nil && v.GreaterThan(*hi) {
			return []Violation{{Field: field, Message: fmt.Sprintf("Value %s is above maximum %s", v, hi)}}
		}
		return nil
	}, nil
}

func customCheck(r domain.Rule, reg *Registry) (checkFunc, error) {
	if reg == nil {
		return nil, invalid(r, "no custom checks registered")
	}
	fn, ok := reg.Get(r.Check)
	if !ok {
		return nil, invalid(r, "unknown custom check %q", r.Check)
	}
	rule := r
	return func(ctx context.Context, in Input, p Payload) []Violation {
		return fn(ctx, in, p, rule)
	}, nil
}
