package domain

// Category is the closed set of failure classes used for retry and reporting.
type Category string

const (
	CategoryConnection Category = "connection"
	CategoryValidation Category = "validation"
	CategoryTarget     Category = "target"
	CategoryMapping    Category = "mapping"
)

// AllCategories lists every failure category.
var AllCategories = []Category{CategoryConnection, CategoryValidation, CategoryTarget, CategoryMapping}

// ErrorDetail is the failure attached to a message or transaction.
type ErrorDetail struct {
	Category     Category `json:"category"`
	Code         string   `json:"code,omitempty"`
	Message      string   `json:"message"`
	Field        string   `json:"field,omitempty"`
	Unclassified bool     `json:"unclassified,omitempty"`
	// Inconsistent marks a coordination failure that needs an operator.
	Inconsistent bool `json:"inconsistent,omitempty"`
}

func (e *ErrorDetail) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
