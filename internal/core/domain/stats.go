package domain

// FlowStats counts the transactions of one flow by outcome.
type FlowStats struct {
	FlowID     string `json:"flow_id"`
	Name       string `json:"name"`
	Active     int    `json:"active"`
	Completed  int    `json:"completed"`
	RolledBack int    `json:"rolled_back"`
}

// CategoryShare is the number of failing messages in one error category.
type CategoryShare struct {
	Category Category `json:"category"`
	Count    int      `json:"count"`
	Percent  float64  `json:"percent"`
}

// ErrorAnalytics breaks down current failures.
type ErrorAnalytics struct {
	Total        int             `json:"total"`
	Categories   []CategoryShare `json:"categories"`
	Retrying     int             `json:"retrying"`
	ManualReview int             `json:"manual_review"`
}

// ReviewItem is a message waiting for an operator, with the reason it
// was escalated.
type ReviewItem struct {
	Summary
	Reason    string   `json:"reason"`
	Triggered []string `json:"triggered,omitempty"`
}

// Stats is the dashboard overview.
type Stats struct {
	Messages       map[MessageState]int `json:"messages"`
	TotalMessages  int                  `json:"total_messages"`
	Errors         ErrorAnalytics       `json:"errors"`
	Flows          []FlowStats          `json:"flows"`
	ReviewQueue    []ReviewItem         `json:"review_queue"`
	RuleSetVersion int64                `json:"rule_set_version"`
}
