package domain

// Integration describes a configured source-to-target message route.
type Integration struct {
	ID       string `yaml:"id"       json:"id"`
	Name     string `yaml:"name"     json:"name"`
	Source   string `yaml:"source"   json:"source"`
	Target   string `yaml:"target"   json:"target"`
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
	// MaxRetries is nil when unset; zero disables automatic retries.
	MaxRetries *int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	// MultiResource integrations deliver through a TCC flow instead of the transport.
	MultiResource bool   `yaml:"multi_resource" json:"multi_resource"`
	FlowID        string `yaml:"flow"           json:"flow,omitempty"`
	Paused        bool   `yaml:"paused"         json:"paused"`
}

// RetryLimit returns the configured max_retries, or def when unset.
func (i Integration) RetryLimit(def int) int {
	if i.MaxRetries == nil {
		return def
	}
	return *i.MaxRetries
}

// Retries returns n as a max_retries value.
func Retries(n int) *int { return &n }

// ParticipantSpec configures one participant of a flow.
type ParticipantSpec struct {
	Name     string `yaml:"name"     json:"name"`
	Resource string `yaml:"resource" json:"resource"`
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
}

// Flow is a reusable TCC transaction template.
type Flow struct {
	ID           string            `yaml:"id"           json:"id"`
	Name         string            `yaml:"name"         json:"name"`
	Description  string            `yaml:"description"  json:"description,omitempty"`
	Participants []ParticipantSpec `yaml:"participants" json:"participants"`
}
