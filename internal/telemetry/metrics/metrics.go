package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesReceived tracks submitted messages per integration
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controltower_messages_received_total",
			Help: "Total number of messages submitted",
		},
		[]string{"integration"},
	)

	// MessageTransitions tracks applied message state transitions
	MessageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controltower_message_transitions_total",
			Help: "Total number of message state transitions",
		},
		[]string{"integration", "to"},
	)

	// MessageFailures tracks classified failures
	MessageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controltower_message_failures_total",
			Help: "Total number of message failures by category",
		},
		[]string{"integration", "category", "code"},
	)

	// MessageRetries tracks retry attempts
	MessageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controltower_message_retries_total",
			Help: "Total number of message retries",
		},
		[]string{"integration"},
	)

	// DuplicateSubmits tracks re-deliveries absorbed by the dedup window
	DuplicateSubmits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "controltower_duplicate_submits_total",
			Help: "Total number of re-delivered trace IDs",
		},
	)

	// DeliveryLatency tracks submit-to-outcome latency
	DeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controltower_delivery_latency_seconds",
			Help:    "Time from submit to terminal or review state",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"integration", "outcome"},
	)

	// TransportLatency tracks calls to target systems
	TransportLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controltower_transport_latency_seconds",
			Help:    "Target call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "result"},
	)

	// TransactionsTotal tracks TCC transactions by outcome
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controltower_tcc_transactions_total",
			Help: "Total number of TCC transactions by final phase",
		},
		[]string{"flow", "phase"},
	)

	// TransactionsActive tracks in-flight TCC transactions
	TransactionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "controltower_tcc_transactions_active",
			Help: "Number of TCC transactions in flight",
		},
		[]string{"flow"},
	)

	// ParticipantCalls tracks participant Try/Confirm/Cancel calls
	ParticipantCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controltower_tcc_participant_calls_total",
			Help: "Total number of participant calls",
		},
		[]string{"participant", "op", "result"},
	)

	// CoordinationInconsistencies tracks transactions that did not converge
	CoordinationInconsistencies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controltower_tcc_inconsistencies_total",
			Help: "Total number of Confirm or Cancel phases that did not converge",
		},
		[]string{"flow", "phase"},
	)

	// RuleTriggers tracks governance rule hits
	RuleTriggers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controltower_rule_triggers_total",
			Help: "Total number of governance rule triggers",
		},
		[]string{"rule", "severity"},
	)

	// RuleSetVersion is the active governance rule set version
	RuleSetVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "controltower_ruleset_version",
			Help: "Version of the active governance rule set",
		},
	)

	// EventsDropped tracks events not delivered to slow subscribers
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "controltower_events_dropped_total",
			Help: "Total number of events dropped for slow subscribers",
		},
	)

	// MessagesArchived tracks terminal messages handed to the archive sink
	MessagesArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "controltower_messages_archived_total",
			Help: "Total number of messages archived",
		},
	)

	// DBConnectionPoolUsage tracks the usage ratio of the database connection pool
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "controltower_db_connection_pool_usage",
			Help: "Database connection pool usage (0-1)",
		},
	)
)
