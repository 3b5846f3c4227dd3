// package model contains the canonical domain types shared across the
// rule engine, alerting, and aggregation subsystems.
package model

import (
	"encoding/json"
	"time"
)

// Severity is the ordered tri-state used for both edge severities and run
// status. Green < Amber < Red.
type Severity int

const (
	SeverityGreen Severity = iota + 1
	SeverityAmber
	SeverityRed
)

// ParseSeverity normalizes a severity string. Unknown or empty input maps to
// Amber, matching how loosely-configured edges are treated downstream.
func ParseSeverity(s string) Severity {
	switch s {
	case "green", "Green", "GREEN":
		return SeverityGreen
	case "red", "Red", "RED":
		return SeverityRed
	case "amber", "Amber", "AMBER":
		return SeverityAmber
	default:
		return SeverityAmber
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityGreen:
		return "green"
	case SeverityRed:
		return "red"
	default:
		return "amber"
	}
}

// Max returns the higher-ranked of the two severities.
func (s Severity) Max(other Severity) Severity {
	if other > s {
		return other
	}
	return s
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = ParseSeverity(raw)
	return nil
}

// NormalizedEvent is the shape of one message on the normalized-event stream.
// EventTime and CorrelationKey are guaranteed non-zero by the ingestion layer.
type NormalizedEvent struct {
	EventID        string                 `json:"eventId,omitempty"`
	SourceSystem   string                 `json:"sourceSystem,omitempty"`
	EventType      string                 `json:"eventType"`
	EventTime      time.Time              `json:"eventTime"`
	ReceivedAt     time.Time              `json:"receivedAt"`
	WorkflowKey    string                 `json:"workflowKey,omitempty"`
	WorkflowKeys   []string               `json:"workflowKeys,omitempty"`
	CorrelationKey string                 `json:"correlationKey"`
	Group          map[string]interface{} `json:"group,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
}

// RuleEvaluated is the outcome emitted for every applied event; the stage
// aggregator consumes it.
type RuleEvaluated struct {
	WorkflowVersionID int64                  `json:"workflowVersionId"`
	WorkflowRunID     int64                  `json:"workflowRunId"`
	Node              string                 `json:"node"`
	CorrelationKey    string                 `json:"correlationKey"`
	Status            Severity               `json:"status"`
	Late              bool                   `json:"late"`
	OrderViolation    bool                   `json:"orderViolation"`
	CompletedDelta    int                    `json:"completedDelta"`
	LateDelta         int                    `json:"lateDelta"`
	FailedDelta       int                    `json:"failedDelta"`
	InFlightDeltas    map[string]int         `json:"inFlightDeltas,omitempty"`
	Group             map[string]interface{} `json:"group,omitempty"`
	GroupHash         string                 `json:"groupHash"`
	EventTime         time.Time              `json:"eventTime"`
	ReceivedAt        time.Time              `json:"receivedAt"`
}

// Alert trigger reasons.
const (
	ReasonSLAMissed      = "SLA_MISSED"
	ReasonOrderViolation = "ORDER_VIOLATION"
	ReasonExpectedMissed = "EXPECTED_MISSED"
)

// AlertTrigger is the outcome emitted when an event is late, out of order, or
// an expectation fired without a matching arrival.
type AlertTrigger struct {
	WorkflowVersionID int64     `json:"workflowVersionId"`
	WorkflowRunID     int64     `json:"workflowRunId"`
	Node              string    `json:"node"`
	CorrelationKey    string    `json:"correlationKey"`
	Severity          Severity  `json:"severity"`
	Reason            string    `json:"reason"`
	DedupeKey         string    `json:"dedupeKey"`
	TriggeredAt       time.Time `json:"triggeredAt"`
}

// SyntheticMissed is synthesized by the expectation scheduler for each claimed
// overdue expectation and fed back into the engine.
type SyntheticMissed struct {
	ExpectationID int64     `json:"expectationId"`
	WorkflowRunID int64     `json:"workflowRunId"`
	FromNode      string    `json:"fromNode"`
	ToNode        string    `json:"toNode"`
	DueAt         time.Time `json:"dueAt"`
	Severity      string    `json:"severity"`
	DedupeKey     string    `json:"dedupeKey"`
}

// WorkflowRun is the stateful instance of a workflow version for one
// correlation key. The occurrence log is the audit trail; this row is the
// current-state cache.
type WorkflowRun struct {
	ID                int64                  `json:"id"`
	WorkflowVersionID int64                  `json:"workflowVersionId"`
	CorrelationKey    string                 `json:"correlationKey"`
	Status            Severity               `json:"status"`
	LastNodeKey       string                 `json:"lastNodeKey,omitempty"`
	Group             map[string]interface{} `json:"group,omitempty"`
	StartedAt         time.Time              `json:"startedAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// EventOccurrence is the append-only record of one normalized event applied to
// a run.
type EventOccurrence struct {
	ID             int64     `json:"id"`
	WorkflowRunID  int64     `json:"workflowRunId"`
	NodeKey        string    `json:"nodeKey"`
	EventID        string    `json:"eventId,omitempty"`
	EventTimeUTC   time.Time `json:"eventTimeUtc"`
	ReceivedAt     time.Time `json:"receivedAt"`
	IsLate         bool      `json:"isLate"`
	IsDuplicate    bool      `json:"isDuplicate"`
	OrderViolation bool      `json:"orderViolation"`
	PayloadExcerpt string    `json:"payloadExcerpt,omitempty"`
}

// Expectation lifecycle states.
const (
	ExpectationPending = "pending"
	ExpectationFired   = "fired"
	ExpectationCleared = "cleared"
)

// Expectation is a pending deadline for an event to arrive at a stage.
type Expectation struct {
	ID            int64     `json:"id"`
	WorkflowRunID int64     `json:"workflowRunId"`
	FromNodeKey   string    `json:"fromNodeKey"`
	ToNodeKey     string    `json:"toNodeKey"`
	DueAt         time.Time `json:"dueAt"`
	Severity      Severity  `json:"severity"`
	Status        string    `json:"status"`
	LockOwner     string    `json:"lockOwner,omitempty"`
}

// Alert lifecycle states.
const (
	AlertOpen       = "open"
	AlertAck        = "ack"
	AlertSuppressed = "suppressed"
	AlertResolved   = "resolved"
)

// Alert is the deduplicated alertable condition tracked by the alert manager.
type Alert struct {
	ID                int64      `json:"id"`
	CorrelationKey    string     `json:"correlationKey"`
	WorkflowVersionID int64      `json:"workflowVersionId"`
	NodeKey           string     `json:"nodeKey"`
	Severity          Severity   `json:"severity"`
	State             string     `json:"state"`
	DedupeKey         string     `json:"dedupeKey"`
	FirstTriggeredAt  time.Time  `json:"firstTriggeredAt"`
	LastTriggeredAt   time.Time  `json:"lastTriggeredAt"`
	AckedBy           string     `json:"ackedBy,omitempty"`
	AckedAt           *time.Time `json:"ackedAt,omitempty"`
	SuppressedUntil   *time.Time `json:"suppressedUntil,omitempty"`
}

// AuditLogEntry is the append-only record of an alert lifecycle operation.
type AuditLogEntry struct {
	ID         int64           `json:"id"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// StageAggregate is one minute-bucketed counter row per
// (version, group hash, node).
type StageAggregate struct {
	WorkflowVersionID int64     `json:"workflowVersionId"`
	GroupHash         string    `json:"groupHash"`
	NodeKey           string    `json:"nodeKey"`
	BucketStart       time.Time `json:"bucketStart"`
	InFlight          int       `json:"inFlight"`
	Completed         int       `json:"completed"`
	Late              int       `json:"late"`
	Failed            int       `json:"failed"`
}
