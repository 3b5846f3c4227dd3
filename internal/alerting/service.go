package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/sentinel-ops/platform/internal/model"
)

// Archiver uploads audit entries to external storage, best effort.
type Archiver interface {
	ArchiveEntry(ctx context.Context, entry model.AuditLogEntry) error
}

// Service implements trigger intake and the alert lifecycle.
type Service struct {
	store    Store
	archiver Archiver // optional
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// WithArchiver attaches an optional audit archiver.
func (s *Service) WithArchiver(a Archiver) *Service {
	s.archiver = a
	return s
}

// HandleAlertTriggered decodes one alert-trigger message and applies it.
// Undecodable payloads are dropped and logged; they are never retried.
func (s *Service) HandleAlertTriggered(ctx context.Context, payload []byte) error {
	var trigger model.AlertTrigger
	if err := json.Unmarshal(payload, &trigger); err != nil {
		log.Printf("[alerting] dropping undecodable trigger payload: %v", err)
		return nil
	}
	return s.Trigger(ctx, trigger)
}

// Trigger upserts an alert by dedupe key. A trigger on a resolved alert
// reopens it; triggers on ack'd or suppressed alerts refresh lastTriggeredAt
// and severity but leave the state untouched.
func (s *Service) Trigger(ctx context.Context, trigger model.AlertTrigger) error {
	dedupeKey := trigger.DedupeKey
	if dedupeKey == "" {
		dedupeKey = fmt.Sprintf("%d:%s:%s", trigger.WorkflowVersionID, trigger.Node, trigger.CorrelationKey)
	}
	triggeredAt := trigger.TriggeredAt
	if triggeredAt.IsZero() {
		triggeredAt = time.Now().UTC()
	}
	nodeKey := trigger.Node
	if nodeKey == "" {
		nodeKey = "unknown"
	}

	alert, err := s.store.FindByDedupeKey(ctx, dedupeKey)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("find alert by dedupe key: %w", err)
	}
	if err == ErrNotFound {
		alert = model.Alert{
			State:            model.AlertOpen,
			FirstTriggeredAt: triggeredAt,
		}
	}
	alert.CorrelationKey = trigger.CorrelationKey
	alert.WorkflowVersionID = trigger.WorkflowVersionID
	alert.NodeKey = nodeKey
	alert.Severity = trigger.Severity
	alert.DedupeKey = dedupeKey
	alert.LastTriggeredAt = triggeredAt
	if alert.FirstTriggeredAt.IsZero() {
		alert.FirstTriggeredAt = triggeredAt
	}
	if alert.State == "" || alert.State == model.AlertResolved {
		alert.State = model.AlertOpen
	}
	if _, err := s.store.Save(ctx, alert); err != nil {
		return fmt.Errorf("save alert: %w", err)
	}
	return nil
}

// Ack marks the alert acknowledged by the actor.
func (s *Service) Ack(ctx context.Context, id int64, actor, reason string) error {
	return s.updateState(ctx, id, model.AlertAck, actor, reason, nil)
}

// Suppress silences the alert until the given time.
func (s *Service) Suppress(ctx context.Context, id int64, actor, reason string, until *time.Time) error {
	return s.updateState(ctx, id, model.AlertSuppressed, actor, reason, until)
}

// Resolve closes the alert; a later trigger on the same dedupe key reopens it.
func (s *Service) Resolve(ctx context.Context, id int64, actor, reason string) error {
	return s.updateState(ctx, id, model.AlertResolved, actor, reason, nil)
}

func (s *Service) updateState(ctx context.Context, id int64, state, actor, reason string, until *time.Time) error {
	alert, err := s.store.FindByID(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	alert.State = state
	alert.AckedBy = actor
	alert.AckedAt = &now
	alert.SuppressedUntil = until
	if alert.LastTriggeredAt.IsZero() {
		alert.LastTriggeredAt = now
	}
	if _, err := s.store.Save(ctx, alert); err != nil {
		return fmt.Errorf("save alert state: %w", err)
	}

	entry, err := s.store.AppendAudit(ctx, model.AuditLogEntry{
		EntityType: "alert",
		EntityID:   strconv.FormatInt(id, 10),
		Action:     state,
		Actor:      actor,
		Details:    auditDetails(reason, until),
		CreatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	if s.archiver != nil {
		if err := s.archiver.ArchiveEntry(ctx, entry); err != nil {
			log.Printf("[alerting] audit archive failed entity=%s action=%s: %v", entry.EntityID, state, err)
		}
	}
	return nil
}

// List returns alerts ordered by lastTriggeredAt descending, optionally
// filtered by state.
func (s *Service) List(ctx context.Context, state string, limit int) ([]model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.List(ctx, state, limit)
}

// Get fetches one alert by id.
func (s *Service) Get(ctx context.Context, id int64) (model.Alert, error) {
	return s.store.FindByID(ctx, id)
}

func auditDetails(reason string, until *time.Time) json.RawMessage {
	details := map[string]interface{}{"reason": reason}
	if until != nil {
		details["until"] = until.UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return raw
}
