// Package archive persists audit events to a relational database so the
// trail can be queried beyond the in-memory window. It plugs into the trail
// as a sink and adds indexed filtering, pagination, and retention purges.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/stinger-ai/stinger/pkg/audit"
)

// Entry is one archived audit event. The filterable fields are broken out
// into indexed columns; Payload keeps the complete event so nothing recorded
// is lost to the schema.
type Entry struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	EventType      string `gorm:"type:varchar(50);index;not null" json:"event_type"`
	Sequence       uint64 `gorm:"index" json:"sequence"`
	ConversationID string `gorm:"index" json:"conversation_id,omitempty"`
	UserID         string `gorm:"index" json:"user_id,omitempty"`
	RequestID      string `gorm:"index" json:"request_id,omitempty"`

	GuardrailName string `json:"guardrail_name,omitempty"`
	GuardrailKind string `json:"guardrail_kind,omitempty"`
	Decision      string `gorm:"type:varchar(20)" json:"decision,omitempty"`
	Reason        string `json:"reason,omitempty"`

	Payload   datatypes.JSON `json:"payload,omitempty"`
	Timestamp time.Time      `gorm:"index;not null" json:"timestamp"`
}

func (Entry) TableName() string {
	return "audit_entries"
}

func (e *Entry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return nil
}

// Event reconstructs the original audit event from the stored payload.
func (e Entry) Event() (audit.Event, error) {
	var ev audit.Event
	if err := json.Unmarshal(e.Payload, &ev); err != nil {
		return audit.Event{}, fmt.Errorf("decoding archived event %s: %w", e.ID, err)
	}
	return ev, nil
}

func fromEvent(e audit.Event) (Entry, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("encoding event for archive: %w", err)
	}
	return Entry{
		EventType:      string(e.Type),
		Sequence:       e.Sequence,
		ConversationID: e.ConversationID,
		UserID:         e.UserID,
		RequestID:      e.RequestID,
		GuardrailName:  e.GuardrailName,
		GuardrailKind:  e.GuardrailKind,
		Decision:       e.Decision,
		Reason:         e.Reason,
		Payload:        payload,
		Timestamp:      e.Timestamp,
	}, nil
}

// Archive writes audit batches into the audit_entries table and answers
// filtered queries over it.
type Archive struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ audit.Sink = (*Archive)(nil)

// New migrates the audit schema and returns an archive bound to db.
func New(db *gorm.DB, logger *zap.Logger) (*Archive, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrating audit schema: %w", err)
	}
	return &Archive{db: db, logger: logger.Named("audit.archive")}, nil
}

// Write stores one batch. Called from the trail's writer goroutine.
func (a *Archive) Write(events []audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	entries := make([]Entry, 0, len(events))
	for _, e := range events {
		entry, err := fromEvent(e)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	if err := a.db.CreateInBatches(entries, 100).Error; err != nil {
		return fmt.Errorf("archiving %d audit events: %w", len(entries), err)
	}
	return nil
}

// Flush is a no-op; every Write is already durable.
func (a *Archive) Flush() error { return nil }

// Close is a no-op; the database handle is owned by the caller.
func (a *Archive) Close() error { return nil }

// QueryFilter narrows an archive query. Zero-valued fields match everything.
type QueryFilter struct {
	ConversationID string
	UserID         string
	RequestID      string
	Types          []audit.EventType
	Decision       string
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

// Query returns matching entries newest first, with the total match count
// for pagination.
func (a *Archive) Query(ctx context.Context, f QueryFilter) ([]Entry, int64, error) {
	query := a.db.WithContext(ctx).Model(&Entry{})

	if f.ConversationID != "" {
		query = query.Where("conversation_id = ?", f.ConversationID)
	}
	if f.UserID != "" {
		query = query.Where("user_id = ?", f.UserID)
	}
	if f.RequestID != "" {
		query = query.Where("request_id = ?", f.RequestID)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		query = query.Where("event_type IN ?", types)
	}
	if f.Decision != "" {
		query = query.Where("decision = ?", f.Decision)
	}
	if !f.Since.IsZero() {
		query = query.Where("timestamp >= ?", f.Since)
	}
	if !f.Until.IsZero() {
		query = query.Where("timestamp <= ?", f.Until)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting audit entries: %w", err)
	}

	query = query.Order("timestamp DESC, sequence DESC")
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}

	var entries []Entry
	if err := query.Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("querying audit entries: %w", err)
	}
	return entries, total, nil
}

// Purge hard-deletes entries older than the cutoff and returns how many
// went. Retention is the only path that removes audit data.
func (a *Archive) Purge(ctx context.Context, before time.Time) (int64, error) {
	res := a.db.WithContext(ctx).Where("timestamp < ?", before).Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging audit entries: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		a.logger.Info("Purged archived audit entries",
			zap.Int64("count", res.RowsAffected),
			zap.Time("before", before))
	}
	return res.RowsAffected, nil
}
