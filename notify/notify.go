// Package notify delivers report status events to interested parties.
// Delivery is best effort: the pipeline never fails a validation because a
// notification could not be sent.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"regbackend/domain"
)

// Notifier receives report lifecycle events.
type Notifier interface {
	// NotifyStatus fires whenever a report reaches a new validation status.
	NotifyStatus(ctx context.Context, r *domain.Report) error
	// NotifyTimeout fires when the sweeper times a report out.
	NotifyTimeout(ctx context.Context, r *domain.Report) error
}

// LogNotifier writes events to the structured log. Used when no delivery
// channel is configured.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) NotifyStatus(ctx context.Context, r *domain.Report) error {
	slog.InfoContext(ctx, "report status changed",
		"report_id", r.ID,
		"entity_id", r.EntityID,
		"status", string(r.Status),
		"validation_id", r.UniqueValidationID)
	return nil
}

func (n *LogNotifier) NotifyTimeout(ctx context.Context, r *domain.Report) error {
	slog.WarnContext(ctx, "report validation timed out",
		"report_id", r.ID,
		"entity_id", r.EntityID,
		"validation_id", r.UniqueValidationID)
	return nil
}

// statusEvent is the wire form published to the notification stream.
type statusEvent struct {
	ReportID     string    `json:"reportId"`
	EntityID     int64     `json:"entityId"`
	UserID       string    `json:"userId"`
	Status       string    `json:"status"`
	ValidationID string    `json:"validationId,omitempty"`
	Error        string    `json:"error,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
	Timeout      bool      `json:"timeout,omitempty"`
}

// StreamNotifier publishes events onto a Redis stream so downstream
// consumers (mail, UI push) can pick them up.
type StreamNotifier struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewStreamNotifier(rdb *redis.Client, stream string) *StreamNotifier {
	return &StreamNotifier{rdb: rdb, stream: stream, maxLen: 100000}
}

func (n *StreamNotifier) NotifyStatus(ctx context.Context, r *domain.Report) error {
	return n.publish(ctx, r, false)
}

func (n *StreamNotifier) NotifyTimeout(ctx context.Context, r *domain.Report) error {
	return n.publish(ctx, r, true)
}

func (n *StreamNotifier) publish(ctx context.Context, r *domain.Report, timeout bool) error {
	ev := statusEvent{
		ReportID:     r.ID,
		EntityID:     r.EntityID,
		UserID:       r.UserID,
		Status:       string(r.Status),
		ValidationID: r.UniqueValidationID,
		Error:        r.ErrorDescription,
		OccurredAt:   time.Now().UTC(),
		Timeout:      timeout,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": b},
	}).Err()
}
