package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/logharbor/internal/bus"
	"github.com/wisbric/logharbor/internal/model"
	"github.com/wisbric/logharbor/internal/telemetry"
)

// LogStore is the narrow DocumentStore contract the consumer needs.
type LogStore interface {
	CreateLog(ctx context.Context, l *model.Log) error
}

// LogIndexer is the narrow SearchIndex contract the consumer needs.
type LogIndexer interface {
	IndexLog(ctx context.Context, l *model.Log) error
}

// Consumer is the ingestion worker described in spec §4.5: persists to the
// primary store, mirrors to the search index, and publishes an
// alarm-evaluation event, all keyed off a log ID derived from the bus
// message ID so redelivery from the at-least-once bus is idempotent (a
// message redelivered after a failed alarm-publish must produce the exact
// same log ID, not a new random one, or store.CreateLog's ON CONFLICT DO
// NOTHING guard never fires).
type Consumer struct {
	Store      LogStore
	Index      LogIndexer
	Bus        Publisher
	Logger     *slog.Logger
	AlarmTopic string
}

// logIDNamespace anchors the deterministic, version-5 log IDs derived from
// bus message IDs (RFC 4122 §4.3).
var logIDNamespace = uuid.MustParse("6f6d6a6e-6c6f-5967-8861-726233303030")

// Handle is a bus.Handler for TopicLogIngestion.
func (c *Consumer) Handle(ctx context.Context, messageID string, payload []byte) error {
	var p bus.IngestionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding ingestion payload: %w", err)
	}

	log, err := toLog(messageID, p)
	if err != nil {
		return fmt.Errorf("normalizing log: %w", err)
	}

	var storeErr, indexErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		storeErr = c.Store.CreateLog(ctx, log)
	}()
	go func() {
		defer wg.Done()
		indexErr = c.Index.IndexLog(ctx, log)
	}()
	wg.Wait()

	if storeErr != nil {
		return fmt.Errorf("persisting log: %w", storeErr)
	}
	if indexErr != nil {
		// The index is secondary (spec §4.5): log and degrade, don't fail
		// the store write or block alarm evaluation.
		telemetry.IndexWriteDegradedTotal.Inc()
		c.Logger.Warn("ingest consumer: index write failed", "log_id", log.ID, "error", indexErr)
	}

	alarmPayload, err := json.Marshal(bus.AlarmEvalPayload{LogID: log.ID, ProjectID: log.ProjectID})
	if err != nil {
		return fmt.Errorf("encoding alarm eval payload: %w", err)
	}
	if _, err := c.Bus.Publish(ctx, c.AlarmTopic, alarmPayload); err != nil {
		return fmt.Errorf("publishing alarm eval event: %w", err)
	}

	return nil
}

// toLog converts a bus payload into a persistable model.Log. The ID is
// derived deterministically from the stream message ID (spec §4.5's
// "freshly generated ID" still holds on first delivery — uuid.NewSHA1 is a
// pure function of its inputs, so it only ever "generates" the same ID
// again on redelivery of the same message) so CreateLog's idempotency guard
// fires on duplicate delivery instead of inserting a second row.
func toLog(messageID string, p bus.IngestionPayload) (*model.Log, error) {
	var frames []model.StackFrame
	if len(p.StackTrace) > 0 {
		if err := json.Unmarshal(p.StackTrace, &frames); err != nil {
			return nil, fmt.Errorf("decoding stack trace: %w", err)
		}
	}

	var details map[string]any
	var detailString *string
	if len(p.Details) > 0 && string(p.Details) != "null" {
		if err := json.Unmarshal(p.Details, &details); err != nil {
			return nil, fmt.Errorf("decoding details: %w", err)
		}
		if len(details) > 0 {
			s := string(p.Details)
			detailString = &s
		}
	}

	return &model.Log{
		ID:            uuid.NewSHA1(logIDNamespace, []byte(messageID)),
		ProjectID:     p.ProjectID,
		ProjectSlug:   p.ProjectSlug,
		Level:         p.Level,
		Environment:   p.Environment,
		Category:      p.Category,
		LogType:       p.LogType,
		Hostname:      p.Hostname,
		Message:       p.Message,
		StackTrace:    frames,
		RawStackTrace: rawStackTrace(frames),
		Details:       details,
		DetailString:  detailString,
		TimestampMS:   p.TimestampMS,
		CreatedAt:     time.Now(),
	}, nil
}
