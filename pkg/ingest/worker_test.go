package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/wisbric/logharbor/internal/bus"
	"github.com/wisbric/logharbor/internal/model"
)

type fakeLogStore struct {
	mu   sync.Mutex
	logs map[uuid.UUID]*model.Log
}

func newFakeLogStore() *fakeLogStore {
	return &fakeLogStore{logs: map[uuid.UUID]*model.Log{}}
}

func (s *fakeLogStore) CreateLog(_ context.Context, l *model.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.logs[l.ID]; exists {
		return nil // ON CONFLICT DO NOTHING: a duplicate delivery is a no-op, not an error
	}
	s.logs[l.ID] = l
	return nil
}

func (s *fakeLogStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

type fakeLogIndexer struct{}

func (fakeLogIndexer) IndexLog(context.Context, *model.Log) error { return nil }

type fakeAlarmPublisher struct {
	failFirst bool
	calls     int
}

func (p *fakeAlarmPublisher) Publish(context.Context, string, []byte) (string, error) {
	p.calls++
	if p.failFirst && p.calls == 1 {
		return "", errors.New("alarm bus unavailable")
	}
	return "0-1", nil
}

func ingestionPayload() []byte {
	p := bus.IngestionPayload{
		ProjectID:   uuid.New(),
		ProjectSlug: "proj-1",
		Level:       "error",
		Environment: "production",
		Category:    "default",
		LogType:     "application",
		Message:     "boom",
		TimestampMS: 1000,
	}
	raw, _ := json.Marshal(p)
	return raw
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// A message redelivered by the at-least-once bus after a failed
// alarm-eval publish must persist exactly one log row, not two: the log ID
// is derived from the stable stream message ID, so CreateLog's idempotency
// guard fires on the second attempt.
func TestHandle_RedeliveryAfterAlarmPublishFailureIsIdempotent(t *testing.T) {
	store := newFakeLogStore()
	pub := &fakeAlarmPublisher{failFirst: true}
	c := &Consumer{
		Store:      store,
		Index:      fakeLogIndexer{},
		Bus:        pub,
		Logger:     discardLogger(),
		AlarmTopic: "log-alarm",
	}

	payload := ingestionPayload()
	const messageID = "1700000000000-0"

	if err := c.Handle(context.Background(), messageID, payload); err == nil {
		t.Fatal("expected the first delivery to fail (simulated alarm-publish outage)")
	}
	if store.count() != 1 {
		t.Fatalf("store has %d logs after first delivery, want 1", store.count())
	}

	// Redelivery: the bus hands the same stream message ID back.
	if err := c.Handle(context.Background(), messageID, payload); err != nil {
		t.Fatalf("unexpected error on redelivery: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("store has %d logs after redelivery, want 1 (idempotent)", store.count())
	}
}

func TestToLog_SameMessageIDProducesSameLogID(t *testing.T) {
	var p bus.IngestionPayload
	if err := json.Unmarshal(ingestionPayload(), &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l1, err := toLog("1700000000000-0", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l2, err := toLog("1700000000000-0", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if l1.ID != l2.ID {
		t.Fatalf("toLog produced different IDs for the same message ID: %s != %s", l1.ID, l2.ID)
	}
}

func TestToLog_DifferentMessageIDProducesDifferentLogID(t *testing.T) {
	var p bus.IngestionPayload
	if err := json.Unmarshal(ingestionPayload(), &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l1, err := toLog("1700000000000-0", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l2, err := toLog("1700000000001-0", p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if l1.ID == l2.ID {
		t.Fatal("expected distinct message IDs to produce distinct log IDs")
	}
}
