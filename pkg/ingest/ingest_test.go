package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/logharbor/internal/apierr"
	"github.com/wisbric/logharbor/internal/model"
	"github.com/wisbric/logharbor/pkg/quota"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeKeyCache is a no-op KeyCache standing in for Redis: every Get misses,
// Set is a no-op, matching the "miss, fall through to store" path.
type fakeKeyCache struct{}

func (fakeKeyCache) Get(context.Context, string) (*model.Project, *model.ApiKey, error) {
	return nil, nil, nil
}
func (fakeKeyCache) Set(context.Context, string, *model.Project, *model.ApiKey) error { return nil }

type fakeProjects struct {
	project *model.Project
	key     *model.ApiKey
	err     error
}

func (f *fakeProjects) FindProjectByAPIKeyHash(context.Context, string) (*model.Project, *model.ApiKey, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.project, f.key, nil
}

type fakeUsage struct {
	md   *model.UsageMetadata
	user *model.User
	err  error
}

func (f *fakeUsage) FindUsageMetadata(context.Context, uuid.UUID) (*model.UsageMetadata, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.md, nil
}

func (f *fakeUsage) FindUserByID(context.Context, uuid.UUID) (*model.User, error) {
	return f.user, nil
}

type fakeCounter struct {
	reservation quota.Reservation
	err         error
}

func (f *fakeCounter) CheckAndIncrement(context.Context, uuid.UUID, time.Time, int64, *int64) (quota.Reservation, error) {
	return f.reservation, f.err
}

type fakeNotifier struct{ calls int }

func (f *fakeNotifier) NotifyOnce(context.Context, uuid.UUID, string, string, *apierr.QuotaExceededError) {
	f.calls++
}

type fakePublisher struct {
	messageID string
	err       error
	published [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, _ string, payload []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.published = append(f.published, payload)
	return f.messageID, nil
}

func newController(project *model.Project, key *model.ApiKey, usage *model.UsageMetadata, reservation quota.Reservation, notifier *fakeNotifier, pub *fakePublisher) *Controller {
	return &Controller{
		Projects: &fakeProjects{project: project, key: key},
		Usage:    &fakeUsage{md: usage, user: &model.User{Email: "owner@example.com"}},
		Cache:    fakeKeyCache{},
		Counter:  &fakeCounter{reservation: reservation},
		Notifier: notifier,
		Bus:      pub,
		Logger:   discardLogger(),
		BusTopic: "log-ingestion",
	}
}

func validSubmissionBody(env string) string {
	return `{"level":"error","environment":"` + env + `","projectId":"proj-1","message":"boom","logType":"application"}`
}

func newSubmitRequest(body string, headers map[string]string, apiKey string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/logs", strings.NewReader(body))
	r.Header.Set("X-API-Key", apiKey)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func baseProject() *model.Project {
	return &model.Project{ID: uuid.New(), ProjectID: "proj-1", OwnerID: uuid.New()}
}

func baseUsage() *model.UsageMetadata {
	return &model.UsageMetadata{UserCreatedAt: time.Now().AddDate(-1, 0, 0)}
}

// Scenario 1 (spec §8): CIDR accept.
func TestHandleSubmit_CIDRAccept(t *testing.T) {
	project := baseProject()
	key := &model.ApiKey{ID: uuid.New(), Constraints: model.ApiKeyConstraints{AllowedIPs: []string{"192.168.1.0/24"}}}
	pub := &fakePublisher{messageID: "msg-1"}
	c := newController(project, key, baseUsage(), quota.Reservation{Allowed: true, Current: 1}, &fakeNotifier{}, pub)

	r := newSubmitRequest(validSubmissionBody("production"), map[string]string{"X-Forwarded-For": "192.168.1.150"}, "rawkey")
	w := httptest.NewRecorder()
	c.HandleSubmit(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", w.Code, w.Body.String())
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected exactly one message published, got %d", len(pub.published))
	}
}

// Scenario 2 (spec §8): CIDR reject.
func TestHandleSubmit_CIDRReject(t *testing.T) {
	project := baseProject()
	key := &model.ApiKey{ID: uuid.New(), Constraints: model.ApiKeyConstraints{AllowedIPs: []string{"192.168.1.0/24"}}}
	pub := &fakePublisher{messageID: "msg-1"}
	c := newController(project, key, baseUsage(), quota.Reservation{Allowed: true}, &fakeNotifier{}, pub)

	r := newSubmitRequest(validSubmissionBody("production"), map[string]string{"X-Forwarded-For": "192.168.2.1"}, "rawkey")
	w := httptest.NewRecorder()
	c.HandleSubmit(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body=%s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["constraint"] != "ipRestrictions" {
		t.Fatalf("constraint = %q, want ipRestrictions", resp["constraint"])
	}
	if len(pub.published) != 0 {
		t.Fatal("expected no message published on constraint denial")
	}
}

// Scenario 3 (spec §8): expired key.
func TestHandleSubmit_ExpiredKey(t *testing.T) {
	project := baseProject()
	past := time.Now().Add(-24 * time.Hour)
	key := &model.ApiKey{ID: uuid.New(), Constraints: model.ApiKeyConstraints{ExpirationDate: &past}}
	c := newController(project, key, baseUsage(), quota.Reservation{Allowed: true}, &fakeNotifier{}, &fakePublisher{})

	r := newSubmitRequest(validSubmissionBody("production"), nil, "rawkey")
	w := httptest.NewRecorder()
	c.HandleSubmit(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if !strings.Contains(w.Body.String(), "expirationDate") {
		t.Fatalf("body = %s, want constraint expirationDate", w.Body.String())
	}
}

// Scenario 4 (spec §8): environment checked before IP, first-fail ordering.
func TestHandleSubmit_EnvironmentFirstFailOrdering(t *testing.T) {
	project := baseProject()
	key := &model.ApiKey{ID: uuid.New(), Constraints: model.ApiKeyConstraints{
		AllowedEnvironments: []string{"production"},
		AllowedIPs:          []string{"10.0.0.0/8"},
	}}
	c := newController(project, key, baseUsage(), quota.Reservation{Allowed: true}, &fakeNotifier{}, &fakePublisher{})

	r := newSubmitRequest(validSubmissionBody("development"), map[string]string{"X-Forwarded-For": "10.1.2.3"}, "rawkey")
	w := httptest.NewRecorder()
	c.HandleSubmit(w, r)

	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "allowedEnvironments") {
		t.Fatalf("status=%d body=%s, want 403 allowedEnvironments", w.Code, w.Body.String())
	}
}

// Scenario 5 (spec §8): quota at limit triggers 429 with the window, no
// counter increment beyond what CheckAndIncrement itself reports, and P3
// holds (the controller never publishes on a denied reservation).
func TestHandleSubmit_QuotaExceeded(t *testing.T) {
	project := baseProject()
	key := &model.ApiKey{ID: uuid.New()}
	pub := &fakePublisher{messageID: "msg-1"}
	usage := baseUsage()
	limit := int64(10000)
	usage.LogLimit = &limit
	notifier := &fakeNotifier{}

	c := &Controller{
		Projects: &fakeProjects{project: project, key: key},
		Usage:    &fakeUsage{md: usage, user: &model.User{Email: "owner@example.com"}},
		Cache:    fakeKeyCache{},
		Counter:  &fakeCounter{reservation: quota.Reservation{Allowed: false, Current: 10000}},
		Notifier: notifier,
		Bus:      pub,
		Logger:   discardLogger(),
		BusTopic: "log-ingestion",
	}

	r := newSubmitRequest(validSubmissionBody("production"), nil, "rawkey")
	w := httptest.NewRecorder()
	c.HandleSubmit(w, r)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429, body=%s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["limit"].(float64) != 10000 || resp["current"].(float64) != 10000 {
		t.Fatalf("unexpected quota payload: %+v", resp)
	}
	if _, ok := resp["periodStart"]; !ok {
		t.Fatal("expected periodStart in 429 payload")
	}
	if len(pub.published) != 0 {
		t.Fatal("P3: a 429 must not publish a message")
	}
	if notifier.calls != 1 {
		t.Fatalf("expected exactly one notifier call, got %d", notifier.calls)
	}
}

// Scenario 6 (spec §8): unlimited plan always allows.
func TestHandleSubmit_UnlimitedPlan(t *testing.T) {
	project := baseProject()
	key := &model.ApiKey{ID: uuid.New()}
	pub := &fakePublisher{messageID: "msg-1"}
	c := newController(project, key, baseUsage(), quota.Reservation{Allowed: true}, &fakeNotifier{}, pub)

	r := newSubmitRequest(validSubmissionBody("production"), nil, "rawkey")
	w := httptest.NewRecorder()
	c.HandleSubmit(w, r)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
}

func TestHandleSubmit_MissingAPIKeyHeader(t *testing.T) {
	c := newController(baseProject(), &model.ApiKey{}, baseUsage(), quota.Reservation{Allowed: true}, &fakeNotifier{}, &fakePublisher{})

	r := httptest.NewRequest(http.MethodPost, "/api/v1/logs", strings.NewReader(validSubmissionBody("production")))
	w := httptest.NewRecorder()
	c.HandleSubmit(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleSubmit_UnknownAPIKey(t *testing.T) {
	c := &Controller{
		Projects: &fakeProjects{err: fmt404{}},
		Cache:    fakeKeyCache{},
		Logger:   discardLogger(),
	}

	r := newSubmitRequest(validSubmissionBody("production"), nil, "nosuchkey")
	w := httptest.NewRecorder()
	c.HandleSubmit(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHandleSubmit_ProjectIDMismatch(t *testing.T) {
	project := baseProject()
	project.ProjectID = "other-project"
	c := newController(project, &model.ApiKey{ID: uuid.New()}, baseUsage(), quota.Reservation{Allowed: true}, &fakeNotifier{}, &fakePublisher{})

	r := newSubmitRequest(validSubmissionBody("production"), nil, "rawkey")
	w := httptest.NewRecorder()
	c.HandleSubmit(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestHandleSubmit_CategoryDefaultsWhenOmitted(t *testing.T) {
	project := baseProject()
	pub := &fakePublisher{messageID: "msg-1"}
	c := newController(project, &model.ApiKey{ID: uuid.New()}, baseUsage(), quota.Reservation{Allowed: true}, &fakeNotifier{}, pub)

	r := newSubmitRequest(validSubmissionBody("production"), nil, "rawkey")
	w := httptest.NewRecorder()
	c.HandleSubmit(w, r)

	var resp acceptedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Category != "default" {
		t.Fatalf("category = %q, want default", resp.Category)
	}
}

type fmt404 struct{}

func (fmt404) Error() string { return "not found" }
