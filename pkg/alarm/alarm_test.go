package alarm

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wisbric/logharbor/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMatches_AllFieldsEqual(t *testing.T) {
	a := model.ProjectAlarm{
		LogType:     "application",
		Environment: "production",
		Levels:      []string{"error", "fatal"},
	}
	l := &model.Log{LogType: "application", Environment: "production", Level: "error"}

	if !matches(a, l) {
		t.Fatal("expected match")
	}
}

func TestMatches_LogTypeMismatch(t *testing.T) {
	a := model.ProjectAlarm{LogType: "system", Environment: "production", Levels: []string{"error"}}
	l := &model.Log{LogType: "application", Environment: "production", Level: "error"}

	if matches(a, l) {
		t.Fatal("expected no match on logType mismatch")
	}
}

func TestMatches_LevelNotInSet(t *testing.T) {
	a := model.ProjectAlarm{LogType: "application", Environment: "production", Levels: []string{"fatal"}}
	l := &model.Log{LogType: "application", Environment: "production", Level: "warn"}

	if matches(a, l) {
		t.Fatal("expected no match, level not in alarm's level set")
	}
}

func TestMatches_CategoryFilterWhenPresent(t *testing.T) {
	a := model.ProjectAlarm{
		LogType: "application", Environment: "production", Levels: []string{"error"},
		Categories: []string{"payments", "auth"},
	}

	matching := &model.Log{LogType: "application", Environment: "production", Level: "error", Category: "payments"}
	if !matches(a, matching) {
		t.Fatal("expected match for category in the alarm's list")
	}

	nonMatching := &model.Log{LogType: "application", Environment: "production", Level: "error", Category: "shipping"}
	if matches(a, nonMatching) {
		t.Fatal("expected no match for category outside the alarm's list")
	}
}

func TestMatches_CategoryAbsentSkipsFilter(t *testing.T) {
	a := model.ProjectAlarm{LogType: "application", Environment: "production", Levels: []string{"error"}}
	l := &model.Log{LogType: "application", Environment: "production", Level: "error", Category: "anything"}

	if !matches(a, l) {
		t.Fatal("expected match: no categories configured means the filter is vacuous")
	}
}

func TestMatches_MessagePatternCaseInsensitiveSubstring(t *testing.T) {
	a := model.ProjectAlarm{
		LogType: "application", Environment: "production", Levels: []string{"error"},
		MessagePattern: "TIMEOUT",
	}

	if !matches(a, &model.Log{LogType: "application", Environment: "production", Level: "error", Message: "request timeout after 30s"}) {
		t.Fatal("expected case-insensitive substring match")
	}
	if matches(a, &model.Log{LogType: "application", Environment: "production", Level: "error", Message: "connection refused"}) {
		t.Fatal("expected no match: pattern absent from message")
	}
}

func TestDeliver_OneSinkFailureDoesNotAbortOthers(t *testing.T) {
	calls := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		calls["webhook"] = true
		rw.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &Worker{
		Mail: mailFunc(func() error {
			calls["email"] = true
			return assertErr{}
		}),
		Logger: discardLogger(),
	}

	a := model.ProjectAlarm{
		Delivery: model.AlarmDelivery{EmailAddresses: []string{"ops@example.com"}, WebhookURL: srv.URL},
	}
	l := &model.Log{Message: "boom"}

	w.deliver(context.Background(), a, l)

	if !calls["email"] {
		t.Fatal("expected email sink to have been attempted")
	}
	if !calls["webhook"] {
		t.Fatal("expected webhook sink to be attempted after the email sink failed")
	}
}

type mailFunc func() error

func (f mailFunc) Send(_ context.Context, _ []string, _ string, _ string) error { return f() }

type assertErr struct{}

func (assertErr) Error() string { return "mail send failed" }
