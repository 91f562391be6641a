// Package alarm implements C6: on an alarm-evaluation event, match the
// persisted log against a project's configured alarms and fan out to each
// alarm's delivery methods, independently and without aborting siblings on
// a single sink's failure (spec §4.6).
package alarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	goslack "github.com/slack-go/slack"

	"github.com/wisbric/logharbor/internal/bus"
	"github.com/wisbric/logharbor/internal/model"
	"github.com/wisbric/logharbor/internal/telemetry"
)

// AlarmStore is the narrow DocumentStore contract the worker needs.
type AlarmStore interface {
	ListAlarms(ctx context.Context, projectID uuid.UUID) ([]model.ProjectAlarm, error)
	FindLogByID(ctx context.Context, projectID, logID uuid.UUID) (*model.Log, error)
}

// MailSink is the narrow MailSink contract an email delivery method needs.
type MailSink interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// Worker is C6: the alarm evaluator and delivery fan-out.
type Worker struct {
	Store  AlarmStore
	Mail   MailSink
	Logger *slog.Logger

	// HTTPClient is used for the webhook sink. A zero value defaults to
	// http.DefaultClient's behavior via httpClient(). Slack delivery does not
	// use it: goslack.PostWebhookContext sends with the library's own client.
	HTTPClient *http.Client
}

func (w *Worker) httpClient() *http.Client {
	if w.HTTPClient != nil {
		return w.HTTPClient
	}
	return http.DefaultClient
}

// Handle is a bus.Handler for TopicLogAlarm. The alarm-eval event already
// carries a stable LogID minted by the ingestion consumer, so the stream
// message ID isn't needed here.
func (w *Worker) Handle(ctx context.Context, _ string, payload []byte) error {
	var p bus.AlarmEvalPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding alarm eval payload: %w", err)
	}

	log, err := w.Store.FindLogByID(ctx, p.ProjectID, p.LogID)
	if err != nil {
		return fmt.Errorf("loading log %s: %w", p.LogID, err)
	}

	alarms, err := w.Store.ListAlarms(ctx, p.ProjectID)
	if err != nil {
		return fmt.Errorf("listing alarms for project %s: %w", p.ProjectID, err)
	}

	for _, a := range alarms {
		if !matches(a, log) {
			continue
		}
		w.deliver(ctx, a, log)
	}
	return nil
}

// matches implements spec §4.6's match predicate: logType and environment
// equal, level in the alarm's set, category in categories[] if present,
// message pattern matching as a case-insensitive substring if present.
func matches(a model.ProjectAlarm, l *model.Log) bool {
	if a.LogType != l.LogType {
		return false
	}
	if a.Environment != l.Environment {
		return false
	}
	if !containsFold(a.Levels, l.Level) {
		return false
	}
	if len(a.Categories) > 0 && !containsFold(a.Categories, l.Category) {
		return false
	}
	if a.MessagePattern != "" && !strings.Contains(strings.ToLower(l.Message), strings.ToLower(a.MessagePattern)) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// deliver fans out to every configured delivery method on a, logging and
// counting each outcome independently (spec §4.6: "Failures of one sink do
// not abort others").
func (w *Worker) deliver(ctx context.Context, a model.ProjectAlarm, l *model.Log) {
	if len(a.Delivery.EmailAddresses) > 0 {
		w.deliverEmail(ctx, a, l)
	}
	if a.Delivery.SlackWebhook != "" {
		w.deliverSlack(ctx, a, l)
	}
	if a.Delivery.WebhookURL != "" {
		w.deliverWebhook(ctx, a, l)
	}
}

func (w *Worker) deliverEmail(ctx context.Context, a model.ProjectAlarm, l *model.Log) {
	const method = "email"
	subject := fmt.Sprintf("[%s] Alarm triggered: %s", l.Environment, l.Level)
	body := fmt.Sprintf("Log message: %s\nProject: %s\nCategory: %s\nTimestamp: %d",
		l.Message, l.ProjectSlug, l.Category, l.TimestampMS)

	if err := w.Mail.Send(ctx, a.Delivery.EmailAddresses, subject, body); err != nil {
		telemetry.AlarmDeliveryFailedTotal.WithLabelValues(method).Inc()
		w.Logger.Warn("alarm: email delivery failed", "alarm_id", a.ID, "error", err)
		return
	}
	telemetry.AlarmsMatchedTotal.WithLabelValues(method).Inc()
}

func (w *Worker) deliverSlack(ctx context.Context, a model.ProjectAlarm, l *model.Log) {
	const method = "slack"
	msg := &goslack.WebhookMessage{
		Text: fmt.Sprintf(":rotating_light: *%s* alarm in `%s` (%s): %s", l.Level, l.Environment, l.Category, l.Message),
	}
	if err := goslack.PostWebhookContext(ctx, a.Delivery.SlackWebhook, msg); err != nil {
		telemetry.AlarmDeliveryFailedTotal.WithLabelValues(method).Inc()
		w.Logger.Warn("alarm: slack delivery failed", "alarm_id", a.ID, "error", err)
		return
	}
	telemetry.AlarmsMatchedTotal.WithLabelValues(method).Inc()
}

func (w *Worker) deliverWebhook(ctx context.Context, a model.ProjectAlarm, l *model.Log) {
	const method = "webhook"
	body, err := json.Marshal(l)
	if err != nil {
		telemetry.AlarmDeliveryFailedTotal.WithLabelValues(method).Inc()
		w.Logger.Warn("alarm: encoding webhook body failed", "alarm_id", a.ID, "error", err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.Delivery.WebhookURL, strings.NewReader(string(body)))
	if err != nil {
		telemetry.AlarmDeliveryFailedTotal.WithLabelValues(method).Inc()
		w.Logger.Warn("alarm: building webhook request failed", "alarm_id", a.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient().Do(req)
	if err != nil {
		telemetry.AlarmDeliveryFailedTotal.WithLabelValues(method).Inc()
		w.Logger.Warn("alarm: webhook delivery failed", "alarm_id", a.ID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		telemetry.AlarmDeliveryFailedTotal.WithLabelValues(method).Inc()
		w.Logger.Warn("alarm: webhook returned non-2xx", "alarm_id", a.ID, "status", resp.StatusCode)
		return
	}
	telemetry.AlarmsMatchedTotal.WithLabelValues(method).Inc()
}
