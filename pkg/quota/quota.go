// Package quota implements C3 (the atomic check-and-increment quota
// counter) and C4 (the idempotent "limit reached" email notifier), both
// keyed off the billing window computed by pkg/billing.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/logharbor/internal/apierr"
	"github.com/wisbric/logharbor/pkg/billing"
)

// CounterStore is the narrow KVCounter contract C3 needs (spec §6).
type CounterStore interface {
	CheckAndIncrement(ctx context.Context, key string, n int64, limit *int64, ttl time.Duration) (allowed bool, current int64, err error)
}

// FlagStore is the narrow KVCounter contract C4 needs for the idempotent
// sent-flag.
type FlagStore interface {
	Get(ctx context.Context, key string) (string, error)
	SetEX(ctx context.Context, key, val string, ttl time.Duration) error
}

// MailSink is the external mail transport contract (spec §6).
type MailSink interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// Counter is C3: the billing-anchored quota counter.
type Counter struct {
	store    CounterStore
	logger   *slog.Logger
	degraded func() // called on every fail-open path (spec open question (c))
}

// NewCounter creates a Counter. degraded is invoked once per fail-open
// reservation; pass a Prometheus counter's Inc method, or a no-op in tests.
func NewCounter(store CounterStore, logger *slog.Logger, degraded func()) *Counter {
	if degraded == nil {
		degraded = func() {}
	}
	return &Counter{store: store, logger: logger, degraded: degraded}
}

func usageKey(ownerID uuid.UUID, periodKey string) string {
	return fmt.Sprintf("usage:logging:owner:%s:period:%s", ownerID, periodKey)
}

func sentFlagKey(ownerID uuid.UUID, periodKey string) string {
	return fmt.Sprintf("usage:logging:owner:%s:period:%s:email-sent", ownerID, periodKey)
}

// Reservation is the outcome of CheckAndIncrement, carrying everything a
// 429 response needs (spec §4.5 step 7).
type Reservation struct {
	Allowed bool
	Current int64
	Window  billing.Window
}

// CheckAndIncrement implements spec §4.3: allowed iff current+n <= limit; a
// nil limit always allows without touching the counter store. On a counter
// store outage, the core fails open (admits the submission) and logs the
// degradation (spec §4.3 fail-open policy, §7 DependencyDegraded).
func (c *Counter) CheckAndIncrement(ctx context.Context, ownerID uuid.UUID, userCreatedAt time.Time, n int64, limit *int64) (Reservation, error) {
	now := time.Now()
	window := billing.Calculate(userCreatedAt, now)

	if limit == nil {
		return Reservation{Allowed: true, Window: window}, nil
	}

	key := usageKey(ownerID, window.PeriodKey)
	ttl := window.End.Sub(now) + 60*time.Second

	allowed, current, err := c.store.CheckAndIncrement(ctx, key, n, limit, ttl)
	if err != nil {
		c.logger.Warn("quota counter store unavailable, failing open",
			"owner_id", ownerID, "period", window.PeriodKey, "error", err)
		c.degraded()
		return Reservation{Allowed: true, Window: window}, nil
	}

	return Reservation{Allowed: allowed, Current: current, Window: window}, nil
}

// ExceededError builds the typed 429 error a denied reservation maps to
// (spec §7: "a 429 payload always carries the period window").
func (r Reservation) ExceededError(limit int64) *apierr.QuotaExceededError {
	return &apierr.QuotaExceededError{
		Limit:       limit,
		Current:     r.Current,
		PeriodStart: r.Window.Start.UnixMilli(),
		PeriodEnd:   r.Window.End.UnixMilli(),
	}
}

// Notifier is C4: the idempotent "limit reached" email notifier.
type Notifier struct {
	flags  FlagStore
	mail   MailSink
	logger *slog.Logger
	ttl    time.Duration
	from   string
}

// NewNotifier creates a Notifier. ttl is the sent-flag's TTL (spec §4.4: 35
// days).
func NewNotifier(flags FlagStore, mail MailSink, logger *slog.Logger, ttl time.Duration, from string) *Notifier {
	return &Notifier{flags: flags, mail: mail, logger: logger, ttl: ttl, from: from}
}

// NotifyOnce sends the "quota exceeded" email at most once per owner per
// period (spec §4.4). Errors from the mail sink never propagate (spec §7);
// a flag-store error is logged and swallowed too, since the email itself is
// a best-effort side effect.
func (n *Notifier) NotifyOnce(ctx context.Context, ownerID uuid.UUID, periodKey, ownerEmail string, r *apierr.QuotaExceededError) {
	key := sentFlagKey(ownerID, periodKey)

	sent, err := n.flags.Get(ctx, key)
	if err != nil {
		n.logger.Warn("quota notifier: checking sent flag failed", "owner_id", ownerID, "error", err)
		return
	}
	if sent != "" {
		return
	}

	subject := "Log ingestion quota exceeded"
	body := fmt.Sprintf("Your project has exceeded its monthly log ingestion quota of %d logs (current: %d). "+
		"The quota resets on the next billing period.", r.Limit, r.Current)

	if err := n.mail.Send(ctx, []string{ownerEmail}, subject, body); err != nil {
		n.logger.Warn("quota notifier: sending email failed", "owner_id", ownerID, "error", err)
		return
	}

	if err := n.flags.SetEX(ctx, key, "1", n.ttl); err != nil {
		n.logger.Warn("quota notifier: setting sent flag failed", "owner_id", ownerID, "error", err)
	}
}
