// Package mail is the default MailSink adapter (spec §6, §11). Email
// transport is explicitly out of core scope (spec §1 Out of scope: "email
// transport"); this adapter logs the message it would have sent through
// slog rather than fabricating an SMTP/SES client the retrieved examples
// never import. A production deployment swaps this for a real transport
// behind the same interface.
package mail

import (
	"context"
	"log/slog"
)

// Sink is the MailSink adapter.
type Sink struct {
	logger *slog.Logger
	from   string
}

// New creates a logging MailSink.
func New(logger *slog.Logger, from string) *Sink {
	return &Sink{logger: logger, from: from}
}

// Send implements the MailSink contract (spec §6): errors from the mail
// sink never propagate to callers (spec §4.4, §7), so this method always
// returns nil; failures are only observable in the log line itself.
func (s *Sink) Send(_ context.Context, to []string, subject, body string) error {
	s.logger.Info("mail: sending",
		"from", s.from,
		"to", to,
		"subject", subject,
		"body", body,
	)
	return nil
}
