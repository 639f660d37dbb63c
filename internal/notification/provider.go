// Package notification delivers best-effort customer notices. Failures are
// logged by callers, never propagated into domain flows.
package notification

import "context"

type Sender interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
}

type NoOpSender struct{}

func (NoOpSender) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}
