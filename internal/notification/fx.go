package notification

import (
	"github.com/smallbiznis/numera/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(NewSender),
)

// NewSender returns the SMTP sender when configured, NoOp otherwise.
func NewSender(cfg config.Config) Sender {
	if cfg.SMTPHost == "" {
		return NoOpSender{}
	}
	return NewSMTP(SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})
}
