package template

import (
	"context"
	"log/slog"

	"github.com/absamo/triven-workflow/pkg/apperr"
	"github.com/absamo/triven-workflow/pkg/models"
)

// LogMailer renders each message and writes it to the log. It stands in for
// the mail provider in development and single-node deployments.
type LogMailer struct {
	renderer *Renderer
	logger   *slog.Logger
}

func NewLogMailer(renderer *Renderer, logger *slog.Logger) *LogMailer {
	return &LogMailer{renderer: renderer, logger: logger.With("module", "mailer")}
}

func (m *LogMailer) SendTemplated(ctx context.Context, key models.TemplateKey, locale string, variables map[string]string, to string) error {
	msg, err := m.renderer.Render(key, locale, variables)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "template.SendTemplated", err)
	}

	m.logger.InfoContext(ctx, "message sent",
		"template", key,
		"to", to,
		"subject", msg.Subject,
		"body", msg.Body)

	return nil
}
