// mail задаёт контракт доставки письма с токеном подтверждения.
// Сама доставка (шаблоны, SMTP/провайдер) — внешний коллаборатор;
// сервису достаточно интерфейса.
package mail

import (
	"context"
	"log/slog"

	"auth-service/internal/pkg/log"
	"auth-service/internal/pkg/redact"
)

// Mailer доставляет письмо с токеном подтверждения e-mail.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, email, displayName, plainToken string) error
}

// LogMailer — заглушка для local/dev: пишет факт отправки в лог,
// не раскрывая ни адрес целиком, ни сам токен.
type LogMailer struct{}

// SendVerificationEmail логирует факт отправки.
func (LogMailer) SendVerificationEmail(ctx context.Context, email, displayName, plainToken string) error {
	log.From(ctx).Info("verification_email_sent",
		slog.String("email", redact.Email(email)),
		slog.String("token", redact.Token()),
	)

	return nil
}

var _ Mailer = LogMailer{}
