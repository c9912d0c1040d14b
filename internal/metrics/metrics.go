// metrics содержит счётчики Prometheus для ключевых событий
// аутентификации. Экспортируются через /metrics в cmd/auth-service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Logins — входы по исходу: ok, invalid_credentials, not_verified, issuer_failed, error.
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_logins_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	// Verifications — погашения токенов подтверждения: ok, invalid, expired, error.
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_email_verifications_total",
		Help: "Email verification attempts by outcome.",
	}, []string{"outcome"})

	// Refreshes — обновления сессии: ok, rejected, issuer_failed, error.
	Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_token_refreshes_total",
		Help: "Refresh token redemptions by outcome.",
	}, []string{"outcome"})

	// IssuerCalls — обращения к удалённому сервису выпуска: ok, unavailable, rejected, bad_response.
	IssuerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_issuer_calls_total",
		Help: "Remote token issuer calls by result.",
	}, []string{"result"})

	// CleanupSweeps — фактически выполненные зачистки просроченных токенов.
	CleanupSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auth_verification_cleanup_sweeps_total",
		Help: "Executed expired verification token sweeps.",
	})
)
