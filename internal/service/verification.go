package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"auth-service/internal/metrics"
	"auth-service/internal/models"
	"auth-service/internal/pkg/log"
	"auth-service/internal/pkg/redact"
	"auth-service/internal/storage"
	"auth-service/internal/tokens"
)

// VerifyEmail погашает токен подтверждения e-mail.
//
// Алгоритм:
//  1. По префиксу открытого секрета выбираются все кандидаты
//     (коллизии префикса редки, но возможны).
//  2. Хэш секрета сравнивается с каждым кандидатом за постоянное время,
//     без прерывания на первом совпадении: позиция совпадения не должна
//     быть наблюдаема по времени ответа.
//  3. Прецедент исходов: живое совпадение выигрывает независимо от
//     просроченных; только просроченные совпадения — ErrVerificationTokenExpired;
//     нет совпадений — ErrInvalidVerificationToken. Все отказы получают
//     рандомизированную задержку 50–150 мс.
//  4. "Захват" токена — условное удаление ровно одной строки по хэшу:
//     из конкурентных погашений одного токена выигрывает одно.
//  5. Победитель помечает пользователя подтверждённым и запускает
//     фоновую (fire-and-forget) зачистку просроченных токенов.
func (s *Service) VerifyEmail(ctx context.Context, plainToken string) error {
	const op = "service.verification.VerifyEmail"

	lg := log.From(ctx)

	if plainToken == "" {
		metrics.Verifications.WithLabelValues("invalid").Inc()
		s.failureDelay()
		return fmt.Errorf("%s: %w", op, ErrInvalidVerificationToken)
	}

	prefix := tokens.Prefix(plainToken, s.cfg.TokenPrefixLength)

	candidates, err := s.storage.VerificationTokensByPrefix(ctx, prefix)
	if err != nil {
		metrics.Verifications.WithLabelValues("error").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}

	if len(candidates) == 0 {
		metrics.Verifications.WithLabelValues("invalid").Inc()
		s.failureDelay()
		return fmt.Errorf("%s: %w", op, ErrInvalidVerificationToken)
	}

	hash := tokens.Hash(plainToken)
	now := s.now()

	// Полный проход по кандидатам без раннего выхода.
	var (
		winner     *models.VerificationToken
		hasExpired bool
	)
	for i := range candidates {
		matched := tokens.Match(candidates[i].TokenHash, hash)
		expired := now.After(candidates[i].ExpiresAt)

		if matched && expired {
			hasExpired = true
		}

		if matched && !expired && winner == nil {
			winner = &candidates[i]
		}
	}

	if winner == nil {
		s.failureDelay()

		if hasExpired {
			metrics.Verifications.WithLabelValues("expired").Inc()
			return fmt.Errorf("%s: %w", op, ErrVerificationTokenExpired)
		}

		metrics.Verifications.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%s: %w", op, ErrInvalidVerificationToken)
	}

	claimed, err := s.storage.ClaimVerificationToken(ctx, winner.TokenHash)
	if err != nil {
		metrics.Verifications.WithLabelValues("error").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}

	if !claimed {
		// Конкурентное погашение: строку уже забрал другой запрос.
		metrics.Verifications.WithLabelValues("invalid").Inc()
		s.failureDelay()
		return fmt.Errorf("%s: %w", op, ErrInvalidVerificationToken)
	}

	if err := s.storage.MarkUserVerified(ctx, winner.UserID); err != nil {
		metrics.Verifications.WithLabelValues("error").Inc()
		return fmt.Errorf("%s: %w", op, err)
	}

	lg.Info("email_verified",
		slog.String("op", op),
		slog.String("user_id", winner.UserID.String()),
	)
	metrics.Verifications.WithLabelValues("ok").Inc()

	// Зачистка не должна блокировать и тем более ронять запрос.
	go s.sweepExpiredTokens(context.WithoutCancel(ctx))

	return nil
}

// ResendVerification выпускает новый токен подтверждения для
// неподтверждённой учётной записи.
//
// Для неизвестного e-mail и уже подтверждённой записи возвращается
// успех без каких-либо действий: ручка не должна позволять перебором
// выяснять, какие адреса зарегистрированы.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	const op = "service.verification.ResendVerification"

	lg := log.From(ctx)

	normEmail, err := validateEmail(email)
	if err != nil {
		return fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	user, err := s.storage.UserByEmail(ctx, normEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			lg.Info("resend_unknown_email",
				slog.String("op", op),
				slog.String("email", redact.Email(normEmail)),
			)
			return nil
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	if user.IsVerified {
		lg.Info("resend_already_verified",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
		)
		return nil
	}

	if err := s.issueVerificationToken(ctx, user); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// issueVerificationToken создаёт и сохраняет новый токен подтверждения,
// затем передаёт открытый секрет почтовому коллаборатору.
//
// Токенов у пользователя может быть несколько (повторная отправка);
// погашение удаляет только совпавший. Коллизия хэша при сохранении
// невероятна, но обрабатывается повторной генерацией.
func (s *Service) issueVerificationToken(ctx context.Context, user *models.User) error {
	const (
		op          = "service.verification.issueVerificationToken"
		maxAttempts = 3
	)

	lg := log.From(ctx)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		plain, err := tokens.New()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		now := s.now()
		token := &models.VerificationToken{
			TokenHash:   tokens.Hash(plain),
			TokenPrefix: tokens.Prefix(plain, s.cfg.TokenPrefixLength),
			UserID:      user.ID,
			Email:       user.Email,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.VerificationTokenTTL),
		}

		if err := s.storage.SaveVerificationToken(ctx, token); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				// Редкая коллизия — пробуем сгенерировать заново.
				continue
			}

			return fmt.Errorf("%s: %w", op, err)
		}

		// Доставка — best effort: отказ почтовика не откатывает токен,
		// пользователь может запросить повторную отправку.
		if err := s.mailer.SendVerificationEmail(ctx, user.Email, user.DisplayName, plain); err != nil {
			lg.Error("verification_email_failed",
				slog.String("op", op),
				slog.String("email", redact.Email(user.Email)),
				slog.String("err", err.Error()),
			)
		}

		return nil
	}

	return fmt.Errorf("%s: verification token collision after %d attempts", op, maxAttempts)
}

// sweepExpiredTokens удаляет просроченные токены подтверждения,
// но не чаще одного раза за CleanupInterval в рамках процесса.
//
// Метка последнего запуска живёт в памяти: при горизонтальном
// масштабировании каждая реплика троттлит независимо. Кластерную
// периодичность обеспечивает janitor в cmd/auth-service.
func (s *Service) sweepExpiredTokens(ctx context.Context) {
	const op = "service.verification.sweepExpiredTokens"

	now := s.now()

	s.cleanupMu.Lock()
	if !s.lastCleanup.IsZero() && now.Sub(s.lastCleanup) < s.cfg.CleanupInterval {
		s.cleanupMu.Unlock()
		return
	}
	s.lastCleanup = now
	s.cleanupMu.Unlock()

	if err := s.storage.DeleteExpiredVerificationTokens(ctx, now); err != nil {
		// Ошибки проглатываются: зачистка best effort.
		log.From(ctx).Error("verification_sweep_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return
	}

	metrics.CleanupSweeps.Inc()
}

// failureDelay выдерживает рандомизированную паузу 50–150 мс на
// отказах погашения, размывая тайминговую разницу между ветками.
func (s *Service) failureDelay() {
	s.sleep(time.Duration(50+rand.IntN(100)) * time.Millisecond)
}
