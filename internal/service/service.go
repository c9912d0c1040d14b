// service содержит бизнес-логику auth-сервиса: регистрацию и вход
// пользователей, жизненный цикл токенов подтверждения e-mail,
// выпуск/погашение refresh-токенов и делегирование выпуска
// access-токенов удалённому сервису.
//
// Основные аспекты:
//   - Пакет не хранит состояние запроса внутри Service; единственное
//     процессное состояние — метка времени последней зачистки просроченных
//     токенов подтверждения (троттлинг), защищённая мьютексом.
//   - Ошибки возвращаются и далее маппятся транспортом на HTTP-коды
//     (см. комментарии к переменным ошибок ниже).
//   - Категории отказов внешнего сервиса выпуска токенов наружу уходят
//     без деталей; диагностика остаётся в серверных логах.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"auth-service/internal/cache"
	"auth-service/internal/config"
	"auth-service/internal/issuer"
	"auth-service/internal/mail"
	"auth-service/internal/storage"
)

var (
	// ErrInvalidCredentials — пара логин/пароль неверна или пользователь не найден.
	// Единая ошибка для обоих случаев: различие не раскрывается. Транспорт: HTTP 401.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrEmailNotVerified — учётные данные верны, но e-mail не подтверждён.
	// Раскрывается владельцу учётных данных. Транспорт: HTTP 403.
	ErrEmailNotVerified = errors.New("email not verified")

	// ErrAuthServiceUnavailable — сервис выпуска токенов недоступен (сеть/таймаут/5xx).
	// Транспорт: HTTP 503.
	ErrAuthServiceUnavailable = errors.New("auth service unavailable")

	// ErrTokenGenerationFailed — сервис выпуска отклонил запрос (4xx).
	// Транспорт: HTTP 502.
	ErrTokenGenerationFailed = errors.New("token generation failed")

	// ErrInvalidUpstreamResponse — успешный по статусу, но некорректный
	// по форме ответ сервиса выпуска. Транспорт: HTTP 502.
	ErrInvalidUpstreamResponse = errors.New("invalid upstream response")

	// ErrInvalidVerificationToken — токен подтверждения не найден/не совпал.
	// Транспорт: HTTP 400.
	ErrInvalidVerificationToken = errors.New("invalid verification token")

	// ErrVerificationTokenExpired — совпавший токен подтверждения просрочен.
	// Транспорт: HTTP 400 (код различим: владелец токена и так его предъявил).
	ErrVerificationTokenExpired = errors.New("verification token expired")

	// ErrEmailTaken — e-mail уже занят другим пользователем, включая гонку
	// конкурентных регистраций (unique violation БД). Транспорт: HTTP 409.
	ErrEmailTaken = errors.New("email already taken")

	// ErrAuthenticationFailed — refresh-секрет не найден/просрочен.
	// Нарочно неразличимая ошибка. Транспорт: HTTP 401.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidEmail — e-mail имеет некорректный формат.
	// Транспорт: HTTP 400.
	ErrInvalidEmail = errors.New("invalid email format")

	// ErrWeakPassword — пароль не удовлетворяет политикам сложности.
	// Транспорт: HTTP 400.
	ErrWeakPassword = errors.New("password is too weak")

	// ErrEmptyPassword — пароль пустой.
	// Транспорт: HTTP 400.
	ErrEmptyPassword = errors.New("password is empty")

	// ErrInvalidDisplayName — отображаемое имя пустое или слишком длинное.
	// Транспорт: HTTP 400.
	ErrInvalidDisplayName = errors.New("invalid display name")
)

// TokenIssuer выпускает подписанный access-токен для подтверждённой личности.
type TokenIssuer interface {
	Issue(ctx context.Context, p issuer.Payload) (string, error)
}

// Service описывает бизнес-логику auth-сервиса.
type Service struct {
	storage storage.Storage
	cfg     config.AuthConfig
	issuer  TokenIssuer
	mailer  mail.Mailer
	hasher  PasswordHasher
	rcache  cache.RefreshCache // может быть nil, если кэш не сконфигурирован

	// dummyHash — фиксированный bcrypt-хэш, против которого выполняется
	// сравнение при неизвестном e-mail: время ответа для "нет такого
	// пользователя" и "неверный пароль" не должно различаться.
	dummyHash string

	// now/sleep выделены для детерминированных тестов.
	now   func() time.Time
	sleep func(time.Duration)

	cleanupMu   sync.Mutex
	lastCleanup time.Time
}

// New создаёт новый экземпляр Service.
// Дорогая часть — однократное вычисление dummy-хэша с настроенной
// стоимостью bcrypt, чтобы он был неотличим от реальных хэшей по времени
// сравнения.
func New(st storage.Storage, cfg config.AuthConfig, ti TokenIssuer, mailer mail.Mailer) (*Service, error) {
	const op = "service.New"

	hasher := NewBcryptHasher(cfg.BcryptCost)

	dummy, err := hasher.Hash("deliberately-unmatchable-dummy-credential")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Service{
		storage:   st,
		cfg:       cfg,
		issuer:    ti,
		mailer:    mailer,
		hasher:    hasher,
		dummyHash: dummy,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     time.Sleep,
	}, nil
}

// SetRefreshCache устанавливает кэш refresh-токенов (опционально).
func (s *Service) SetRefreshCache(c cache.RefreshCache) {
	s.rcache = c
}

// mapIssuerError переводит категории ошибок клиента выпуска токенов
// в доменную таксономию. Детали остаются в логах клиента.
func mapIssuerError(op string, err error) error {
	switch {
	case errors.Is(err, issuer.ErrUnavailable):
		return fmt.Errorf("%s: %w", op, ErrAuthServiceUnavailable)
	case errors.Is(err, issuer.ErrRejected):
		return fmt.Errorf("%s: %w", op, ErrTokenGenerationFailed)
	case errors.Is(err, issuer.ErrBadResponse):
		return fmt.Errorf("%s: %w", op, ErrInvalidUpstreamResponse)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
