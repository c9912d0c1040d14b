package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"auth-service/internal/cache"
	"auth-service/internal/issuer"
	"auth-service/internal/metrics"
	"auth-service/internal/models"
	"auth-service/internal/pkg/log"
	"auth-service/internal/pkg/redact"
	"auth-service/internal/roles"
	"auth-service/internal/storage"
	"auth-service/internal/tokens"
)

// RegisterUser регистрирует нового пользователя.
//
// Пользователь создаётся неподтверждённым с ролью reader; токен
// подтверждения передаётся почтовому коллаборатору. Гонка двух
// конкурентных регистраций одного e-mail разрешается уникальным
// индексом БД и маппится в ErrEmailTaken, а не в сырую ошибку.
func (s *Service) RegisterUser(ctx context.Context, email, password, displayName string) (uuid.UUID, error) {
	const op = "service.auth.RegisterUser"

	normEmail, err := validateEmail(email)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	if err := validatePassword(password); err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	name, err := validateDisplayName(displayName)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	_, err = s.storage.UserByEmail(ctx, normEmail)
	if err == nil {
		return uuid.Nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	hashedPassword, err := s.hasher.Hash(password)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	user := &models.User{
		ID:           uuid.New(),
		Email:        normEmail,
		DisplayName:  name,
		PasswordHash: hashedPassword,
		IsVerified:   false,
		Role:         roles.RoleReader,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.storage.SaveUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return uuid.Nil, fmt.Errorf("%s: %w", op, ErrEmailTaken)
		}

		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.issueVerificationToken(ctx, user); err != nil {
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	return user.ID, nil
}

// LoginUser выполняет вход по email+пароль.
//
// Порядок проверок фиксирован: учётные данные (с выравниванием времени),
// затем подтверждённость e-mail, затем выпуск access-токена удалённым
// сервисом и выдача refresh-секрета. Отказ хранилища при сохранении
// refresh-секрета не роняет вход: access-токен уже выпущен, клиент
// получает пару без refresh-части.
func (s *Service) LoginUser(ctx context.Context, email, password string) (*models.TokenPair, uuid.UUID, error) {
	const op = "service.auth.LoginUser"

	user, err := s.validateCredentials(ctx, email, password)
	if err != nil {
		metrics.Logins.WithLabelValues("error").Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}
	if user == nil {
		metrics.Logins.WithLabelValues("invalid_credentials").Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if !user.IsVerified {
		metrics.Logins.WithLabelValues("not_verified").Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrEmailNotVerified)
	}

	accessToken, err := s.issueAccessToken(ctx, user)
	if err != nil {
		metrics.Logins.WithLabelValues("issuer_failed").Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	pair := &models.TokenPair{AccessToken: accessToken}

	plain, expiresAt, err := s.rotateRefreshToken(ctx, user.ID, "")
	if err != nil {
		// Вход уже состоялся: логируем и отдаём пару без refresh-секрета.
		log.From(ctx).Error("refresh_issue_failed",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
			slog.String("err", err.Error()),
		)
	} else {
		pair.RefreshToken = plain
		pair.RefreshExpiresAt = expiresAt
	}

	metrics.Logins.WithLabelValues("ok").Inc()

	return pair, user.ID, nil
}

// RefreshToken обменивает refresh-секрет на новую пару токенов.
//
// Секрет одноразовый: успешное погашение ротирует сохранённый хэш,
// прежний секрет немедленно недействителен. Отсутствие/просрочка
// секрета дают единый ErrAuthenticationFailed без уточнения причины.
func (s *Service) RefreshToken(ctx context.Context, refreshSecret string) (*models.TokenPair, uuid.UUID, error) {
	const op = "service.auth.RefreshToken"

	if refreshSecret == "" {
		metrics.Refreshes.WithLabelValues("rejected").Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrAuthenticationFailed)
	}

	hash := tokens.Hash(refreshSecret)

	user, err := s.userByRefreshHash(ctx, hash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			metrics.Refreshes.WithLabelValues("rejected").Inc()
			return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrAuthenticationFailed)
		}

		metrics.Refreshes.WithLabelValues("error").Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	if s.now().After(user.RefreshTokenExpiresAt) {
		metrics.Refreshes.WithLabelValues("rejected").Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, ErrAuthenticationFailed)
	}

	accessToken, err := s.issueAccessToken(ctx, user)
	if err != nil {
		metrics.Refreshes.WithLabelValues("issuer_failed").Inc()
		return nil, uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	pair := &models.TokenPair{AccessToken: accessToken}

	plain, expiresAt, err := s.rotateRefreshToken(ctx, user.ID, hash)
	if err != nil {
		log.From(ctx).Error("refresh_rotate_failed",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
			slog.String("err", err.Error()),
		)
	} else {
		pair.RefreshToken = plain
		pair.RefreshExpiresAt = expiresAt
	}

	metrics.Refreshes.WithLabelValues("ok").Inc()

	return pair, user.ID, nil
}

// validateCredentials проверяет пару email+пароль.
//
// Контракт: (user, nil) при успехе; (nil, nil) при любом аутентификационном
// отказе; (nil, err) только при инфраструктурной ошибке. Когда учётной
// записи нет, всё равно выполняется ровно одно bcrypt-сравнение против
// фиксированного dummy-хэша: внешний наблюдатель не должен отличать
// "нет такого e-mail" от "неверный пароль" по времени ответа.
func (s *Service) validateCredentials(ctx context.Context, email, password string) (*models.User, error) {
	const op = "service.auth.validateCredentials"

	lg := log.From(ctx)

	normEmail, err := validateEmail(email)
	if err != nil || len(password) == 0 {
		s.hasher.Compare(s.dummyHash, password)
		return nil, nil
	}

	user, err := s.storage.UserByEmail(ctx, normEmail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.hasher.Compare(s.dummyHash, password)
			return nil, nil
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// Структурная валидация строки: повреждённая запись — отказ
	// аутентификации с логом, а не паника глубже по стеку.
	if user.PasswordHash == "" || !user.Role.Valid() {
		lg.Error("malformed_user_row",
			slog.String("op", op),
			slog.String("user_id", user.ID.String()),
			slog.String("email", redact.Email(user.Email)),
		)
		s.hasher.Compare(s.dummyHash, password)
		return nil, nil
	}

	if !s.hasher.Compare(user.PasswordHash, password) {
		return nil, nil
	}

	return user, nil
}

// issueAccessToken запрашивает access-токен у удалённого сервиса выпуска.
func (s *Service) issueAccessToken(ctx context.Context, user *models.User) (string, error) {
	const op = "service.auth.issueAccessToken"

	token, err := s.issuer.Issue(ctx, issuer.Payload{
		Subject: user.ID.String(),
		Email:   user.Email,
		Name:    user.DisplayName,
		Role:    user.Role,
	})
	if err != nil {
		switch {
		case errors.Is(err, issuer.ErrUnavailable):
			metrics.IssuerCalls.WithLabelValues("unavailable").Inc()
		case errors.Is(err, issuer.ErrRejected):
			metrics.IssuerCalls.WithLabelValues("rejected").Inc()
		case errors.Is(err, issuer.ErrBadResponse):
			metrics.IssuerCalls.WithLabelValues("bad_response").Inc()
		}

		return "", mapIssuerError(op, err)
	}

	metrics.IssuerCalls.WithLabelValues("ok").Inc()

	return token, nil
}

// rotateRefreshToken выпускает новый refresh-секрет и перезаписывает
// хранимый хэш (история не ведётся). oldHash, если непустой, удаляется
// из кэша — прежний секрет перестаёт действовать немедленно.
func (s *Service) rotateRefreshToken(ctx context.Context, userID uuid.UUID, oldHash string) (string, time.Time, error) {
	const op = "service.auth.rotateRefreshToken"

	plain, err := tokens.New()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%s: %w", op, err)
	}

	hash := tokens.Hash(plain)
	expiresAt := s.now().Add(s.cfg.RefreshTokenTTL)

	if err := s.storage.SetRefreshToken(ctx, userID, hash, expiresAt); err != nil {
		return "", time.Time{}, fmt.Errorf("%s: %w", op, err)
	}

	if s.rcache != nil {
		lg := log.From(ctx)

		if oldHash != "" {
			if err := s.rcache.Delete(ctx, oldHash); err != nil {
				lg.Warn("refresh_cache_delete_failed",
					slog.String("op", op),
					slog.String("err", err.Error()),
				)
			}
		}

		entry := &cache.RefreshEntry{UserID: userID, ExpiresAt: expiresAt}
		if err := s.rcache.Set(ctx, hash, entry, s.cfg.RefreshTokenTTL); err != nil {
			lg.Warn("refresh_cache_set_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
		}
	}

	return plain, expiresAt, nil
}

// userByRefreshHash ищет владельца refresh-секрета: сперва в кэше,
// затем в БД. Кэш строго вспомогательный — его содержимое всегда
// перепроверяется против актуальной строки пользователя.
func (s *Service) userByRefreshHash(ctx context.Context, hash string) (*models.User, error) {
	const op = "service.auth.userByRefreshHash"

	if s.rcache != nil {
		entry, ok, err := s.rcache.Get(ctx, hash)
		if err != nil {
			log.From(ctx).Warn("refresh_cache_get_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
		} else if ok && s.now().Before(entry.ExpiresAt) {
			user, err := s.storage.UserByID(ctx, entry.UserID)
			if err == nil && tokens.Match(user.RefreshTokenHash, hash) {
				return user, nil
			}
			// Запись устарела (ротация/удаление) — падаем в обычный поиск.
		}
	}

	user, err := s.storage.UserByRefreshTokenHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

// validateEmail проверяет базовый формат email и обрезает пробелы снаружи.
func validateEmail(raw string) (string, error) {
	const op = "service.auth.validateEmail"

	email := strings.TrimSpace(raw)
	if email == "" {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidEmail)
	}

	return strings.ToLower(email), nil
}

// validatePassword проверяет минимальные требования к паролю.
// Политика по умолчанию: длина >= 8, хотя бы одна строчная, заглавная, цифра и спецсимвол.
func validatePassword(pw string) error {
	const op = "service.auth.validatePassword"

	if len(pw) == 0 {
		return fmt.Errorf("%s: %w", op, ErrEmptyPassword)
	}

	if len([]rune(pw)) < 8 {
		return fmt.Errorf("%s: %w", op, ErrWeakPassword)
	}

	var hasLower, hasUpper, hasDigit, hasSpecial bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			hasSpecial = true
		}
	}

	if !(hasLower && hasUpper && hasDigit && hasSpecial) {
		return fmt.Errorf("%s: %w", op, ErrWeakPassword)
	}

	return nil
}

// validateDisplayName проверяет отображаемое имя.
func validateDisplayName(raw string) (string, error) {
	const op = "service.auth.validateDisplayName"

	name := strings.TrimSpace(raw)
	if name == "" || utf8.RuneCountInString(name) > 100 {
		return "", fmt.Errorf("%s: %w", op, ErrInvalidDisplayName)
	}

	return name, nil
}
