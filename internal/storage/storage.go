package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"auth-service/internal/models"
)

var (
	// ErrNotFound — запись не найдена (пользователь/токен).
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists — нарушение уникальности (email/хэш токена).
	ErrAlreadyExists = errors.New("already exists")
)

// UserStorage выполняет операции над пользователями.
type UserStorage interface {
	// SaveUser создает нового пользователя в БД.
	SaveUser(ctx context.Context, user *models.User) error
	// UserByEmail находит пользователя по email.
	UserByEmail(ctx context.Context, email string) (*models.User, error)
	// UserByID находит пользователя по ID.
	UserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	// UserByRefreshTokenHash находит пользователя по хэшу refresh-секрета.
	UserByRefreshTokenHash(ctx context.Context, hash string) (*models.User, error)
	// MarkUserVerified помечает пользователя как подтвердившего e-mail.
	MarkUserVerified(ctx context.Context, id uuid.UUID) error
	// SetRefreshToken перезаписывает refresh-секрет пользователя
	// (ровно один активный секрет, прежний становится недействительным).
	SetRefreshToken(ctx context.Context, id uuid.UUID, hash string, expiresAt time.Time) error
}

// VerificationTokenStorage выполняет операции над токенами подтверждения e-mail.
type VerificationTokenStorage interface {
	// SaveVerificationToken сохраняет новый токен подтверждения.
	SaveVerificationToken(ctx context.Context, token *models.VerificationToken) error
	// VerificationTokensByPrefix возвращает всех кандидатов с данным префиксом.
	VerificationTokensByPrefix(ctx context.Context, prefix string) ([]models.VerificationToken, error)
	// ClaimVerificationToken атомарно удаляет ровно одну строку по точному хэшу.
	// Возвращает true, если строка существовала и удалена этим вызовом —
	// это и есть операция "захвата" токена при конкурентном погашении.
	ClaimVerificationToken(ctx context.Context, tokenHash string) (bool, error)
	// DeleteExpiredVerificationTokens удаляет все просроченные токены.
	DeleteExpiredVerificationTokens(ctx context.Context, now time.Time) error
	// VerificationPrefixWidth возвращает фактическую ширину колонки token_prefix.
	// Используется self-check'ом при старте: настроенная длина префикса
	// обязана совпадать со схемой.
	VerificationPrefixWidth(ctx context.Context) (int, error)
}

// Storage задает контракт работы с БД.
type Storage interface {
	UserStorage
	VerificationTokenStorage
	Close()
}
