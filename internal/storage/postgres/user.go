package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"auth-service/internal/models"
	"auth-service/internal/roles"
	"auth-service/internal/storage"
)

// userColumns — общий список колонок для выборок пользователя.
const userColumns = `
	id, email, display_name, password_hash, is_verified, role,
	COALESCE(refresh_token_hash, ''), COALESCE(refresh_token_expires_at, 'epoch'::timestamptz),
	created_at, updated_at
`

// SaveUser создает нового пользователя в БД.
// Гонка двух одновременных регистраций одного email разрешается
// уникальным индексом: проигравший получает storage.ErrAlreadyExists.
func (s *Storage) SaveUser(ctx context.Context, user *models.User) error {
	const op = "storage.postgres.SaveUser"

	query := `
		INSERT INTO users(id, email, display_name, password_hash, is_verified, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.Exec(ctx, query,
		user.ID,
		user.Email,
		user.DisplayName,
		user.PasswordHash,
		user.IsVerified,
		user.Role.String(),
		user.CreatedAt,
		user.UpdatedAt,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%s: %w", op, storage.ErrAlreadyExists)
		}

		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// UserByEmail находит пользователя по email.
func (s *Storage) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.postgres.UserByEmail"

	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	user, err := s.scanUser(s.db.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

// UserByID находит пользователя по ID.
func (s *Storage) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	const op = "storage.postgres.UserByID"

	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := s.scanUser(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

// UserByRefreshTokenHash находит пользователя по хэшу refresh-секрета.
func (s *Storage) UserByRefreshTokenHash(ctx context.Context, hash string) (*models.User, error) {
	const op = "storage.postgres.UserByRefreshTokenHash"

	query := `SELECT ` + userColumns + ` FROM users WHERE refresh_token_hash = $1`

	user, err := s.scanUser(s.db.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return user, nil
}

// MarkUserVerified помечает пользователя как подтвердившего e-mail.
func (s *Storage) MarkUserVerified(ctx context.Context, id uuid.UUID) error {
	const op = "storage.postgres.MarkUserVerified"

	query := `
		UPDATE users
		SET is_verified = TRUE, updated_at = now()
		WHERE id = $1
	`

	cmdTag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

// SetRefreshToken перезаписывает refresh-секрет пользователя.
// Прежнее значение не сохраняется: активен ровно один секрет.
func (s *Storage) SetRefreshToken(ctx context.Context, id uuid.UUID, hash string, expiresAt time.Time) error {
	const op = "storage.postgres.SetRefreshToken"

	query := `
		UPDATE users
		SET refresh_token_hash = NULLIF($2, ''), refresh_token_expires_at = $3, updated_at = now()
		WHERE id = $1
	`

	cmdTag, err := s.db.Exec(ctx, query, id, hash, expiresAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}

	return nil
}

// scanUser читает строку выборки userColumns в модель.
func (s *Storage) scanUser(row pgx.Row) (*models.User, error) {
	var (
		user models.User
		role string
	)

	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.DisplayName,
		&user.PasswordHash,
		&user.IsVerified,
		&role,
		&user.RefreshTokenHash,
		&user.RefreshTokenExpiresAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Роль не нормализуется здесь: структурную валидность строки
	// проверяет сервисный слой.
	user.Role = roles.Role(role)

	return &user, nil
}
