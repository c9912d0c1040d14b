package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"auth-service/internal/models"
	"auth-service/internal/storage"
)

// SaveVerificationToken сохраняет новый токен подтверждения.
func (s *Storage) SaveVerificationToken(ctx context.Context, token *models.VerificationToken) error {
	const op = "storage.postgres.SaveVerificationToken"

	query := `
		INSERT INTO verification_tokens(token_hash, token_prefix, user_id, email, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.Exec(ctx, query,
		token.TokenHash,
		token.TokenPrefix,
		token.UserID,
		token.Email,
		token.CreatedAt,
		token.ExpiresAt,
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

// VerificationTokensByPrefix возвращает всех кандидатов с данным префиксом.
// Коллизии префикса редки, но возможны: итоговый выбор делает сервисный
// слой сравнением хэшей за постоянное время.
func (s *Storage) VerificationTokensByPrefix(ctx context.Context, prefix string) ([]models.VerificationToken, error) {
	const op = "storage.postgres.VerificationTokensByPrefix"

	query := `
		SELECT token_hash, token_prefix, user_id, email, created_at, expires_at
		FROM verification_tokens
		WHERE token_prefix = $1
	`

	rows, err := s.db.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var result []models.VerificationToken
	for rows.Next() {
		var t models.VerificationToken
		if err := rows.Scan(
			&t.TokenHash,
			&t.TokenPrefix,
			&t.UserID,
			&t.Email,
			&t.CreatedAt,
			&t.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		// CHAR(N) дополняется пробелами — выравниваем под сравнение в сервисе.
		t.TokenPrefix = strings.TrimRight(t.TokenPrefix, " ")
		result = append(result, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return result, nil
}

// ClaimVerificationToken атомарно удаляет ровно одну строку по точному хэшу.
// DELETE по первичному ключу служит операцией "захвата": из двух конкурентных
// погашений одного токена только одно увидит RowsAffected() == 1.
func (s *Storage) ClaimVerificationToken(ctx context.Context, tokenHash string) (bool, error) {
	const op = "storage.postgres.ClaimVerificationToken"

	query := `
		DELETE FROM verification_tokens
		WHERE token_hash = $1
	`

	cmdTag, err := s.db.Exec(ctx, query, tokenHash)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// DeleteExpiredVerificationTokens удаляет все просроченные токены.
func (s *Storage) DeleteExpiredVerificationTokens(ctx context.Context, now time.Time) error {
	const op = "storage.postgres.DeleteExpiredVerificationTokens"

	query := `
		DELETE FROM verification_tokens
		WHERE expires_at <= $1
	`

	_, err := s.db.Exec(ctx, query, now)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// VerificationPrefixWidth возвращает фактическую ширину колонки token_prefix.
func (s *Storage) VerificationPrefixWidth(ctx context.Context) (int, error) {
	const op = "storage.postgres.VerificationPrefixWidth"

	query := `
		SELECT character_maximum_length
		FROM information_schema.columns
		WHERE table_name = 'verification_tokens' AND column_name = 'token_prefix'
	`

	var width int
	err := s.db.QueryRow(ctx, query).Scan(&width)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrNotFound)
		}

		return 0, fmt.Errorf("%s: %w", op, err)
	}

	return width, nil
}
