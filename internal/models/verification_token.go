package models

import (
	"time"

	"github.com/google/uuid"
)

// VerificationToken - одноразовый токен подтверждения e-mail.
//
// Описание:
//   - TokenHash — sha256-хэш секрета, первичный ключ сопоставления;
//   - TokenPrefix — фиксированный префикс открытого секрета, хранится
//     в индексированной колонке и сужает набор кандидатов перед
//     дорогим сравнением хэшей;
//   - Email — денормализован для письма с подтверждением.
type VerificationToken struct {
	TokenHash   string
	TokenPrefix string
	UserID      uuid.UUID
	Email       string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}
