package models

import (
	"time"

	"github.com/google/uuid"

	"auth-service/internal/roles"
)

// User - модель пользователя в системе.
//
// PasswordHash никогда не покидает сервисный слой.
// RefreshTokenHash хранит sha256-хэш действующего refresh-секрета
// (ровно один активный секрет на пользователя, перезапись при ротации).
type User struct {
	ID                    uuid.UUID
	Email                 string
	DisplayName           string
	PasswordHash          string
	IsVerified            bool
	Role                  roles.Role
	RefreshTokenHash      string
	RefreshTokenExpiresAt time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}
