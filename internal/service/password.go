package service

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordHasher — медленный солёный парольный примитив.
// Выделен интерфейсом, чтобы свойство выравнивания времени
// (ровно одно сравнение на попытку входа) проверялось в тестах
// подсчётом вызовов, а не замером времени.
type PasswordHasher interface {
	// Hash хэширует пароль.
	Hash(password string) (string, error)
	// Compare сравнивает пароль с хэшем. Само сравнение внутри bcrypt
	// устойчиво к таймингу на шаге сверки дайджестов.
	Compare(hash, password string) bool
}

type bcryptHasher struct {
	cost int
}

// NewBcryptHasher возвращает bcrypt-реализацию с заданной стоимостью.
func NewBcryptHasher(cost int) PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}

	return &bcryptHasher{cost: cost}
}

func (h *bcryptHasher) Hash(password string) (string, error) {
	const op = "service.password.Hash"

	bytes, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return string(bytes), nil
}

func (h *bcryptHasher) Compare(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
