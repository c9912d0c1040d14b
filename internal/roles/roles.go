// roles реализует иерархическую модель доступа reader < writer < admin.
//
// Пакет чистый: никакого I/O, все решения принимаются по значениям.
// Старшая роль наследует все права младших.
package roles

import (
	"errors"
	"fmt"
	"strings"
)

// Role — роль пользователя в системе.
type Role string

const (
	RoleReader Role = "reader"
	RoleWriter Role = "writer"
	RoleAdmin  Role = "admin"
)

var (
	// ErrInsufficientRole — роль субъекта не входит в набор допустимых.
	// Транспорт: HTTP 403. Допустимый набор безопасно раскрывать вызывающему.
	ErrInsufficientRole = errors.New("insufficient role")

	// ErrUnknownRole — строка не является известной ролью.
	ErrUnknownRole = errors.New("unknown role")
)

// rank задаёт тотальный порядок ролей.
var rank = map[Role]int{
	RoleReader: 1,
	RoleWriter: 2,
	RoleAdmin:  3,
}

// Parse разбирает строковое представление роли.
func Parse(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := rank[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}

	return r, nil
}

// Valid сообщает, что роль известна системе.
func (r Role) Valid() bool {
	_, ok := rank[r]
	return ok
}

// String возвращает строковое представление роли.
func (r Role) String() string {
	return string(r)
}

// Evaluate решает, покрывает ли фактическая роль требуемый набор.
//
// Правила:
//   - пустой required — достаточно самой аутентификации, доступ разрешён;
//   - admin проходит всегда;
//   - иначе доступ разрешён, если в required есть роль с рангом
//     не выше фактической (старшая роль наследует права младших).
//
// При отказе возвращается ErrInsufficientRole с перечислением ролей,
// которые были бы приняты.
func Evaluate(actual Role, required []Role) error {
	if !actual.Valid() {
		return fmt.Errorf("%w: accepted %s", ErrInsufficientRole, formatSet(required))
	}

	if len(required) == 0 {
		return nil
	}

	if actual == RoleAdmin {
		return nil
	}

	for _, want := range required {
		if !want.Valid() {
			continue
		}

		if rank[want] <= rank[actual] {
			return nil
		}
	}

	return fmt.Errorf("%w: accepted %s", ErrInsufficientRole, formatSet(required))
}

// formatSet форматирует набор ролей для сообщения об отказе.
func formatSet(rs []Role) string {
	if len(rs) == 0 {
		return "[any authenticated]"
	}

	parts := make([]string, 0, len(rs))
	for _, r := range rs {
		parts = append(parts, string(r))
	}

	return "[" + strings.Join(parts, ", ") + "]"
}
