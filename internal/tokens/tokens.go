// tokens содержит примитивы работы с opaque-секретами:
// генерацию, детерминированное хэширование (sha256), выделение
// индексируемого префикса и сравнение за постоянное время.
//
// Секреты высокоэнтропийные и одноразовые, поэтому здесь используется
// быстрый криптографический хэш, а не медленный парольный примитив.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// secretLen — длина случайной части секрета в байтах (до base64).
const secretLen = 32

// New генерирует новый opaque-секрет (base64url без паддинга).
func New() (string, error) {
	const op = "tokens.New"

	b := make([]byte, secretLen)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Hash возвращает base64url(sha256(plain)) — ключ хранения секрета.
func Hash(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Prefix возвращает первые n символов открытого секрета.
// Длина n должна совпадать с шириной колонки token_prefix в БД;
// соответствие проверяется при старте сервиса.
func Prefix(plain string, n int) string {
	if n <= 0 {
		return ""
	}

	if len(plain) < n {
		return plain
	}

	return plain[:n]
}

// Match сравнивает два хэша за постоянное время.
// Никогда не использовать обычное сравнение строк для секретов:
// раннее расхождение байтов наблюдаемо по времени ответа.
func Match(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
