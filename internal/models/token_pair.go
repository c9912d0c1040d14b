package models

import "time"

// TokenPair — пара токенов, выдаваемая при входе и обновлении сессии.
//
// Описание:
//   - AccessToken — подписанный токен, выпущенный удалённым сервисом;
//   - RefreshToken — случайный секрет для выпуска новой пары; на сервере
//     хранится только его хэш. Может быть пустым, если сохранить секрет
//     не удалось (вход при этом не считается ошибкой);
//   - RefreshExpiresAt — момент истечения refresh-секрета (UTC).
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	RefreshExpiresAt time.Time
}
