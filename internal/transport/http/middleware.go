package http

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"auth-service/internal/pkg/log"
	"auth-service/internal/roles"
	"auth-service/internal/verifier"
)

// identityKey — ключ подтверждённой личности в контексте echo.
const identityKey = "auth.identity"

// RequestLogger обогащает контекст запроса логгером и пишет одну
// итоговую строку на запрос.
//
// Поведение:
//   - x-request-id берётся из заголовка, иначе генерируется UUID;
//   - обогащённый *slog.Logger кладётся в context (pkg/log), чтобы
//     быть доступным глубже по стеку;
//   - после обработчика пишется строка уровня Info: msg="http",
//     status=<код ответа>, dur=<время выполнения>.
//
// Логи не содержат чувствительных данных (только метод/путь/peer/request_id).
func RequestLogger(base *slog.Logger) echo.MiddlewareFunc {
	if base == nil {
		base = slog.Default()
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			rid := c.Request().Header.Get("x-request-id")
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Response().Header().Set("x-request-id", rid)

			l := base.With(
				slog.String("request_id", rid),
				slog.String("method", c.Request().Method),
				slog.String("path", c.Path()),
				slog.String("peer", c.RealIP()),
			)

			ctx := log.Into(c.Request().Context(), l)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				// Отдаём ошибку echo сейчас, чтобы залогировать итоговый статус.
				c.Error(err)
			}

			l.Info("http",
				slog.Int("status", c.Response().Status),
				slog.Duration("dur", time.Since(start)),
			)

			return nil
		}
	}
}

// Recover перехватывает паники в обработчиках, логирует их со стеком
// и отвечает клиенту нейтральной 500-й без внутренних деталей.
func Recover() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.From(c.Request().Context()).Error("panic_recovered",
						slog.String("path", c.Path()),
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)

					err = c.JSON(http.StatusInternalServerError, ErrorResponse{
						Code:    "INTERNAL_ERROR",
						Message: "internal server error",
					})
				}
			}()

			return next(c)
		}
	}
}

// WithTimeout ограничивает обработку запроса дедлайном, если его ещё нет.
func WithTimeout(d time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if d <= 0 {
				return next(c)
			}

			ctx := c.Request().Context()
			if _, ok := ctx.Deadline(); ok {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// RequireRoles проверяет bearer-токен по удалённому набору ключей и
// сверяет роль субъекта с требуемым набором. Пустой набор означает
// "достаточно аутентификации".
//
// Маппинг отказов:
//   - нет/не bearer/невалидный токен -> 401 INVALID_OR_EXPIRED_TOKEN;
//   - роль вне допустимого набора    -> 403 INSUFFICIENT_ROLE
//     (допустимый набор раскрывается — внутренностей ресурса он не выдаёт).
func RequireRoles(v *verifier.Verifier, required ...roles.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := bearerToken(c.Request())
			if !ok {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Code:    "INVALID_OR_EXPIRED_TOKEN",
					Message: verifier.ErrInvalidToken.Error(),
				})
			}

			identity, err := v.Verify(c.Request().Context(), raw)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Code:    "INVALID_OR_EXPIRED_TOKEN",
					Message: verifier.ErrInvalidToken.Error(),
				})
			}

			if err := roles.Evaluate(identity.Role, required); err != nil {
				return c.JSON(http.StatusForbidden, ErrorResponse{
					Code:    "INSUFFICIENT_ROLE",
					Message: err.Error(),
				})
			}

			c.Set(identityKey, identity)

			return next(c)
		}
	}
}

// IdentityFrom достаёт подтверждённую личность, положенную RequireRoles.
func IdentityFrom(c echo.Context) (*verifier.Identity, bool) {
	id, ok := c.Get(identityKey).(*verifier.Identity)
	return id, ok
}

// bearerToken извлекает токен из заголовка Authorization.
func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "

	header := r.Header.Get("Authorization")
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}

	return strings.TrimSpace(header[len(prefix):]), true
}
