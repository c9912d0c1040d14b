// transport/http содержит тонкий HTTP-адаптер auth-ядра.
// Здесь выполняется только маппинг данных и ошибок доменного слоя (service)
// в HTTP. Вся валидация и бизнес-логика находятся в пакете service.
//
// Принципы:
//   - Контекст запроса прокидывается в сервис без потерь;
//   - Ошибки сервиса явно транслируются в пары (HTTP-статус, машинный код):
//   - ErrInvalidEmail/ErrWeakPassword/ErrEmptyPassword/ErrInvalidDisplayName -> 400;
//   - ErrEmailTaken -> 409;
//   - ErrInvalidCredentials/ErrAuthenticationFailed -> 401;
//   - ErrEmailNotVerified -> 403;
//   - ErrInvalidVerificationToken/ErrVerificationTokenExpired -> 400 (коды различимы);
//   - ErrAuthServiceUnavailable -> 503;
//   - ErrTokenGenerationFailed/ErrInvalidUpstreamResponse -> 502;
//   - иные ошибки -> 500 c единым безопасным сообщением.
//
// Безопасность:
//   - В ответах нет стеков, сырых ошибок БД и деталей сервиса выпуска
//     токенов; подробности остаются в серверных логах.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"auth-service/internal/service"
	"auth-service/internal/verifier"
)

// ErrorResponse — стандартный формат ошибки для клиента:
// стабильный машинный код плюс человекочитаемое сообщение.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server — HTTP-адаптер auth-сервиса.
type Server struct {
	service  *service.Service
	verifier *verifier.Verifier
}

// NewServer создаёт HTTP-адаптер поверх сервисного слоя.
func NewServer(svc *service.Service, v *verifier.Verifier) *Server {
	return &Server{service: svc, verifier: v}
}

// NewRouter собирает echo-приложение с полным набором middleware и маршрутов.
func NewRouter(s *Server, logger *slog.Logger, timeout time.Duration) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(RequestLogger(logger))
	e.Use(Recover())
	e.Use(WithTimeout(timeout))

	auth := e.Group("/auth")
	auth.POST("/register", s.RegisterUser)
	auth.POST("/login", s.LoginUser)
	auth.POST("/verify-email", s.VerifyEmail)
	auth.POST("/resend-verification", s.ResendVerification)
	auth.POST("/refresh", s.RefreshToken)
	auth.GET("/me", s.Me, RequireRoles(s.verifier))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}

// mapping связывает доменную ошибку с HTTP-ответом.
type mapping struct {
	status int
	code   string
}

var errorTable = []struct {
	err error
	m   mapping
}{
	{service.ErrInvalidEmail, mapping{http.StatusBadRequest, "INVALID_EMAIL"}},
	{service.ErrWeakPassword, mapping{http.StatusBadRequest, "WEAK_PASSWORD"}},
	{service.ErrEmptyPassword, mapping{http.StatusBadRequest, "EMPTY_PASSWORD"}},
	{service.ErrInvalidDisplayName, mapping{http.StatusBadRequest, "INVALID_DISPLAY_NAME"}},
	{service.ErrEmailTaken, mapping{http.StatusConflict, "EMAIL_ALREADY_IN_USE"}},
	{service.ErrInvalidCredentials, mapping{http.StatusUnauthorized, "INVALID_CREDENTIALS"}},
	{service.ErrAuthenticationFailed, mapping{http.StatusUnauthorized, "AUTHENTICATION_FAILED"}},
	{service.ErrEmailNotVerified, mapping{http.StatusForbidden, "EMAIL_NOT_VERIFIED"}},
	{service.ErrInvalidVerificationToken, mapping{http.StatusBadRequest, "INVALID_VERIFICATION_TOKEN"}},
	{service.ErrVerificationTokenExpired, mapping{http.StatusBadRequest, "VERIFICATION_TOKEN_EXPIRED"}},
	{service.ErrAuthServiceUnavailable, mapping{http.StatusServiceUnavailable, "AUTH_SERVICE_UNAVAILABLE"}},
	{service.ErrTokenGenerationFailed, mapping{http.StatusBadGateway, "TOKEN_GENERATION_FAILED"}},
	{service.ErrInvalidUpstreamResponse, mapping{http.StatusBadGateway, "INVALID_UPSTREAM_RESPONSE"}},
}

// writeError переводит доменную ошибку в стандартный ответ.
func writeError(c echo.Context, err error) error {
	for _, entry := range errorTable {
		if errors.Is(err, entry.err) {
			return c.JSON(entry.m.status, ErrorResponse{
				Code:    entry.m.code,
				Message: entry.err.Error(),
			})
		}
	}

	return c.JSON(http.StatusInternalServerError, ErrorResponse{
		Code:    "INTERNAL_ERROR",
		Message: "internal server error",
	})
}
