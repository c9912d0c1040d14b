package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRequest — тело запроса регистрации.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// LoginRequest — тело запроса входа.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// VerifyEmailRequest — тело запроса погашения токена подтверждения.
type VerifyEmailRequest struct {
	Token string `json:"token"`
}

// ResendVerificationRequest — тело запроса повторной отправки письма.
type ResendVerificationRequest struct {
	Email string `json:"email"`
}

// RefreshRequest — тело запроса обновления пары токенов.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// AuthResponse — ответ входа/обновления.
type AuthResponse struct {
	UserID           string `json:"user_id"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresAt int64  `json:"refresh_expires_at,omitempty"`
}

// RegisterUser регистрирует пользователя и инициирует отправку
// письма с токеном подтверждения.
func (s *Server) RegisterUser(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_REQUEST_BODY",
			Message: "invalid request body",
		})
	}

	uid, err := s.service.RegisterUser(c.Request().Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusCreated, map[string]string{
		"user_id": uid.String(),
		"message": "verification email sent",
	})
}

// LoginUser аутентифицирует пользователя и возвращает пару токенов.
func (s *Server) LoginUser(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_REQUEST_BODY",
			Message: "invalid request body",
		})
	}

	pair, uid, err := s.service.LoginUser(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return writeError(c, err)
	}

	resp := AuthResponse{
		UserID:      uid.String(),
		AccessToken: pair.AccessToken,
	}
	if pair.RefreshToken != "" {
		resp.RefreshToken = pair.RefreshToken
		resp.RefreshExpiresAt = pair.RefreshExpiresAt.Unix()
	}

	return c.JSON(http.StatusOK, resp)
}

// VerifyEmail погашает токен подтверждения e-mail.
func (s *Server) VerifyEmail(c echo.Context) error {
	var req VerifyEmailRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_REQUEST_BODY",
			Message: "invalid request body",
		})
	}

	if err := s.service.VerifyEmail(c.Request().Context(), req.Token); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "email verified"})
}

// ResendVerification повторно отправляет письмо с токеном подтверждения.
// Ответ одинаков для любого исхода (анти-перебор адресов).
func (s *Server) ResendVerification(c echo.Context) error {
	var req ResendVerificationRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_REQUEST_BODY",
			Message: "invalid request body",
		})
	}

	if err := s.service.ResendVerification(c.Request().Context(), req.Email); err != nil {
		return writeError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]string{"message": "verification email sent"})
}

// RefreshToken обменивает refresh-секрет на новую пару токенов.
func (s *Server) RefreshToken(c echo.Context) error {
	var req RefreshRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Code:    "INVALID_REQUEST_BODY",
			Message: "invalid request body",
		})
	}

	pair, uid, err := s.service.RefreshToken(c.Request().Context(), req.RefreshToken)
	if err != nil {
		return writeError(c, err)
	}

	resp := AuthResponse{
		UserID:      uid.String(),
		AccessToken: pair.AccessToken,
	}
	if pair.RefreshToken != "" {
		resp.RefreshToken = pair.RefreshToken
		resp.RefreshExpiresAt = pair.RefreshExpiresAt.Unix()
	}

	return c.JSON(http.StatusOK, resp)
}

// Me возвращает личность из проверенного access-токена.
// Служит примером защищённой ручки поверх RequireRoles.
func (s *Server) Me(c echo.Context) error {
	identity, ok := IdentityFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Code:    "INVALID_OR_EXPIRED_TOKEN",
			Message: "invalid or expired token",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"user_id": identity.Subject,
		"email":   identity.Email,
		"role":    identity.Role.String(),
	})
}
