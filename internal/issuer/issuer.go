// issuer реализует клиент удалённого сервиса выпуска access-токенов.
//
// Контракт внешнего сервиса: POST {endpoint} с заголовком x-api-key,
// JSON-тело {sub, email, name, role}, ответ {token: string}.
//
// Классификация отказов строгая и исчерпывающая:
//   - транспортная ошибка/таймаут            -> ErrUnavailable;
//   - HTTP >= 500                            -> ErrUnavailable;
//   - HTTP 4xx                               -> ErrRejected;
//   - 2xx, но Content-Type не JSON           -> ErrBadResponse;
//   - 2xx, JSON не парсится                  -> ErrBadResponse;
//   - 2xx, в теле нет непустого поля token   -> ErrBadResponse.
//
// Диагностика (статус, категория) пишется в серверный лог; наружу уходит
// только категория — детали инфраструктуры выпуска токенов не раскрываются.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"auth-service/internal/pkg/log"
	"auth-service/internal/roles"
)

var (
	// ErrUnavailable — сервис выпуска недоступен (сеть/таймаут/5xx).
	ErrUnavailable = errors.New("token issuer unavailable")
	// ErrRejected — сервис выпуска отклонил запрос (4xx).
	ErrRejected = errors.New("token generation rejected")
	// ErrBadResponse — успешный по статусу, но некорректный по форме ответ.
	ErrBadResponse = errors.New("invalid issuer response")
)

// maxBodySize ограничивает читаемое тело ответа.
const maxBodySize = 1 << 20

// Payload — данные подтверждённой личности для выпуска токена.
type Payload struct {
	Subject string
	Email   string
	Name    string
	Role    roles.Role
}

// Client — HTTP-клиент сервиса выпуска токенов.
type Client struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	http     *http.Client
}

// New создаёт клиент. Таймаут ограничивает каждый вызов Issue целиком;
// при истечении запрос отменяется через контекст.
func New(endpoint, apiKey string, timeout time.Duration) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		timeout:  timeout,
		http:     &http.Client{},
	}
}

type issueRequest struct {
	Sub   string `json:"sub"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

type issueResponse struct {
	Token string `json:"token"`
}

// Issue запрашивает подписанный access-токен для подтверждённой личности.
func (c *Client) Issue(ctx context.Context, p Payload) (string, error) {
	const op = "issuer.Issue"

	lg := log.From(ctx)

	body, err := json.Marshal(issueRequest{
		Sub:   p.Subject,
		Email: p.Email,
		Name:  p.Name,
		Role:  p.Role.String(),
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		lg.Error("issuer_transport_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return "", fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		lg.Error("issuer_upstream_failed",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
		)
		return "", fmt.Errorf("%s: %w", op, ErrUnavailable)
	case resp.StatusCode >= 400:
		lg.Error("issuer_request_rejected",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
		)
		return "", fmt.Errorf("%s: %w", op, ErrRejected)
	}

	if !isJSONContentType(resp.Header.Get("Content-Type")) {
		lg.Error("issuer_bad_content_type",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode),
			slog.String("content_type", resp.Header.Get("Content-Type")),
		)
		return "", fmt.Errorf("%s: %w", op, ErrBadResponse)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		lg.Error("issuer_body_read_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return "", fmt.Errorf("%s: %w", op, ErrUnavailable)
	}

	var parsed issueResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		lg.Error("issuer_body_parse_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return "", fmt.Errorf("%s: %w", op, ErrBadResponse)
	}

	if parsed.Token == "" {
		lg.Error("issuer_schema_invalid",
			slog.String("op", op),
		)
		return "", fmt.Errorf("%s: %w", op, ErrBadResponse)
	}

	return parsed.Token, nil
}

// isJSONContentType принимает application/json и любой */*+json медиатип.
func isJSONContentType(header string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}

	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
