// verifier проверяет входящие bearer-токены по удалённому набору
// публичных ключей (JWKS). Набор ключей кэшируется библиотекой go-oidc:
// повторная загрузка на каждый запрос недопустима по задержке.
//
// Компонент чистый: проверяет подпись, issuer и audience, извлекает
// claims и ничего не мутирует. Любой дефект токена — отсутствующий или
// нетипизированный claim, плохая подпись, истёкший срок — схлопывается
// в общий ErrInvalidToken, чтобы не подсказывать атакующему причину.
package verifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"auth-service/internal/roles"
)

// ErrInvalidToken — токен не прошёл проверку (подпись/срок/claims).
// Транспорт: HTTP 401 без уточнения причины.
var ErrInvalidToken = errors.New("invalid or expired token")

// Identity — подтверждённая личность из access-токена.
type Identity struct {
	Subject string
	Email   string
	Role    roles.Role
}

// Verifier проверяет access-токены, выпущенные удалённым сервисом.
type Verifier struct {
	verifier *oidc.IDTokenVerifier
}

// New создаёт Verifier поверх удалённого JWKS.
// Сетевых запросов здесь нет: ключи будут загружены при первой проверке
// и затем переиспользованы (кэш внутри oidc.RemoteKeySet).
func New(ctx context.Context, jwksURL, issuer, audience string) *Verifier {
	keySet := oidc.NewRemoteKeySet(ctx, jwksURL)

	v := oidc.NewVerifier(issuer, keySet, &oidc.Config{
		ClientID: audience,
		SupportedSigningAlgs: []string{
			oidc.RS256, oidc.RS384, oidc.RS512,
		},
	})

	return &Verifier{verifier: v}
}

// rawClaims — форма claims, которую обязан нести access-токен.
type rawClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Verify проверяет токен и извлекает личность.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (*Identity, error) {
	const op = "verifier.Verify"

	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	if token.Subject == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	var claims rawClaims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	if claims.Email == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	role, err := roles.Parse(claims.Role)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidToken)
	}

	return &Identity{
		Subject: token.Subject,
		Email:   claims.Email,
		Role:    role,
	}, nil
}
