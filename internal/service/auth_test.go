package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"auth-service/internal/cache"
	"auth-service/internal/config"
	"auth-service/internal/issuer"
	"auth-service/internal/models"
	"auth-service/internal/storage"
	"auth-service/internal/tokens"
	"auth-service/mocks"
)

func testCfg() config.AuthConfig {
	return config.AuthConfig{
		IssuerEndpoint:       "http://issuer.local/token",
		IssuerAPIKey:         "unit-key",
		IssuerTimeout:        5 * time.Second,
		BcryptCost:           4, // bcrypt.MinCost: быстрые юнит-тесты.
		VerificationTokenTTL: 24 * time.Hour,
		TokenPrefixLength:    8,
		CleanupInterval:      time.Hour,
		RefreshTokenTTL:      168 * time.Hour,
	}
}

// fakeIssuer — управляемая заглушка сервиса выпуска токенов.
type fakeIssuer struct {
	issue func(ctx context.Context, p issuer.Payload) (string, error)
}

func (f *fakeIssuer) Issue(ctx context.Context, p issuer.Payload) (string, error) {
	if f.issue == nil {
		return "signed-access-token", nil
	}
	return f.issue(ctx, p)
}

// fakeMailer запоминает открытые секреты, переданные на отправку.
type fakeMailer struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeMailer) SendVerificationEmail(_ context.Context, _, _, plainToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, plainToken)
	return f.err
}

func (f *fakeMailer) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// countingHasher — детерминированный хэшер с подсчётом сравнений.
// Свойство выравнивания времени проверяется количеством вызовов Compare,
// а не замером времени.
type countingHasher struct {
	mu       sync.Mutex
	compares int
}

func (h *countingHasher) Hash(password string) (string, error) {
	return "h:" + password, nil
}

func (h *countingHasher) Compare(hash, password string) bool {
	h.mu.Lock()
	h.compares++
	h.mu.Unlock()
	return hash == "h:"+password
}

func (h *countingHasher) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.compares
}

func newSvc(t *testing.T) (*Service, *mocks.MockStorage, *countingHasher, *fakeMailer, *gomock.Controller) {
	t.Helper()

	ctrl := gomock.NewController(t)
	st := mocks.NewMockStorage(ctrl)
	mailer := &fakeMailer{}

	svc, err := New(st, testCfg(), &fakeIssuer{}, mailer)
	require.NoError(t, err)

	hasher := &countingHasher{}
	svc.hasher = hasher
	svc.dummyHash = "h:\x00deliberately-unmatchable"
	svc.sleep = func(time.Duration) {}

	return svc, st, hasher, mailer, ctrl
}

func verifiedUser(email, password string) *models.User {
	return &models.User{
		ID:           uuid.New(),
		Email:        email,
		DisplayName:  "User",
		PasswordHash: "h:" + password,
		IsVerified:   true,
		Role:         "reader",
	}
}

func TestRegisterUser_OK(t *testing.T) {
	t.Parallel()

	svc, st, _, mailer, ctrl := newSvc(t)
	defer ctrl.Finish()

	ctx := context.Background()

	var savedUser *models.User
	var savedToken *models.VerificationToken

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, u *models.User) error {
			savedUser = u
			return nil
		})
	st.EXPECT().SaveVerificationToken(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, tok *models.VerificationToken) error {
			savedToken = tok
			return nil
		})

	uid, err := svc.RegisterUser(ctx, "User@Example.com", "Abcdef1!", "  Alice  ")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, uid)

	require.NotNil(t, savedUser)
	require.Equal(t, "user@example.com", savedUser.Email)
	require.Equal(t, "Alice", savedUser.DisplayName)
	require.False(t, savedUser.IsVerified)
	require.Equal(t, "reader", savedUser.Role.String())
	require.Equal(t, "h:Abcdef1!", savedUser.PasswordHash)

	// Хранится только хэш; открытый секрет ушёл в письмо.
	require.NotNil(t, savedToken)
	sent := mailer.tokens()
	require.Len(t, sent, 1)
	require.Equal(t, tokens.Hash(sent[0]), savedToken.TokenHash)
	require.Equal(t, tokens.Prefix(sent[0], 8), savedToken.TokenPrefix)
	require.Equal(t, savedUser.ID, savedToken.UserID)
}

func TestRegisterUser_InvalidInput(t *testing.T) {
	t.Parallel()

	svc, _, _, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	ctx := context.Background()

	_, err := svc.RegisterUser(ctx, "not-an-email", "Abcdef1!", "Alice")
	require.ErrorIs(t, err, ErrInvalidEmail)

	_, err = svc.RegisterUser(ctx, "u@e.com", "", "Alice")
	require.ErrorIs(t, err, ErrEmptyPassword)

	_, err = svc.RegisterUser(ctx, "u@e.com", "short", "Alice")
	require.ErrorIs(t, err, ErrWeakPassword)

	// Нет спецсимвола.
	_, err = svc.RegisterUser(ctx, "u@e.com", "Abcdefg1", "Alice")
	require.ErrorIs(t, err, ErrWeakPassword)

	_, err = svc.RegisterUser(ctx, "u@e.com", "Abcdef1!", "   ")
	require.ErrorIs(t, err, ErrInvalidDisplayName)
}

func TestRegisterUser_EmailTaken_OnLookup(t *testing.T) {
	t.Parallel()

	svc, st, _, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").
		Return(verifiedUser("user@example.com", "x"), nil)

	_, err := svc.RegisterUser(context.Background(), "user@example.com", "Abcdef1!", "Alice")
	require.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegisterUser_SaveUserRace_MapsToEmailTaken(t *testing.T) {
	t.Parallel()

	svc, st, _, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	// Гонка конкурентных регистраций: lookup прошёл, вставка упёрлась
	// в уникальный индекс.
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).Return(storage.ErrAlreadyExists)

	_, err := svc.RegisterUser(context.Background(), "user@example.com", "Abcdef1!", "Alice")
	require.ErrorIs(t, err, ErrEmailTaken)
}

func TestRegisterUser_TokenCollision_Retries(t *testing.T) {
	t.Parallel()

	svc, st, _, mailer, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).Return(nil)
	// Две коллизии хэша подряд, третья попытка успешна.
	st.EXPECT().SaveVerificationToken(gomock.Any(), gomock.Any()).Return(storage.ErrAlreadyExists).Times(2)
	st.EXPECT().SaveVerificationToken(gomock.Any(), gomock.Any()).Return(nil)

	_, err := svc.RegisterUser(context.Background(), "user@example.com", "Abcdef1!", "Alice")
	require.NoError(t, err)
	require.Len(t, mailer.tokens(), 1)
}

func TestRegisterUser_MailerFailure_DoesNotFail(t *testing.T) {
	t.Parallel()

	svc, st, _, mailer, ctrl := newSvc(t)
	defer ctrl.Finish()

	mailer.err = errors.New("smtp down")

	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(nil, storage.ErrNotFound)
	st.EXPECT().SaveUser(gomock.Any(), gomock.Any()).Return(nil)
	st.EXPECT().SaveVerificationToken(gomock.Any(), gomock.Any()).Return(nil)

	// Доставка best effort: токен сохранён, регистрация успешна.
	_, err := svc.RegisterUser(context.Background(), "user@example.com", "Abcdef1!", "Alice")
	require.NoError(t, err)
}

func TestLoginUser_OK(t *testing.T) {
	t.Parallel()

	svc, st, _, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := verifiedUser("user@example.com", "Abcdef1!")

	var savedHash string
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(user, nil)
	st.EXPECT().SetRefreshToken(gomock.Any(), user.ID, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, hash string, _ time.Time) error {
			savedHash = hash
			return nil
		})

	pair, uid, err := svc.LoginUser(context.Background(), "user@example.com", "Abcdef1!")
	require.NoError(t, err)
	require.Equal(t, user.ID, uid)
	require.Equal(t, "signed-access-token", pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	// В БД ушёл только хэш секрета.
	require.Equal(t, tokens.Hash(pair.RefreshToken), savedHash)
	require.NotEqual(t, pair.RefreshToken, savedHash)
}

func TestLoginUser_UnknownEmail_StillOneCompare(t *testing.T) {
	t.Parallel()

	svc, st, hasher, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().UserByEmail(gomock.Any(), "ghost@example.com").Return(nil, storage.ErrNotFound)

	_, _, err := svc.LoginUser(context.Background(), "ghost@example.com", "Abcdef1!")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	// Выравнивание времени: dummy-сравнение выполняется и когда
	// пользователя нет.
	require.Equal(t, 1, hasher.count())
}

func TestLoginUser_WrongPassword_OneCompare(t *testing.T) {
	t.Parallel()

	svc, st, hasher, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := verifiedUser("user@example.com", "Abcdef1!")
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(user, nil)

	_, _, err := svc.LoginUser(context.Background(), "user@example.com", "WRONG1!aA")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.Equal(t, 1, hasher.count())
}

func TestLoginUser_MalformedInput_OneCompare(t *testing.T) {
	t.Parallel()

	svc, _, hasher, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	// Невалидный e-mail и пустой пароль не должны быть отличимы от
	// прочих отказов ни по ошибке, ни по числу bcrypt-сравнений.
	_, _, err := svc.LoginUser(context.Background(), "bad", "Abcdef1!")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.Equal(t, 1, hasher.count())

	_, _, err = svc.LoginUser(context.Background(), "user@example.com", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.Equal(t, 2, hasher.count())
}

func TestLoginUser_MalformedUserRow(t *testing.T) {
	t.Parallel()

	svc, st, hasher, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	// Пустой хэш пароля в строке — отказ аутентификации, не паника.
	broken := verifiedUser("user@example.com", "Abcdef1!")
	broken.PasswordHash = ""
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(broken, nil)

	_, _, err := svc.LoginUser(context.Background(), "user@example.com", "Abcdef1!")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	require.Equal(t, 1, hasher.count())

	// Неизвестная роль — то же самое.
	badRole := verifiedUser("user@example.com", "Abcdef1!")
	badRole.Role = "superuser"
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(badRole, nil)

	_, _, err = svc.LoginUser(context.Background(), "user@example.com", "Abcdef1!")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginUser_EmailNotVerified(t *testing.T) {
	t.Parallel()

	svc, st, _, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := verifiedUser("user@example.com", "Abcdef1!")
	user.IsVerified = false
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(user, nil)

	_, _, err := svc.LoginUser(context.Background(), "user@example.com", "Abcdef1!")
	require.ErrorIs(t, err, ErrEmailNotVerified)
}

func TestLoginUser_IssuerErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		issuerErr error
		want      error
	}{
		{"unavailable", issuer.ErrUnavailable, ErrAuthServiceUnavailable},
		{"rejected", issuer.ErrRejected, ErrTokenGenerationFailed},
		{"bad_response", issuer.ErrBadResponse, ErrInvalidUpstreamResponse},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			svc, st, _, _, ctrl := newSvc(t)
			defer ctrl.Finish()

			svc.issuer = &fakeIssuer{issue: func(context.Context, issuer.Payload) (string, error) {
				return "", tc.issuerErr
			}}

			user := verifiedUser("user@example.com", "Abcdef1!")
			st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(user, nil)

			_, _, err := svc.LoginUser(context.Background(), "user@example.com", "Abcdef1!")
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLoginUser_RefreshPersistFailure_PairWithoutRefresh(t *testing.T) {
	t.Parallel()

	svc, st, _, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	user := verifiedUser("user@example.com", "Abcdef1!")
	st.EXPECT().UserByEmail(gomock.Any(), "user@example.com").Return(user, nil)
	st.EXPECT().SetRefreshToken(gomock.Any(), user.ID, gomock.Any(), gomock.Any()).
		Return(errors.New("db write failed"))

	// Вход состоялся: access-токен выдан, refresh-части нет.
	pair, uid, err := svc.LoginUser(context.Background(), "user@example.com", "Abcdef1!")
	require.NoError(t, err)
	require.Equal(t, user.ID, uid)
	require.Equal(t, "signed-access-token", pair.AccessToken)
	require.Empty(t, pair.RefreshToken)
}

func TestRefreshToken_OK_Rotates(t *testing.T) {
	t.Parallel()

	svc, st, _, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	oldPlain := "old-refresh-secret"
	oldHash := tokens.Hash(oldPlain)

	user := verifiedUser("user@example.com", "Abcdef1!")
	user.RefreshTokenHash = oldHash
	user.RefreshTokenExpiresAt = time.Now().UTC().Add(time.Hour)

	var newHash string
	st.EXPECT().UserByRefreshTokenHash(gomock.Any(), oldHash).Return(user, nil)
	st.EXPECT().SetRefreshToken(gomock.Any(), user.ID, gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, hash string, _ time.Time) error {
			newHash = hash
			return nil
		})

	pair, uid, err := svc.RefreshToken(context.Background(), oldPlain)
	require.NoError(t, err)
	require.Equal(t, user.ID, uid)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)

	// Ротация: сохранённый хэш сменился, прежний секрет недействителен.
	require.Equal(t, tokens.Hash(pair.RefreshToken), newHash)
	require.NotEqual(t, oldHash, newHash)
}

func TestRefreshToken_EmptyOrUnknown(t *testing.T) {
	t.Parallel()

	svc, st, _, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	_, _, err := svc.RefreshToken(context.Background(), "")
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	st.EXPECT().UserByRefreshTokenHash(gomock.Any(), gomock.Any()).Return(nil, storage.ErrNotFound)
	_, _, err = svc.RefreshToken(context.Background(), "unknown-secret")
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestRefreshToken_Expired_SameError(t *testing.T) {
	t.Parallel()

	svc, st, _, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	plain := "stale-refresh-secret"
	user := verifiedUser("user@example.com", "Abcdef1!")
	user.RefreshTokenHash = tokens.Hash(plain)
	user.RefreshTokenExpiresAt = time.Now().UTC().Add(-time.Minute)

	st.EXPECT().UserByRefreshTokenHash(gomock.Any(), tokens.Hash(plain)).Return(user, nil)

	// Просрочка неотличима от отсутствия.
	_, _, err := svc.RefreshToken(context.Background(), plain)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestRefreshToken_StorageError_Propagated(t *testing.T) {
	t.Parallel()

	svc, st, _, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	st.EXPECT().UserByRefreshTokenHash(gomock.Any(), gomock.Any()).
		Return(nil, errors.New("db down"))

	_, _, err := svc.RefreshToken(context.Background(), "secret")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrAuthenticationFailed)
}

// fakeRefreshCache — кэш в памяти для проверки инвалидации при ротации.
type fakeRefreshCache struct {
	mu      sync.Mutex
	entries map[string]*cache.RefreshEntry
}

func newFakeRefreshCache() *fakeRefreshCache {
	return &fakeRefreshCache{entries: map[string]*cache.RefreshEntry{}}
}

func (f *fakeRefreshCache) Get(_ context.Context, hash string) (*cache.RefreshEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[hash]
	return e, ok, nil
}

func (f *fakeRefreshCache) Set(_ context.Context, hash string, e *cache.RefreshEntry, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[hash] = e
	return nil
}

func (f *fakeRefreshCache) Delete(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, hash)
	return nil
}

func (f *fakeRefreshCache) Close() error { return nil }

func (f *fakeRefreshCache) has(hash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[hash]
	return ok
}

func TestRefreshToken_CacheHit_AndRotationInvalidates(t *testing.T) {
	t.Parallel()

	svc, st, _, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	rc := newFakeRefreshCache()
	svc.SetRefreshCache(rc)

	oldPlain := "cached-refresh-secret"
	oldHash := tokens.Hash(oldPlain)

	user := verifiedUser("user@example.com", "Abcdef1!")
	user.RefreshTokenHash = oldHash
	user.RefreshTokenExpiresAt = time.Now().UTC().Add(time.Hour)

	require.NoError(t, rc.Set(context.Background(), oldHash, &cache.RefreshEntry{
		UserID:    user.ID,
		ExpiresAt: user.RefreshTokenExpiresAt,
	}, time.Hour))

	// Попадание в кэш: поиск идёт через UserByID, запись всегда
	// перепроверяется против строки пользователя.
	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	st.EXPECT().SetRefreshToken(gomock.Any(), user.ID, gomock.Any(), gomock.Any()).Return(nil)

	pair, _, err := svc.RefreshToken(context.Background(), oldPlain)
	require.NoError(t, err)
	require.NotEmpty(t, pair.RefreshToken)

	// Старый ключ удалён, новый записан.
	require.False(t, rc.has(oldHash))
	require.True(t, rc.has(tokens.Hash(pair.RefreshToken)))
}

func TestRefreshToken_StaleCacheEntry_FallsBackToDB(t *testing.T) {
	t.Parallel()

	svc, st, _, _, ctrl := newSvc(t)
	defer ctrl.Finish()

	rc := newFakeRefreshCache()
	svc.SetRefreshCache(rc)

	plain := "rotated-away-secret"
	hash := tokens.Hash(plain)

	// В кэше осталась запись, но в строке пользователя уже другой хэш.
	user := verifiedUser("user@example.com", "Abcdef1!")
	user.RefreshTokenHash = tokens.Hash("some-newer-secret")
	user.RefreshTokenExpiresAt = time.Now().UTC().Add(time.Hour)

	require.NoError(t, rc.Set(context.Background(), hash, &cache.RefreshEntry{
		UserID:    user.ID,
		ExpiresAt: user.RefreshTokenExpiresAt,
	}, time.Hour))

	st.EXPECT().UserByID(gomock.Any(), user.ID).Return(user, nil)
	st.EXPECT().UserByRefreshTokenHash(gomock.Any(), hash).Return(nil, storage.ErrNotFound)

	_, _, err := svc.RefreshToken(context.Background(), plain)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestValidateEmail_Normalization(t *testing.T) {
	t.Parallel()

	got, err := validateEmail("  User@Example.COM  ")
	require.NoError(t, err)
	require.Equal(t, "user@example.com", got)

	_, err = validateEmail("")
	require.ErrorIs(t, err, ErrInvalidEmail)

	_, err = validateEmail("no-at-sign")
	require.ErrorIs(t, err, ErrInvalidEmail)
}
