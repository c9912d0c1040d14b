package cache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Интеграционные тесты кэша refresh-секретов поверх реального Redis
// (testcontainers-go, образ redis:7-alpine).
//
// Запуск локально:
//   GO_TEST_INTEGRATION=1 go test ./internal/cache -v -race -count=1

func startRedis(t *testing.T) RefreshCache {
	t.Helper()
	if os.Getenv("GO_TEST_INTEGRATION") == "" {
		t.Skip("integration tests are disabled (set GO_TEST_INTEGRATION=1)")
	}

	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, _ := c.Host(ctx)
	port, _ := c.MappedPort(ctx, "6379/tcp")

	rc, err := NewRedisCache(fmt.Sprintf("redis://%s:%s/0", host, port.Port()), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}

// TestIntegration_SetGetDelete_RoundTrip — полный цикл записи/чтения/удаления.
func TestIntegration_SetGetDelete_RoundTrip(t *testing.T) {
	rc := startRedis(t)
	ctx := context.Background()

	entry := &RefreshEntry{
		UserID:    uuid.New(),
		ExpiresAt: time.Now().UTC().Add(time.Hour).Truncate(time.Second),
	}

	require.NoError(t, rc.Set(ctx, "hash-abc", entry, time.Hour))

	got, ok, err := rc.Get(ctx, "hash-abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry.UserID, got.UserID)
	// Точность хранения — секунды (unix).
	require.Equal(t, entry.ExpiresAt.Unix(), got.ExpiresAt.Unix())

	require.NoError(t, rc.Delete(ctx, "hash-abc"))

	_, ok, err = rc.Get(ctx, "hash-abc")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestIntegration_Get_MissIsNotAnError — промах не является ошибкой.
func TestIntegration_Get_MissIsNotAnError(t *testing.T) {
	rc := startRedis(t)

	_, ok, err := rc.Get(context.Background(), "no-such-hash")
	require.NoError(t, err)
	require.False(t, ok)
}

// TestIntegration_Set_TTLExpires — ключ исчезает по истечении TTL.
func TestIntegration_Set_TTLExpires(t *testing.T) {
	rc := startRedis(t)
	ctx := context.Background()

	entry := &RefreshEntry{UserID: uuid.New(), ExpiresAt: time.Now().UTC().Add(time.Second)}
	require.NoError(t, rc.Set(ctx, "hash-ttl", entry, time.Second))

	_, ok, err := rc.Get(ctx, "hash-ttl")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(1500 * time.Millisecond)

	_, ok, err = rc.Get(ctx, "hash-ttl")
	require.NoError(t, err)
	require.False(t, ok)
}
