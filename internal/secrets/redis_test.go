//go:build integration

package secrets_test

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olliecrow/quota_monitor/internal/secrets"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStoreLifecycle(t *testing.T) {
	client := newTestClient(t)
	prefix := "test:" + t.Name() + ":"
	store := secrets.NewRedisStore(client, secrets.NewPassphraseSealer("pw", secrets.WithArgon2Params(1, 1024, 1)), secrets.WithKeyPrefix(prefix))
	ctx := context.Background()
	t.Cleanup(func() { client.Del(context.Background(), prefix+"creds") })

	_, err := store.Get(ctx, "creds")
	require.ErrorIs(t, err, secrets.ErrNotFound)

	require.NoError(t, store.Set(ctx, "creds", []byte("token")))
	raw, err := client.Get(ctx, prefix+"creds").Bytes()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "token")

	got, err := store.Get(ctx, "creds")
	require.NoError(t, err)
	assert.Equal(t, "token", string(got))

	require.NoError(t, store.Delete(ctx, "creds"))
	_, err = store.Get(ctx, "creds")
	require.ErrorIs(t, err, secrets.ErrNotFound)
}
