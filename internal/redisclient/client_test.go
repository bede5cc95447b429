package redisclient

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"checkout-engine/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *Client {
	t.Helper()
	if testing.Short() {
		t.Skip("Integration test - requires redis")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)

	client, err := NewClient(host+":"+port.Port(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestIdempotencyLifecycle(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()
	key := uuid.NewString()

	rec, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, rec)

	ok, err := c.Claim(ctx, key, "hash-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Claim(ctx, key, "hash-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	rec, err = c.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.IdempotencyInProgress, rec.Status)
	assert.Equal(t, "hash-a", rec.RequestHash)

	stored, err := c.Complete(ctx, key, 201, []byte(`{"order_id":9}`), time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)

	rec, err = c.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.IdempotencyCompleted, rec.Status)
	assert.Equal(t, 201, rec.ResponseStatus)
	assert.JSONEq(t, `{"order_id":9}`, string(rec.ResponseBody))
	assert.True(t, rec.ExpiresAt.After(time.Now().Add(50*time.Minute)))

	// Completed keys survive a release.
	require.NoError(t, c.Release(ctx, key))
	rec, err = c.Get(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestReleaseAllowsReclaim(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()
	key := uuid.NewString()

	ok, err := c.Claim(ctx, key, "h", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Release(ctx, key))

	ok, err = c.Claim(ctx, key, "h", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCompleteAfterExpiryReportsMissingClaim(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()
	key := uuid.NewString()

	ok, err := c.Claim(ctx, key, "h", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(150 * time.Millisecond)
	stored, err := c.Complete(ctx, key, 200, []byte("{}"), time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	c := setupRedis(t)
	ctx := context.Background()
	key := uuid.NewString()

	var wg sync.WaitGroup
	var winners int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.Claim(ctx, key, "h", time.Minute)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt64(&winners, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), winners)
}
