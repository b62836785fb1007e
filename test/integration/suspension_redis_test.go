//go:build integration_tests
// +build integration_tests

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relaypath/pipeflow/internal/suspension"
)

// TestSuspensionRedisV9BackendRoundTrip exercises the real Redis-backed
// SuspensionStore backend (internal/suspension.RedisV9Backend) against a
// disposable Redis container, the same way the pack's multi-cluster
// integration test stands up Redis for its own backend tests.
func TestSuspensionRedisV9BackendRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, endpoint := startRedisContainer(t, ctx)
	defer container.Terminate(ctx)

	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	defer rdb.Close()

	backend := suspension.NewRedisV9Backend(rdb, "pipeflow:test:")
	store := suspension.New(100, backend)

	full := &suspension.Record{
		ExecutionID:    "exec-1",
		StructuralHash: "deadbeef",
		CreatedAt:      time.Now(),
		ProvidedInputs: map[string]interface{}{"x": float64(5)},
	}

	require.NoError(t, store.Upsert(full))

	got, ok := store.Get("exec-1")
	require.True(t, ok)
	require.Equal(t, "deadbeef", got.StructuralHash)
	require.Equal(t, float64(5), got.ProvidedInputs["x"])

	list := store.List()
	require.Len(t, list, 1)

	require.True(t, store.Delete("exec-1"))
	_, ok = store.Get("exec-1")
	require.False(t, ok)
}

func startRedisContainer(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	return container, endpoint
}
