package redis_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentscraper/scrapectl/internal/model"
	"github.com/agentscraper/scrapectl/internal/store"
	redisstore "github.com/agentscraper/scrapectl/internal/store/redis"
	"github.com/agentscraper/scrapectl/internal/store/storetest"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisURL  string
	redisErr  error
)

func startRedis(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	redisOnce.Do(func() {
		ctx := context.Background()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		}
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			redisErr = err
			return
		}
		host, err := c.Host(ctx)
		if err != nil {
			redisErr = err
			return
		}
		port, err := c.MappedPort(ctx, "6379")
		if err != nil {
			redisErr = err
			return
		}
		redisURL = fmt.Sprintf("redis://%s:%s/0", host, port.Port())
	})
	if redisErr != nil {
		t.Skipf("redis container not available: %v", redisErr)
	}
	return redisURL
}

func newStore(t *testing.T, url string) store.Store {
	t.Helper()
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	require.NoError(t, rdb.Ping(t.Context()).Err())
	// every test gets its own key space on the shared server
	return redisstore.New(rdb, "scrapectl-test-"+uuid.NewString())
}

func TestConformance(t *testing.T) {
	url := startRedis(t)
	storetest.Run(t, func(t *testing.T) store.Store {
		return newStore(t, url)
	})
}

func TestOpen(t *testing.T) {
	url := startRedis(t)
	s, err := redisstore.Open(t.Context(), url)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpen_Unavailable(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	_, err := redisstore.Open(ctx, "redis://127.0.0.1:1/0")
	require.ErrorIs(t, err, model.ErrStoreUnavailable)

	_, err = redisstore.Open(ctx, "mysql://localhost")
	require.Error(t, err)
	require.NotErrorIs(t, err, model.ErrStoreUnavailable)
}
