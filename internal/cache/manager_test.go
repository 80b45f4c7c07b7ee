package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/citerag/config"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	// 创建 miniredis 实例
	mr := miniredis.RunT(t)

	cfg := Config{
		Addr:       mr.Addr(),
		DefaultTTL: 1 * time.Minute,
		KeyPrefix:  "test:answer:",
	}

	manager, err := NewManager(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	return mr, manager
}

func TestNewManager_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewManager(Config{Addr: addr}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.CacheConfig{
		Addr:      "redis:6379",
		DB:        2,
		PoolSize:  7,
		TTL:       time.Hour,
		KeyPrefix: "x:",
	})
	assert.Equal(t, "redis:6379", cfg.Addr)
	assert.Equal(t, 2, cfg.DB)
	assert.Equal(t, 7, cfg.PoolSize)
	assert.Equal(t, time.Hour, cfg.DefaultTTL)
	assert.Equal(t, "x:", cfg.KeyPrefix)

	// 零值保留默认
	def := ConfigFrom(config.CacheConfig{Addr: "a:1"})
	assert.Equal(t, DefaultConfig().DefaultTTL, def.DefaultTTL)
	assert.Equal(t, DefaultConfig().KeyPrefix, def.KeyPrefix)
}

func TestManager_SetAndGet(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "test-key", "test-value", time.Minute))

	value, err := manager.Get(ctx, "test-key")
	require.NoError(t, err)
	assert.Equal(t, "test-value", value)
}

func TestManager_GetMiss(t *testing.T) {
	_, manager := setupTestRedis(t)

	value, err := manager.Get(context.Background(), "non-existent")
	assert.True(t, IsCacheMiss(err))
	assert.Empty(t, value)
}

func TestManager_DefaultTTL(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(2 * time.Minute)
	_, err := manager.Get(ctx, "k")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_JSON(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	type answer struct {
		Text      string   `json:"text"`
		Citations []string `json:"citations"`
	}
	in := answer{Text: "Employees get 20 days [1].", Citations: []string{"c1"}}
	require.NoError(t, manager.SetJSON(ctx, "json", in, 0))

	var out answer
	require.NoError(t, manager.GetJSON(ctx, "json", &out))
	assert.Equal(t, in, out)

	var miss answer
	assert.True(t, IsCacheMiss(manager.GetJSON(ctx, "absent", &miss)))
}

func TestManager_GetJSON_Corrupt(t *testing.T) {
	mr, manager := setupTestRedis(t)
	require.NoError(t, mr.Set("bad", "{not json"))

	var out map[string]any
	err := manager.GetJSON(context.Background(), "bad", &out)
	require.Error(t, err)
	assert.False(t, IsCacheMiss(err))
}

func TestManager_Delete(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "a", "1", 0))
	require.NoError(t, manager.Set(ctx, "b", "2", 0))
	require.NoError(t, manager.Delete(ctx, "a", "b"))
	assert.False(t, mr.Exists("a"))
	assert.False(t, mr.Exists("b"))

	// 空参数为空操作
	assert.NoError(t, manager.Delete(ctx))
}

func TestManager_Key(t *testing.T) {
	_, manager := setupTestRedis(t)

	k1 := manager.Key("tenant-a", "What is the leave policy?")
	k2 := manager.Key("tenant-a", "What is the leave policy?")
	k3 := manager.Key("tenant-b", "What is the leave policy?")
	// 分隔符防止拼接歧义
	k4 := manager.Key("tenant-aW", "hat is the leave policy?")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.NotEqual(t, k1, k4)
	assert.True(t, strings.HasPrefix(k1, "test:answer:"))
	assert.NotContains(t, k1, "leave")
	assert.Len(t, strings.TrimPrefix(k1, "test:answer:"), 64)
}

func TestManager_InvalidatePrefix(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		require.NoError(t, manager.Set(ctx, manager.Key("t", string(rune('a'+i%26)), strings.Repeat("x", i)), "v", 0))
	}
	require.NoError(t, mr.Set("other:key", "keep"))

	n, err := manager.InvalidatePrefix(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150, n)
	assert.True(t, mr.Exists("other:key"))
}

func TestManager_Closed(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Ping(ctx))
	require.NoError(t, manager.Close())
	// 重复关闭安全
	require.NoError(t, manager.Close())

	_, err := manager.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.Set(ctx, "k", "v", 0), ErrClosed)
	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
}

func TestManager_HealthCheckLoopStops(t *testing.T) {
	mr := miniredis.RunT(t)
	manager, err := NewManager(Config{Addr: mr.Addr(), HealthCheckInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, manager.Close())
}
