package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
)

// 需要本地 redis 的测试在连不上时跳过
func localRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379", DB: 15})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() {
		_ = rdb.FlushDB(context.Background()).Err()
		_ = rdb.Close()
	})
	return rdb
}

// 指向一个不存在的端口，所有命令都会失败
func deadRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

type countingStore struct {
	mu      sync.Mutex
	state   *ot.DocumentState
	loads   atomic.Int32
	stored  []string
	deleted []string
	delay   time.Duration
}

func (s *countingStore) LoadLatestSnapshot(context.Context, string) (*ot.DocumentState, error) {
	s.loads.Add(1)
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil, nil
	}
	st := *s.state
	return &st, nil
}

func (s *countingStore) StoreSnapshot(_ context.Context, _ string, v *version.DocumentVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, v.ID)
	s.state = &ot.DocumentState{ID: v.DocumentID, Version: 1, Data: v.Data, LastModifiedBy: v.AuthorID}
	return nil
}

func (s *countingStore) DeleteSnapshots(_ context.Context, _ string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, ids...)
	return nil
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "presence:room:{trip-1}", roomKey("trip-1"))
	assert.Equal(t, "trip-1", docIDFromRoomKey(roomKey("trip-1")))
	assert.Equal(t, "", docIDFromRoomKey(namesKey("trip-1")))
	assert.Equal(t, "", docIDFromRoomKey("presence:room:"))
	assert.Equal(t, "presence:cursor:{trip-1}:u1", cursorKey("trip-1", "u1"))
}

func TestRandomTTL(t *testing.T) {
	for i := 0; i < 100; i++ {
		ttl := randomTTL(time.Minute, 10*time.Second)
		assert.GreaterOrEqual(t, ttl, time.Minute)
		assert.Less(t, ttl, time.Minute+10*time.Second)
	}
	assert.Equal(t, time.Minute, randomTTL(time.Minute, 0))
}

func TestSnapshotCacheFallsBackWhenRedisDown(t *testing.T) {
	inner := &countingStore{state: &ot.DocumentState{ID: "trip", Version: 1, Data: map[string]any{"title": "Kyoto"}}}
	c := NewSnapshotCache(inner, deadRedis(t), SnapshotCacheOptions{Logger: zerolog.Nop()})
	ctx := context.Background()

	st, err := c.LoadLatestSnapshot(ctx, "trip")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Kyoto"}, st.Data)

	require.NoError(t, c.StoreSnapshot(ctx, "trip", &version.DocumentVersion{ID: "v2", DocumentID: "trip", Data: map[string]any{"title": "Osaka"}}))
	require.NoError(t, c.DeleteSnapshots(ctx, "trip", []string{"v1"}))
	assert.Equal(t, []string{"v2"}, inner.stored)
	assert.Equal(t, []string{"v1"}, inner.deleted)

	st, err = c.LoadLatestSnapshot(ctx, "trip")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "Osaka"}, st.Data)
}

func TestSnapshotCacheReadThrough(t *testing.T) {
	rdb := localRedis(t)
	inner := &countingStore{state: &ot.DocumentState{ID: "trip", Version: 1, Data: map[string]any{"title": "Kyoto"}}}
	c := NewSnapshotCache(inner, rdb, SnapshotCacheOptions{Logger: zerolog.Nop()})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st, err := c.LoadLatestSnapshot(ctx, "trip")
		require.NoError(t, err)
		assert.Equal(t, "Kyoto", st.Data.(map[string]any)["title"])
	}
	assert.Equal(t, int32(1), inner.loads.Load())

	ttl, err := rdb.TTL(ctx, snapshotKey("trip")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, BaseTTL-time.Minute)

	// 写入后删除缓存，下一次读回源
	require.NoError(t, c.StoreSnapshot(ctx, "trip", &version.DocumentVersion{ID: "v2", DocumentID: "trip", Data: map[string]any{"title": "Osaka"}}))
	st, err := c.LoadLatestSnapshot(ctx, "trip")
	require.NoError(t, err)
	assert.Equal(t, "Osaka", st.Data.(map[string]any)["title"])
	assert.Equal(t, int32(2), inner.loads.Load())
}

func TestSnapshotCacheNullMarker(t *testing.T) {
	rdb := localRedis(t)
	inner := &countingStore{}
	c := NewSnapshotCache(inner, rdb, SnapshotCacheOptions{Logger: zerolog.Nop()})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st, err := c.LoadLatestSnapshot(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, st)
	}
	assert.Equal(t, int32(1), inner.loads.Load())

	raw, err := rdb.Get(ctx, snapshotKey("missing")).Result()
	require.NoError(t, err)
	assert.Equal(t, nullSnapshotV, raw)
}

func TestSnapshotCacheSingleflight(t *testing.T) {
	rdb := localRedis(t)
	inner := &countingStore{
		state: &ot.DocumentState{ID: "trip", Version: 1, Data: map[string]any{"title": "Kyoto"}},
		delay: 50 * time.Millisecond,
	}
	c := NewSnapshotCache(inner, rdb, SnapshotCacheOptions{Logger: zerolog.Nop()})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := c.LoadLatestSnapshot(context.Background(), "trip")
			assert.NoError(t, err)
			if assert.NotNil(t, st) {
				// 每个调用方拿到独立的拷贝
				st.Data.(map[string]any)["title"] = "mutated"
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), inner.loads.Load())
}

func TestPresence(t *testing.T) {
	rdb := localRedis(t)
	p := &redisPresence{rdb: rdb, now: time.Now}
	ctx := context.Background()

	require.NoError(t, p.AddMember(ctx, "trip", "u1", "Ann", time.Minute))
	require.NoError(t, p.AddMember(ctx, "trip", "u2", "Bob", time.Minute))
	require.NoError(t, p.AddMember(ctx, "trip", "u3", "Cid", -time.Minute)) // 已过期
	require.NoError(t, p.AddMember(ctx, "other", "u1", "Ann", time.Minute))

	members, err := p.GetAliveMembersWithNames(ctx, "trip")
	require.NoError(t, err)
	assert.ElementsMatch(t, []PresenceMember{{UserID: "u1", Username: "Ann"}, {UserID: "u2", Username: "Bob"}}, members)

	// 过期成员的名字也被清理
	n, err := rdb.HExists(ctx, namesKey("trip"), "u3").Result()
	require.NoError(t, err)
	assert.False(t, n)

	docs, err := p.GetDocuments(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "trip"}, docs)

	require.NoError(t, p.SetCursor(ctx, "trip", "u1", []byte(`{"path":"days[0]"}`), time.Minute))
	cur, err := p.GetCursor(ctx, "trip", "u1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"path":"days[0]"}`, string(cur))

	require.NoError(t, p.RemoveMember(ctx, "trip", "u1"))
	cur, err = p.GetCursor(ctx, "trip", "u1")
	require.NoError(t, err)
	assert.Nil(t, cur)
	members, err = p.GetAliveMembersWithNames(ctx, "trip")
	require.NoError(t, err)
	assert.Equal(t, []PresenceMember{{UserID: "u2", Username: "Bob"}}, members)
}
