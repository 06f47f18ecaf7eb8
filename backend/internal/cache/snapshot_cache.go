package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ot/operation"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
)

// SnapshotCache 在 version.SnapshotStore 前加一层 redis 读缓存。
// 读：缓存 → singleflight 回源 → 回填（不存在时写空值标记）；写：先落库再删缓存。
// redis 故障时直接读写底层存储。
type SnapshotCache struct {
	inner   version.SnapshotStore
	rdb     redis.UniversalClient
	sf      singleflight.Group
	baseTTL time.Duration
	jitter  time.Duration
	log     zerolog.Logger
}

var (
	_ version.SnapshotStore  = (*SnapshotCache)(nil)
	_ version.SnapshotPruner = (*SnapshotCache)(nil)
)

type SnapshotCacheOptions struct {
	BaseTTL time.Duration
	Jitter  time.Duration
	Logger  zerolog.Logger
}

func NewSnapshotCache(inner version.SnapshotStore, rdb redis.UniversalClient, opt SnapshotCacheOptions) *SnapshotCache {
	if opt.BaseTTL <= 0 {
		opt.BaseTTL = BaseTTL
		if opt.Jitter == 0 {
			opt.Jitter = Jitter
		}
	}
	return &SnapshotCache{
		inner:   inner,
		rdb:     rdb,
		baseTTL: opt.BaseTTL,
		jitter:  opt.Jitter,
		log:     opt.Logger,
	}
}

func (c *SnapshotCache) LoadLatestSnapshot(ctx context.Context, docID string) (*ot.DocumentState, error) {
	st, hit, err := c.readCache(ctx, docID)
	if err != nil {
		c.log.Warn().Err(err).Str("doc_id", docID).Msg("snapshot cache read failed, fallback to store")
	}
	if hit {
		return st, nil
	}

	v, err, _ := c.sf.Do(docID, func() (any, error) {
		st, err := c.inner.LoadLatestSnapshot(ctx, docID)
		if err != nil {
			return nil, err
		}
		c.writeCache(ctx, docID, st)
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	st, _ = v.(*ot.DocumentState)
	if st == nil {
		return nil, nil
	}
	// singleflight 的结果被多个调用方共享，各自拿一份拷贝
	out := *st
	out.Data = operation.Clone(st.Data)
	return &out, nil
}

func (c *SnapshotCache) StoreSnapshot(ctx context.Context, docID string, v *version.DocumentVersion) error {
	if err := c.inner.StoreSnapshot(ctx, docID, v); err != nil {
		return err
	}
	c.invalidate(ctx, docID)
	return nil
}

// UpdateSnapshotTags 缓存里只有文档内容，标签直接透传
func (c *SnapshotCache) UpdateSnapshotTags(ctx context.Context, docID, versionID string, labels []string) error {
	t, ok := c.inner.(version.SnapshotTagger)
	if !ok {
		return nil
	}
	return t.UpdateSnapshotTags(ctx, docID, versionID, labels)
}

func (c *SnapshotCache) DeleteSnapshots(ctx context.Context, docID string, ids []string) error {
	p, ok := c.inner.(version.SnapshotPruner)
	if !ok {
		return nil
	}
	if err := p.DeleteSnapshots(ctx, docID, ids); err != nil {
		return err
	}
	c.invalidate(ctx, docID)
	return nil
}

// readCache 返回 (state, hit, err)；空值标记算命中，state 为 nil
func (c *SnapshotCache) readCache(ctx context.Context, docID string) (*ot.DocumentState, bool, error) {
	raw, err := c.rdb.Get(ctx, snapshotKey(docID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if raw == nullSnapshotV {
		return nil, true, nil
	}
	var st ot.DocumentState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		// 坏数据当作未命中，回源后会被覆盖
		return nil, false, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return &st, true, nil
}

func (c *SnapshotCache) writeCache(ctx context.Context, docID string, st *ot.DocumentState) {
	var err error
	if st == nil {
		err = c.rdb.Set(ctx, snapshotKey(docID), nullSnapshotV, NullTTL).Err()
	} else {
		var b []byte
		if b, err = json.Marshal(st); err == nil {
			err = c.rdb.Set(ctx, snapshotKey(docID), b, randomTTL(c.baseTTL, c.jitter)).Err()
		}
	}
	if err != nil {
		c.log.Warn().Err(err).Str("doc_id", docID).Msg("snapshot cache write failed")
	}
}

func (c *SnapshotCache) invalidate(ctx context.Context, docID string) {
	if err := c.rdb.Del(ctx, snapshotKey(docID)).Err(); err != nil {
		c.log.Warn().Err(err).Str("doc_id", docID).Msg("snapshot cache invalidate failed")
	}
}
