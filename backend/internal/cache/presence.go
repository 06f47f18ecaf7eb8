package cache

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	AddMember(ctx context.Context, docID, userID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, userID string) error
	GetDocuments(ctx context.Context) ([]string, error)
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID, userID string) ([]byte, error)
}

type PresenceMember struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// 具体实现：基于 redis 的 PresenceCache；单机与 cluster 客户端都可以
type redisPresence struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb, now: time.Now}
}

// 清理过期成员：score=expireAt（Unix 秒），expireAt <= now 视为过期
var sweepScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = namesKey(docID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember 加入房间；心跳时重复调用即可刷新 TTL
func (p *redisPresence) AddMember(ctx context.Context, docID, userID, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	expireAt := p.now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, username)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), userID)
	tx.Del(ctx, cursorKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

// GetDocuments 有在线成员记录的文档；cluster 下需要扫描每个主节点
func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	scan := func(ctx context.Context, c redis.UniversalClient) error {
		iter := c.Scan(ctx, 0, roomPrefix+"*", 0).Iterator()
		for iter.Next(ctx) {
			if docID := docIDFromRoomKey(iter.Val()); docID != "" {
				mu.Lock()
				seen[docID] = struct{}{}
				mu.Unlock()
			}
		}
		return iter.Err()
	}

	var err error
	if cc, ok := p.rdb.(*redis.ClusterClient); ok {
		err = cc.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error { return scan(ctx, c) })
	} else {
		err = scan(ctx, p.rdb)
	}
	if err != nil {
		return nil, err
	}
	docs := make([]string, 0, len(seen))
	for d := range seen {
		docs = append(docs, d)
	}
	sort.Strings(docs)
	return docs, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

// GetCursor 光标不存在时返回 nil, nil
func (p *redisPresence) GetCursor(ctx context.Context, docID, userID string) ([]byte, error) {
	cursor, err := p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	now := p.now().Unix()

	// step1: 清理过期成员
	if err := sweepScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, id := range aliveIDs {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{UserID: id, Username: name})
	}
	return members, nil
}
