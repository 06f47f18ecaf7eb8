package cache

import (
	"math/rand"
	"time"
)

const (
	BaseTTL       = 30 * time.Minute // 快照缓存基础过期时间
	Jitter        = 5 * time.Minute  // 随机抖动范围
	NullTTL       = time.Minute      // 空值标记过期时间
	nullSnapshotV = "null"           // 空值标记，防止缓存穿透
)

// 获取随机TTL，防止缓存雪崩
func randomTTL(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	return base + time.Duration(rand.Int63n(int64(jitter)))
}
