// Package lock 提供基于 Redis SETNX 的互斥锁。
// 锁值 = 进程唯一前缀 + 本次获取序号，释放时比对锁值，避免误删他人锁。
package lock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

const keyPrefix = "lock:"

// luaReleaseIfMatch 仅当锁值与持有者 token 一致时才删除。
// 防止持有者 TTL 过期后、锁已被他人重新获取时发生误删。
const luaReleaseIfMatch = `
local lockKey = KEYS[1]
local token = ARGV[1]
if redis.call('GET', lockKey) == token then
  return redis.call('DEL', lockKey)
end
return 0
`

// Locker 发放互斥锁。token 前缀在进程生命周期内只生成一次。
type Locker struct {
	rdb    *rd.Client
	prefix string
	seq    atomic.Int64
}

func NewLocker(rdb *rd.Client) *Locker {
	return &Locker{
		rdb:    rdb,
		prefix: uuid.NewString() + "-",
	}
}

// Lease 代表一次成功获取的锁，只有它能释放对应的锁记录。
type Lease struct {
	rdb   *rd.Client
	key   string
	token string
}

// TryLock 单次尝试获取名为 name 的锁，不阻塞、不重试（重试策略归调用方）。
// acquired=false 且 err=nil 表示锁被他人持有。
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	key := keyPrefix + name
	token := fmt.Sprintf("%s%d", l.prefix, l.seq.Add(1))
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lease{rdb: l.rdb, key: key, token: token}, true, nil
}

// Release 安全释放锁：锁值不匹配时是 no-op。
func (le *Lease) Release(ctx context.Context) error {
	return le.rdb.Eval(ctx, luaReleaseIfMatch, []string{le.key}, le.token).Err()
}
