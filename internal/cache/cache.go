// Package cache 实现两种读缓存策略：
//   - pass-through：缓存空值防穿透，互斥锁防击穿，重试有上限
//   - logical expire：不设物理 TTL，过期后先返回旧值，后台异步重建
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"localdeals/internal/lock"
)

// ErrLockTimeout 表示等待他人重建缓存超过重试上限。
var ErrLockTimeout = errors.New("cache: rebuild lock timeout")

const (
	// nullMarker 缓存确认上游不存在的 key，短 TTL 防穿透。
	nullMarker = ""

	defaultRebuildAttempts = 10
	defaultRebuildDelay    = 50 * time.Millisecond

	rebuildLockTTL = 10 * time.Second
	refreshTimeout = 5 * time.Second

	refreshWorkers   = 2
	refreshQueueSize = 64
)

// envelope 是 logical-expire 策略的存储结构，新鲜度只看 ExpireAt。
type envelope struct {
	ExpireAt time.Time       `json:"expire_at"`
	Data     json.RawMessage `json:"data"`
}

// Manager 持有 Redis 客户端、互斥锁与后台刷新工作池。
// 工作池随 Manager 创建，Close 时排空退出。
type Manager struct {
	rdb    *rd.Client
	locker *lock.Locker
	log    zerolog.Logger

	// 重试参数导出给测试收紧；零值外不建议改小。
	RebuildAttempts int
	RebuildDelay    time.Duration

	tasks     chan func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewManager(rdb *rd.Client, locker *lock.Locker, log zerolog.Logger) *Manager {
	m := &Manager{
		rdb:             rdb,
		locker:          locker,
		log:             log,
		RebuildAttempts: defaultRebuildAttempts,
		RebuildDelay:    defaultRebuildDelay,
		tasks:           make(chan func(), refreshQueueSize),
	}
	for i := 0; i < refreshWorkers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for fn := range m.tasks {
				fn()
			}
		}()
	}
	return m
}

// Close 停止接收刷新任务并等待已入队任务完成。
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.tasks) })
	m.wg.Wait()
}

// Set 序列化对象并带物理 TTL 写入。
func (m *Manager) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, key, b, ttl).Err()
}

// SetLogical 以逻辑过期方式写入：不设物理 TTL，过期时间嵌在值里。
func (m *Manager) SetLogical(ctx context.Context, key string, v any, validFor time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	env := envelope{ExpireAt: time.Now().Add(validFor), Data: data}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, key, b, 0).Err()
}

// Delete 主动失效，配合「先更新库再删缓存」的写路径。
func (m *Manager) Delete(ctx context.Context, key string) error {
	return m.rdb.Del(ctx, key).Err()
}

// submit 非阻塞投递刷新任务；队列满返回 false，调用方应立即释放锁。
func (m *Manager) submit(fn func()) bool {
	select {
	case m.tasks <- fn:
		return true
	default:
		return false
	}
}

// GetWithPassThrough 读缓存，未命中时在互斥锁保护下回源重建。
//   - 命中空标记：直接返回 (nil, nil)，不打数据库
//   - 未命中且拿到锁：回源；查无此数据则写短 TTL 空标记
//   - 未命中且没拿到锁：等待固定间隔后从头重试，超过上限返回 ErrLockTimeout
//
// load 返回 (nil, nil) 表示上游不存在。
func GetWithPassThrough[T any](ctx context.Context, m *Manager, key, lockName string,
	ttl, nullTTL time.Duration, load func(context.Context) (*T, error)) (*T, error) {

	for attempt := 0; attempt < m.RebuildAttempts; attempt++ {
		raw, err := m.rdb.Get(ctx, key).Result()
		switch {
		case err == nil:
			if raw == nullMarker {
				return nil, nil
			}
			var v T
			if err := json.Unmarshal([]byte(raw), &v); err != nil {
				return nil, err
			}
			return &v, nil
		case !errors.Is(err, rd.Nil):
			return nil, err
		}

		lease, acquired, err := m.locker.TryLock(ctx, lockName, rebuildLockTTL)
		if err != nil {
			return nil, err
		}
		if acquired {
			v, err := rebuild(ctx, m, key, ttl, nullTTL, load)
			if rerr := lease.Release(ctx); rerr != nil {
				m.log.Warn().Err(rerr).Str("key", key).Msg("release rebuild lock")
			}
			return v, err
		}

		// 他人正在重建，让出一个间隔再整体重试。
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.RebuildDelay):
		}
	}
	return nil, ErrLockTimeout
}

// rebuild 回源并写回缓存，load 出错时不写任何值。
func rebuild[T any](ctx context.Context, m *Manager, key string,
	ttl, nullTTL time.Duration, load func(context.Context) (*T, error)) (*T, error) {

	// double check：读到 miss 和拿到锁之间，可能别人刚重建完
	raw, err := m.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if raw == nullMarker {
			return nil, nil
		}
		var v T
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, err
		}
		return &v, nil
	case !errors.Is(err, rd.Nil):
		return nil, err
	}

	v, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if err := m.rdb.Set(ctx, key, nullMarker, nullTTL).Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := m.Set(ctx, key, v, ttl); err != nil {
		return nil, err
	}
	return v, nil
}

// GetWithLogicalExpire 读逻辑过期缓存：
//   - key 不存在或格式损坏：返回 (nil, nil)，该策略假定热点 key 已预热
//   - 未过期：直接返回
//   - 已过期：尝试拿锁触发后台刷新，无论成败都立即返回旧值
//
// 调用方永远不会被回源 I/O 阻塞；锁只在后台任务里释放。
func GetWithLogicalExpire[T any](ctx context.Context, m *Manager, key, lockName string,
	validFor time.Duration, load func(context.Context) (*T, error)) (*T, error) {

	raw, err := m.rdb.Get(ctx, key).Result()
	if errors.Is(err, rd.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, nil
	}
	stale := decodePayload[T](env.Data)

	if time.Now().Before(env.ExpireAt) {
		return stale, nil
	}

	lease, acquired, err := m.locker.TryLock(ctx, lockName, rebuildLockTTL)
	if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("acquire refresh lock")
		return stale, nil
	}
	if acquired {
		submitted := m.submit(func() {
			rctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			defer cancel()
			defer func() {
				if rerr := lease.Release(rctx); rerr != nil {
					m.log.Warn().Err(rerr).Str("key", key).Msg("release refresh lock")
				}
			}()

			v, lerr := load(rctx)
			if lerr != nil {
				m.log.Error().Err(lerr).Str("key", key).Msg("cache refresh load")
				return
			}
			// 即使回源结果为空也写新 envelope：继续用旧值顶着，
			// 不把热点 key 翻转成空标记。
			if serr := m.SetLogical(rctx, key, v, validFor); serr != nil {
				m.log.Error().Err(serr).Str("key", key).Msg("cache refresh write")
			}
		})
		if !submitted {
			// 工作池已满，放弃本轮刷新，把锁还回去让下次读再触发。
			if rerr := lease.Release(ctx); rerr != nil {
				m.log.Warn().Err(rerr).Str("key", key).Msg("release refresh lock")
			}
		}
	}
	return stale, nil
}

func decodePayload[T any](data json.RawMessage) *T {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return &v
}
