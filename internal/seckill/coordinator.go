// Package seckill 实现秒杀下单：Redis Lua 原子判库存 + 一人一单，
// 热路径不碰数据库，持久化交给单消费者物化器异步回放。
package seckill

import (
	"context"
	"errors"
	"fmt"
	"time"

	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"localdeals/internal/cache"
	"localdeals/internal/model"
	rediskey "localdeals/pkg/redis"
)

// luaReserve：一次往返完成「一人一单判断 → 库存判断 → 扣减+记名」。
// KEYS[1]=库存key，KEYS[2]=已购集合key；ARGV[1]=券id，ARGV[2]=用户id
// 返回 0=成功 1=库存不足 2=重复购买
const luaReserve = `
local stockKey = KEYS[1]
local orderSetKey = KEYS[2]
local userId = ARGV[2]
if redis.call('SISMEMBER', orderSetKey, userId) == 1 then
  return 2
end
if tonumber(redis.call('GET', stockKey) or '0') <= 0 then
  return 1
end
redis.call('DECRBY', stockKey, 1)
redis.call('SADD', orderSetKey, userId)
return 0
`

// luaRollbackReserve 原子撤销一次已通过的预占（入队失败时用）。
const luaRollbackReserve = `
redis.call('INCRBY', KEYS[1], 1)
redis.call('SREM', KEYS[2], ARGV[1])
return 1
`

const (
	reserveOK        = 0
	reserveSoldOut   = 1
	reserveDuplicate = 2
)

const (
	voucherCacheTTL  = 30 * time.Minute
	voucherNullTTL   = 2 * time.Minute
	rollbackDeadline = 3 * time.Second
)

// Coordinator 是秒杀下单入口。pending 队列由它创建并持有，
// Close 后不再接受新订单，物化器把剩余订单排空。
type Coordinator struct {
	db      *gorm.DB
	rdb     *rd.Client
	cache   *cache.Manager
	ids     *IDWorker
	pending chan model.VoucherOrder
	log     zerolog.Logger
}

func NewCoordinator(db *gorm.DB, rdb *rd.Client, cm *cache.Manager, ids *IDWorker,
	queueCap int, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		db:      db,
		rdb:     rdb,
		cache:   cm,
		ids:     ids,
		pending: make(chan model.VoucherOrder, queueCap),
		log:     log,
	}
}

// Pending 暴露待物化订单队列，由唯一的 Materializer 消费。
func (c *Coordinator) Pending() <-chan model.VoucherOrder { return c.pending }

// Close 关闭队列；只应在 HTTP 入口停止后调用。
func (c *Coordinator) Close() { close(c.pending) }

// Purchase 处理一次抢购请求，成功返回订单号。
// 返回的订单号语义是「预占成功」，持久化由物化器异步完成。
func (c *Coordinator) Purchase(ctx context.Context, voucherID uint, userID int64) (int64, error) {
	// 1. 券元数据走 pass-through 缓存读
	voucher, err := cache.GetWithPassThrough(ctx, c.cache,
		rediskey.VoucherCacheKey(voucherID), rediskey.VoucherLockKey(voucherID),
		voucherCacheTTL, voucherNullTTL,
		func(ctx context.Context) (*model.Voucher, error) {
			var v model.Voucher
			if err := c.db.WithContext(ctx).First(&v, voucherID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, nil
				}
				return nil, err
			}
			return &v, nil
		})
	if err != nil {
		if errors.Is(err, cache.ErrLockTimeout) {
			return 0, fmt.Errorf("%w: voucher cache contention", model.ErrSystemBusy)
		}
		return 0, fmt.Errorf("%w: %v", model.ErrSystemBusy, err)
	}
	if voucher == nil {
		return 0, model.ErrNotFound
	}

	// 2. 活动时间窗校验
	now := time.Now()
	if now.Before(voucher.BeginTime) {
		return 0, model.ErrWindowNotOpen
	}
	if now.After(voucher.EndTime) {
		return 0, model.ErrWindowClosed
	}

	// 3. Lua 原子预占：唯一一处检查并扣减库存的地方
	stockKey := rediskey.StockKey(voucherID)
	orderSetKey := rediskey.OrderSetKey(voucherID)
	res, err := c.rdb.Eval(ctx, luaReserve,
		[]string{stockKey, orderSetKey}, voucherID, userID).Int()
	if err != nil {
		// 脚本整体原子，失败不会留下半截状态；对外按系统繁忙处理
		return 0, fmt.Errorf("%w: %v", model.ErrSystemBusy, err)
	}
	switch res {
	case reserveSoldOut:
		return 0, model.ErrSoldOut
	case reserveDuplicate:
		return 0, model.ErrDuplicatePurchase
	case reserveOK:
	default:
		return 0, fmt.Errorf("%w: unexpected reserve result %d", model.ErrSystemBusy, res)
	}

	// 4. 生成时间有序订单号并非阻塞入队
	order := model.VoucherOrder{
		ID:        c.ids.Next(),
		UserID:    userID,
		VoucherID: voucherID,
		CreatedAt: now,
	}
	select {
	case c.pending <- order:
		return order.ID, nil
	default:
		// 队列满：库存已在 Redis 扣掉，必须原子回滚后再报繁忙
		c.rollbackReservation(voucherID, userID)
		return 0, fmt.Errorf("%w: order queue full", model.ErrSystemBusy)
	}
}

// rollbackReservation 撤销预占；失败只能记日志，留给运维对账。
func (c *Coordinator) rollbackReservation(voucherID uint, userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackDeadline)
	defer cancel()
	err := c.rdb.Eval(ctx, luaRollbackReserve,
		[]string{rediskey.StockKey(voucherID), rediskey.OrderSetKey(voucherID)},
		userID).Err()
	if err != nil {
		c.log.Error().Err(err).
			Uint("voucher_id", voucherID).
			Int64("user_id", userID).
			Msg("rollback reservation failed")
	}
}

// PreloadStock 把持久层库存预热到 Redis（管理操作）。
func (c *Coordinator) PreloadStock(ctx context.Context, voucherID uint, ttl time.Duration) error {
	var v model.Voucher
	if err := c.db.WithContext(ctx).First(&v, voucherID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.ErrNotFound
		}
		return err
	}
	return c.rdb.Set(ctx, rediskey.StockKey(voucherID), v.Stock, ttl).Err()
}

// LiveStock 查询 Redis 中的实时库存；key 缺失按 0 处理。
func (c *Coordinator) LiveStock(ctx context.Context, voucherID uint) (int64, error) {
	val, err := c.rdb.Get(ctx, rediskey.StockKey(voucherID)).Int64()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return val, nil
}
