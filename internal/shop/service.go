// Package shop 商铺读写路径：读走缓存（两种策略都有入口），
// 写路径先更新数据库再删缓存。
package shop

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"localdeals/internal/cache"
	"localdeals/internal/model"
	rediskey "localdeals/pkg/redis"
)

const (
	cacheTTL = 30 * time.Minute
	nullTTL  = 2 * time.Minute
)

type Service struct {
	db    *gorm.DB
	cache *cache.Manager
}

func NewService(db *gorm.DB, cm *cache.Manager) *Service {
	return &Service{db: db, cache: cm}
}

func (s *Service) loadShop(id uint) func(context.Context) (*model.Shop, error) {
	return func(ctx context.Context) (*model.Shop, error) {
		var sh model.Shop
		if err := s.db.WithContext(ctx).First(&sh, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return &sh, nil
	}
}

// GetByID 常规查询：pass-through 策略，空值缓存防穿透。
func (s *Service) GetByID(ctx context.Context, id uint) (*model.Shop, error) {
	sh, err := cache.GetWithPassThrough(ctx, s.cache,
		rediskey.ShopCacheKey(id), rediskey.ShopLockKey(id),
		cacheTTL, nullTTL, s.loadShop(id))
	if err != nil {
		return nil, err
	}
	if sh == nil {
		return nil, model.ErrNotFound
	}
	return sh, nil
}

// GetHotByID 热点查询：logical-expire 策略，过期也先返回旧值。
// 要求先通过 Warm 预热，未预热的 key 按不存在处理。
func (s *Service) GetHotByID(ctx context.Context, id uint, validFor time.Duration) (*model.Shop, error) {
	sh, err := cache.GetWithLogicalExpire(ctx, s.cache,
		rediskey.ShopCacheKey(id), rediskey.ShopLockKey(id),
		validFor, s.loadShop(id))
	if err != nil {
		return nil, err
	}
	if sh == nil {
		return nil, model.ErrNotFound
	}
	return sh, nil
}

// Warm 把商铺以逻辑过期方式预热进缓存（管理操作）。
func (s *Service) Warm(ctx context.Context, id uint, validFor time.Duration) error {
	sh, err := s.loadShop(id)(ctx)
	if err != nil {
		return err
	}
	if sh == nil {
		return model.ErrNotFound
	}
	return s.cache.SetLogical(ctx, rediskey.ShopCacheKey(id), sh, validFor)
}

// Create 新建商铺。
func (s *Service) Create(ctx context.Context, sh *model.Shop) error {
	return s.db.WithContext(ctx).Create(sh).Error
}

// Update 更新商铺：先库后缓存删除，下次读重建。
func (s *Service) Update(ctx context.Context, sh *model.Shop) error {
	if sh.ID == 0 {
		return model.ErrNotFound
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Shop{}).Where("id = ?", sh.ID).
			Updates(map[string]any{
				"name":      sh.Name,
				"address":   sh.Address,
				"avg_price": sh.AvgPrice,
				"score":     sh.Score,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.cache.Delete(ctx, rediskey.ShopCacheKey(sh.ID))
}
