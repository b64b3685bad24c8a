package router

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"localdeals/internal/cache"
	"localdeals/internal/config"
	"localdeals/internal/middleware"
	"localdeals/internal/model"
	"localdeals/internal/seckill"
	"localdeals/internal/shop"
)

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, db *gorm.DB, rdb *rd.Client,
	shops *shop.Service, coord *seckill.Coordinator, cfg config.AppConfig) {

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	// Shops
	r.POST("/api/shops", createShop(shops))
	r.GET("/api/shops/:id", getShop(shops))
	r.GET("/api/shops/:id/hot", getHotShop(shops, cfg.HotShopTTL))
	r.PUT("/api/shops/:id", updateShop(shops))
	r.POST("/api/shops/:id/warm", warmShop(shops, cfg.AdminToken, cfg.HotShopTTL))

	// Vouchers / seckill
	r.GET("/api/vouchers", listVouchers(db))
	r.POST("/api/vouchers", createVoucher(db))
	r.POST("/api/vouchers/:id/preload", preloadStock(coord, cfg.AdminToken, cfg.StockCacheTTL))
	r.GET("/api/vouchers/:id/stock", getStock(coord))
	r.POST("/api/vouchers/:id/seckill",
		middleware.RedisRateLimit(rdb, cfg.BuyRateLimit, cfg.BuyRateWindow),
		seckillVoucher(coord))

	// Orders
	r.GET("/api/orders/:order_id", getOrder(db))
}

// renderError 把业务错误映射为统一响应结构。
func renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "资源不存在"})
	case errors.Is(err, model.ErrWindowNotOpen):
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "秒杀尚未开始"})
	case errors.Is(err, model.ErrWindowClosed):
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "秒杀已经结束"})
	case errors.Is(err, model.ErrSoldOut):
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "库存不足"})
	case errors.Is(err, model.ErrDuplicatePurchase):
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "您已购买过此券，不能再次购买"})
	case errors.Is(err, model.ErrSystemBusy), errors.Is(err, cache.ErrLockTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": 503, "msg": "当前业务繁忙，请稍后再试"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
	}
}

func parseUintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": name + " 无效"})
		return 0, false
	}
	return uint(v), true
}

// createShop 新建商铺。
func createShop(shops *shop.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Name     string `json:"name" binding:"required"`
			Address  string `json:"address"`
			AvgPrice int64  `json:"avg_price" binding:"omitempty,min=0"`
			Score    int    `json:"score" binding:"omitempty,min=0,max=50"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		sh := &model.Shop{Name: req.Name, Address: req.Address, AvgPrice: req.AvgPrice, Score: req.Score}
		if err := shops.Create(c.Request.Context(), sh); err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": sh})
	}
}

// getShop pass-through 缓存读商铺。
func getShop(shops *shop.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUintParam(c, "id")
		if !ok {
			return
		}
		sh, err := shops.GetByID(c.Request.Context(), id)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": sh})
	}
}

// getHotShop 逻辑过期缓存读（需先预热）。
func getHotShop(shops *shop.Service, validFor time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUintParam(c, "id")
		if !ok {
			return
		}
		sh, err := shops.GetHotByID(c.Request.Context(), id, validFor)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": sh})
	}
}

// updateShop 更新商铺并删除缓存。
func updateShop(shops *shop.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUintParam(c, "id")
		if !ok {
			return
		}
		var req struct {
			Name     string `json:"name" binding:"required"`
			Address  string `json:"address"`
			AvgPrice int64  `json:"avg_price" binding:"omitempty,min=0"`
			Score    int    `json:"score" binding:"omitempty,min=0,max=50"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		sh := &model.Shop{Name: req.Name, Address: req.Address, AvgPrice: req.AvgPrice, Score: req.Score}
		sh.ID = id
		if err := shops.Update(c.Request.Context(), sh); err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "更新成功"})
	}
}

// warmShop 管理接口：以逻辑过期方式预热商铺缓存。
func warmShop(shops *shop.Service, adminToken string, validFor time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != adminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		id, ok := parseUintParam(c, "id")
		if !ok {
			return
		}
		if err := shops.Warm(c.Request.Context(), id, validFor); err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
	}
}

// listVouchers 查询代金券列表。
func listVouchers(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var list []model.Voucher
		if err := db.WithContext(c.Request.Context()).Find(&list).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": list})
	}
}

// createVoucher 创建秒杀代金券（含时间窗校验）。
func createVoucher(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Title     string `json:"title" binding:"required"`
			Stock     int64  `json:"stock" binding:"required,min=1"`
			Price     int64  `json:"price" binding:"required,min=1"`
			BeginTime string `json:"begin_time" binding:"required"`
			EndTime   string `json:"end_time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		begin, err := time.Parse(time.RFC3339, req.BeginTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "begin_time 格式错误，请用 RFC3339"})
			return
		}
		end, err := time.Parse(time.RFC3339, req.EndTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 格式错误，请用 RFC3339"})
			return
		}
		if !end.After(begin) {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "end_time 必须晚于 begin_time"})
			return
		}
		v := &model.Voucher{
			Title:     req.Title,
			Stock:     req.Stock,
			Price:     req.Price,
			BeginTime: begin,
			EndTime:   end,
		}
		if err := db.WithContext(c.Request.Context()).Create(v).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": v})
	}
}

// preloadStock 将 DB 库存预热到 Redis，供高并发扣减。
// 该接口要求简单管理员 token，避免被任意调用重置库存。
func preloadStock(coord *seckill.Coordinator, adminToken string, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("X-Admin-Token") != adminToken {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 401, "msg": "admin token 无效"})
			return
		}
		id, ok := parseUintParam(c, "id")
		if !ok {
			return
		}
		if err := coord.PreloadStock(c.Request.Context(), id, ttl); err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
	}
}

// getStock 查询 Redis 中的实时库存。
func getStock(coord *seckill.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUintParam(c, "id")
		if !ok {
			return
		}
		val, err := coord.LiveStock(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"stock": val}})
	}
}

// seckillVoucher 秒杀下单入口。成功返回的订单号表示「预占成功」，
// 落库由物化器异步完成，可用 /api/orders/:order_id 查询。
func seckillVoucher(coord *seckill.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUintParam(c, "id")
		if !ok {
			return
		}
		var req struct {
			UserID int64 `json:"user_id" binding:"required,min=1"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		orderID, err := coord.Purchase(c.Request.Context(), id, req.UserID)
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{
				"order_id": strconv.FormatInt(orderID, 10),
				"status":   "reserved",
			},
		})
	}
}

// getOrder 查询订单是否已经持久化。
// 未查到不代表失败：可能仍在队列里等待物化。
func getOrder(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID, err := strconv.ParseInt(c.Param("order_id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "order_id 无效"})
			return
		}
		var order model.VoucherOrder
		dbErr := db.WithContext(c.Request.Context()).First(&order, orderID).Error
		if dbErr != nil {
			if errors.Is(dbErr, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusOK, gin.H{
					"code": 0,
					"data": gin.H{"status": "reserved", "order_id": c.Param("order_id")},
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": dbErr.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"code": 0,
			"data": gin.H{"status": "confirmed", "order": order},
		})
	}
}
