package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AppConfig 聚合运行时配置，尽量通过环境变量注入，避免硬编码。
type AppConfig struct {
	HTTPAddr string
	DBPath   string

	RedisAddr string
	RedisDB   int

	// 待物化订单队列容量（有界，满即拒绝）
	QueueCapacity int

	// 抢购接口限流与库存/热点缓存策略
	BuyRateLimit  int
	BuyRateWindow time.Duration
	StockCacheTTL time.Duration
	HotShopTTL    time.Duration

	// 预热类接口的简单管理员令牌（demo 级别保护）
	AdminToken string

	// Kafka 死信 topic（可选，为空则只落日志）
	DeadLetterBrokers []string
	DeadLetterTopic   string
}

// Load 读取并校验配置，缺失时使用默认值。
func Load() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		DBPath:            getEnv("DB_PATH", "localdeals.db"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:           0,
		QueueCapacity:     1 << 20,
		BuyRateLimit:      1000,
		BuyRateWindow:     time.Second,
		StockCacheTTL:     24 * time.Hour,
		HotShopTTL:        30 * time.Minute,
		AdminToken:        getEnv("ADMIN_TOKEN", "dev-admin-token"),
		DeadLetterBrokers: splitCSV(getEnv("DEAD_LETTER_BROKERS", "")),
		DeadLetterTopic:   getEnv("DEAD_LETTER_TOPIC", "localdeals-order-dead-letter"),
	}

	redisDB, err := getEnvInt("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.RedisDB = redisDB

	queueCap, err := getEnvInt("QUEUE_CAPACITY", cfg.QueueCapacity)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid QUEUE_CAPACITY: %w", err)
	}
	if queueCap <= 0 {
		return AppConfig{}, fmt.Errorf("QUEUE_CAPACITY must be > 0")
	}
	cfg.QueueCapacity = queueCap

	rateLimit, err := getEnvInt("BUY_RATE_LIMIT", cfg.BuyRateLimit)
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid BUY_RATE_LIMIT: %w", err)
	}
	if rateLimit <= 0 {
		return AppConfig{}, fmt.Errorf("BUY_RATE_LIMIT must be > 0")
	}
	cfg.BuyRateLimit = rateLimit

	rateWindowSec, err := getEnvInt("BUY_RATE_WINDOW_SEC", int(cfg.BuyRateWindow.Seconds()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid BUY_RATE_WINDOW_SEC: %w", err)
	}
	if rateWindowSec <= 0 {
		return AppConfig{}, fmt.Errorf("BUY_RATE_WINDOW_SEC must be > 0")
	}
	cfg.BuyRateWindow = time.Duration(rateWindowSec) * time.Second

	stockTTLHour, err := getEnvInt("STOCK_CACHE_TTL_HOUR", int(cfg.StockCacheTTL.Hours()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid STOCK_CACHE_TTL_HOUR: %w", err)
	}
	if stockTTLHour <= 0 {
		return AppConfig{}, fmt.Errorf("STOCK_CACHE_TTL_HOUR must be > 0")
	}
	cfg.StockCacheTTL = time.Duration(stockTTLHour) * time.Hour

	hotTTLMin, err := getEnvInt("HOT_SHOP_TTL_MIN", int(cfg.HotShopTTL.Minutes()))
	if err != nil {
		return AppConfig{}, fmt.Errorf("invalid HOT_SHOP_TTL_MIN: %w", err)
	}
	if hotTTLMin <= 0 {
		return AppConfig{}, fmt.Errorf("HOT_SHOP_TTL_MIN must be > 0")
	}
	cfg.HotShopTTL = time.Duration(hotTTLMin) * time.Minute

	if len(cfg.DeadLetterBrokers) > 0 && cfg.DeadLetterTopic == "" {
		return AppConfig{}, fmt.Errorf("DEAD_LETTER_TOPIC must not be empty when brokers are set")
	}

	return cfg, nil
}

// getEnv 读取字符串环境变量，若为空则返回默认值。
func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// getEnvInt 读取整数环境变量，若为空则返回默认值。
func getEnvInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	return strconv.Atoi(v)
}

// splitCSV 将逗号分隔字符串解析为字符串切片。
func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
