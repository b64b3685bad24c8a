package redis

import "fmt"

// ShopCacheKey is where a shop snapshot lives (either cache policy).
func ShopCacheKey(shopID uint) string {
	return fmt.Sprintf("cache:shop:%d", shopID)
}

// ShopLockKey names the lock guarding a shop cache rebuild/refresh.
func ShopLockKey(shopID uint) string {
	return fmt.Sprintf("shop:%d", shopID)
}

// VoucherCacheKey is where voucher metadata lives.
func VoucherCacheKey(voucherID uint) string {
	return fmt.Sprintf("cache:voucher:%d", voucherID)
}

// VoucherLockKey names the lock guarding a voucher cache rebuild.
func VoucherLockKey(voucherID uint) string {
	return fmt.Sprintf("voucher:%d", voucherID)
}

// StockKey holds the live stock counter for a voucher.
func StockKey(voucherID uint) string {
	return fmt.Sprintf("seckill:stock:%d", voucherID)
}

// OrderSetKey holds the user ids that already reserved a voucher.
func OrderSetKey(voucherID uint) string {
	return fmt.Sprintf("seckill:orders:%d", voucherID)
}

// RateLimitUserKey is the sliding-window counter for one user on the buy path.
func RateLimitUserKey(userID int64) string {
	return fmt.Sprintf("rate_limit:seckill:user:%d", userID)
}

// RateLimitIPKey is the fallback window when no user id could be parsed.
func RateLimitIPKey(ip string) string {
	return fmt.Sprintf("rate_limit:seckill:ip:%s", ip)
}
