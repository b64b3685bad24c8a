package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

func newLimitedRouter(t *testing.T, limit int, window time.Duration) *gin.Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/buy", RedisRateLimit(rdb, limit, window), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"code": 0})
	})
	return r
}

func doBuy(r *gin.Engine, body string) int {
	req := httptest.NewRequest(http.MethodPost, "/buy", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitPerUser(t *testing.T) {
	r := newLimitedRouter(t, 2, time.Second)

	if code := doBuy(r, `{"user_id":5}`); code != http.StatusOK {
		t.Fatalf("request 1: code=%d", code)
	}
	if code := doBuy(r, `{"user_id":5}`); code != http.StatusOK {
		t.Fatalf("request 2: code=%d", code)
	}
	if code := doBuy(r, `{"user_id":5}`); code != http.StatusTooManyRequests {
		t.Fatalf("request 3: code=%d, want 429", code)
	}

	// 其他用户不受影响
	if code := doBuy(r, `{"user_id":6}`); code != http.StatusOK {
		t.Fatalf("other user: code=%d", code)
	}
}

func TestRateLimitFallsBackToIP(t *testing.T) {
	r := newLimitedRouter(t, 1, time.Second)

	// body 不含 user_id：按 IP 限流
	if code := doBuy(r, `{}`); code != http.StatusOK {
		t.Fatalf("request 1: code=%d", code)
	}
	if code := doBuy(r, `{}`); code != http.StatusTooManyRequests {
		t.Fatalf("request 2: code=%d, want 429", code)
	}
}
