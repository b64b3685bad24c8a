package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"localdeals/internal/lock"
)

type testShop struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func newTestManager(t *testing.T) (*miniredis.Miniredis, *rd.Client, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	m := NewManager(rdb, lock.NewLocker(rdb), zerolog.Nop())
	t.Cleanup(m.Close)
	return mr, rdb, m
}

func TestPassThroughCachesValue(t *testing.T) {
	_, _, m := newTestManager(t)
	ctx := context.Background()

	var calls int32
	load := func(ctx context.Context) (*testShop, error) {
		atomic.AddInt32(&calls, 1)
		return &testShop{ID: 1, Name: "noodle bar"}, nil
	}

	for i := 0; i < 3; i++ {
		v, err := GetWithPassThrough(ctx, m, "cache:shop:1", "shop:1",
			time.Minute, 30*time.Second, load)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if v == nil || v.Name != "noodle bar" {
			t.Fatalf("get %d: unexpected value %+v", i, v)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("loader calls = %d, want 1", got)
	}
}

func TestPassThroughNullCache(t *testing.T) {
	mr, _, m := newTestManager(t)
	ctx := context.Background()

	var calls int32
	load := func(ctx context.Context) (*testShop, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}

	// 首次：回源确认不存在，写空标记
	v, err := GetWithPassThrough(ctx, m, "cache:shop:404", "shop:404",
		time.Minute, 30*time.Second, load)
	if err != nil || v != nil {
		t.Fatalf("first get: v=%v err=%v", v, err)
	}
	if !mr.Exists("cache:shop:404") {
		t.Fatal("null marker not written")
	}
	if got, _ := mr.Get("cache:shop:404"); got != "" {
		t.Fatalf("marker should be empty, got %q", got)
	}

	// 空标记有效期内不再回源
	if _, err := GetWithPassThrough(ctx, m, "cache:shop:404", "shop:404",
		time.Minute, 30*time.Second, load); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("loader calls = %d, want 1 while marker valid", got)
	}

	// 空标记过期后下一次读会重新回源
	mr.FastForward(time.Minute)
	if _, err := GetWithPassThrough(ctx, m, "cache:shop:404", "shop:404",
		time.Minute, 30*time.Second, load); err != nil {
		t.Fatalf("third get: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("loader calls = %d, want 2 after marker expiry", got)
	}
}

func TestPassThroughSingleLoaderUnderContention(t *testing.T) {
	_, _, m := newTestManager(t)
	ctx := context.Background()

	var calls int32
	load := func(ctx context.Context) (*testShop, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(30 * time.Millisecond) // 模拟慢回源
		return &testShop{ID: 7, Name: "hot pot"}, nil
	}

	const readers = 20
	var wg sync.WaitGroup
	errs := make([]error, readers)
	vals := make([]*testShop, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			vals[idx], errs[idx] = GetWithPassThrough(ctx, m, "cache:shop:7", "shop:7",
				time.Minute, 30*time.Second, load)
		}(i)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		if errs[i] != nil {
			t.Fatalf("reader %d: %v", i, errs[i])
		}
		if vals[i] == nil || vals[i].Name != "hot pot" {
			t.Fatalf("reader %d: unexpected value %+v", i, vals[i])
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("loader calls = %d, want exactly 1", got)
	}
}

func TestPassThroughLockTimeout(t *testing.T) {
	_, rdb, m := newTestManager(t)
	ctx := context.Background()
	m.RebuildAttempts = 2
	m.RebuildDelay = 10 * time.Millisecond

	// 别的持有者占着重建锁不放
	holder := lock.NewLocker(rdb)
	if _, ok, _ := holder.TryLock(ctx, "shop:13", time.Minute); !ok {
		t.Fatal("setup: hold rebuild lock")
	}

	var calls int32
	_, err := GetWithPassThrough(ctx, m, "cache:shop:13", "shop:13",
		time.Minute, 30*time.Second,
		func(ctx context.Context) (*testShop, error) {
			atomic.AddInt32(&calls, 1)
			return &testShop{}, nil
		})
	if err != ErrLockTimeout {
		t.Fatalf("err = %v, want ErrLockTimeout", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("loader must not run without the lock")
	}
}

func TestLogicalExpireMissingKeyIsAbsent(t *testing.T) {
	_, _, m := newTestManager(t)
	ctx := context.Background()

	var calls int32
	v, err := GetWithLogicalExpire(ctx, m, "cache:shop:1", "shop:1", time.Minute,
		func(ctx context.Context) (*testShop, error) {
			atomic.AddInt32(&calls, 1)
			return &testShop{}, nil
		})
	if err != nil || v != nil {
		t.Fatalf("v=%v err=%v, want absent", v, err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("logical-expire policy must never load synchronously")
	}
}

func TestLogicalExpireFreshHit(t *testing.T) {
	_, _, m := newTestManager(t)
	ctx := context.Background()

	if err := m.SetLogical(ctx, "cache:shop:2", &testShop{ID: 2, Name: "bbq"}, time.Minute); err != nil {
		t.Fatalf("warm: %v", err)
	}
	v, err := GetWithLogicalExpire(ctx, m, "cache:shop:2", "shop:2", time.Minute,
		func(ctx context.Context) (*testShop, error) {
			t.Error("loader must not run on fresh hit")
			return nil, nil
		})
	if err != nil || v == nil || v.Name != "bbq" {
		t.Fatalf("v=%+v err=%v", v, err)
	}
}

func TestLogicalExpireServesStaleThenRefreshes(t *testing.T) {
	_, _, m := newTestManager(t)
	ctx := context.Background()

	// 预热一个已经过期的条目
	if err := m.SetLogical(ctx, "cache:shop:3", &testShop{ID: 3, Name: "old"}, -time.Second); err != nil {
		t.Fatalf("warm: %v", err)
	}

	gate := make(chan struct{})
	var calls int32
	load := func(ctx context.Context) (*testShop, error) {
		atomic.AddInt32(&calls, 1)
		<-gate
		return &testShop{ID: 3, Name: "new"}, nil
	}

	// 过期读必须立刻返回旧值，不等回源完成
	v, err := GetWithLogicalExpire(ctx, m, "cache:shop:3", "shop:3", time.Minute, load)
	if err != nil {
		t.Fatalf("stale get: %v", err)
	}
	if v == nil || v.Name != "old" {
		t.Fatalf("stale get returned %+v, want old value", v)
	}

	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for {
		v, err = GetWithLogicalExpire(ctx, m, "cache:shop:3", "shop:3", time.Minute, load)
		if err != nil {
			t.Fatalf("poll get: %v", err)
		}
		if v != nil && v.Name == "new" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("refresh never landed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("loader calls = %d, want 1", got)
	}
}

func TestLogicalExpireAbsentResultWritesFreshEnvelope(t *testing.T) {
	_, _, m := newTestManager(t)
	ctx := context.Background()

	if err := m.SetLogical(ctx, "cache:shop:4", &testShop{ID: 4, Name: "gone"}, -time.Second); err != nil {
		t.Fatalf("warm: %v", err)
	}

	var calls int32
	load := func(ctx context.Context) (*testShop, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil // 上游已删除
	}

	// 触发刷新的这次读仍然返回旧值
	v, err := GetWithLogicalExpire(ctx, m, "cache:shop:4", "shop:4", time.Minute, load)
	if err != nil || v == nil || v.Name != "gone" {
		t.Fatalf("v=%+v err=%v, want stale value", v, err)
	}

	// 刷新落地后条目变为「新鲜的空」，而不是空标记
	deadline := time.Now().Add(2 * time.Second)
	for {
		v, err = GetWithLogicalExpire(ctx, m, "cache:shop:4", "shop:4", time.Minute, load)
		if err != nil {
			t.Fatalf("poll get: %v", err)
		}
		if v == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("absent refresh never landed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("loader calls = %d, want 1", got)
	}
}
