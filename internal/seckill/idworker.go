package seckill

import (
	"sync"
	"time"
)

// 发号器纪元：2024-01-01 00:00:00 UTC（毫秒）。
const idEpochMs = 1704067200000

// 高位毫秒时间戳 + 低 12 位毫秒内序号，单节点下严格递增。
const sequenceBits = 12

// IDWorker 生成 64 位时间有序订单号。
type IDWorker struct {
	mu     sync.Mutex
	lastMs int64
	seq    int64
}

func NewIDWorker() *IDWorker { return &IDWorker{} }

// Next 返回下一个订单号。同一毫秒内序号用尽时自旋到下一毫秒。
func (w *IDWorker) Next() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	ms := time.Now().UnixMilli()
	if ms < w.lastMs {
		// 时钟回拨：沿用上次的毫秒，继续走序号
		ms = w.lastMs
	}
	if ms == w.lastMs {
		w.seq++
		if w.seq >= 1<<sequenceBits {
			for ms <= w.lastMs {
				ms = time.Now().UnixMilli()
			}
			w.seq = 0
		}
	} else {
		w.seq = 0
	}
	w.lastMs = ms

	return (ms-idEpochMs)<<sequenceBits | w.seq
}
