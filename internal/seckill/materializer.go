package seckill

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"localdeals/internal/model"
)

const (
	persistAttempts = 3
	persistBackoff  = 100 * time.Millisecond

	deadLetterTimeout = 5 * time.Second
)

// errAlreadyPersisted：订单号或 (user, voucher) 唯一索引冲突，
// 说明该预占已经落库过，直接当成功。
var errAlreadyPersisted = errors.New("order already persisted")

// FailureSink 接收重试耗尽后仍未落库的订单，供运维对账/告警。
type FailureSink interface {
	Publish(ctx context.Context, order model.VoucherOrder, cause error) error
}

// Materializer 是唯一的队列消费者：串行把预占回放为持久订单。
// Redis 脚本已经完成并发裁决，这里不需要再加锁。
type Materializer struct {
	db      *gorm.DB
	pending <-chan model.VoucherOrder
	sink    FailureSink // 可为 nil，仅日志兜底
	log     zerolog.Logger
}

func NewMaterializer(db *gorm.DB, pending <-chan model.VoucherOrder,
	sink FailureSink, log zerolog.Logger) *Materializer {
	return &Materializer{db: db, pending: pending, sink: sink, log: log}
}

// Run 阻塞消费直到队列关闭（正常排空）或 ctx 取消（强制停止）。
func (m *Materializer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case order, ok := <-m.pending:
			if !ok {
				return nil
			}
			m.materialize(ctx, order)
		}
	}
}

// materialize 有限次重试持久化；仍失败则进入死信路径，绝不静默丢弃。
func (m *Materializer) materialize(ctx context.Context, order model.VoucherOrder) {
	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		err := m.persistOnce(ctx, order)
		if err == nil {
			return
		}
		if errors.Is(err, errAlreadyPersisted) {
			return
		}
		lastErr = err
		m.log.Warn().Err(err).
			Int64("order_id", order.ID).
			Int("attempt", attempt).
			Msg("persist order failed")
		time.Sleep(time.Duration(attempt) * persistBackoff)
	}
	m.deadLetter(order, lastErr)
}

// persistOnce 在一个事务里插入订单并条件扣减持久库存。
func (m *Materializer) persistOnce(ctx context.Context, order model.VoucherOrder) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&order).Error; err != nil {
			if looksLikeUniqueViolation(err) {
				return errAlreadyPersisted
			}
			return err
		}
		res := tx.Model(&model.Voucher{}).
			Where("id = ? AND stock > 0", order.VoucherID).
			UpdateColumn("stock", gorm.Expr("stock - 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Redis 已放行但持久库存为 0：库存视图漂移，交给死信对账
			return fmt.Errorf("durable stock exhausted for voucher %d", order.VoucherID)
		}
		return nil
	})
}

// deadLetter 把丢单事实暴露给运维：优先发 sink，失败时日志里保留全量字段。
func (m *Materializer) deadLetter(order model.VoucherOrder, cause error) {
	ev := m.log.Error().
		Int64("order_id", order.ID).
		Int64("user_id", order.UserID).
		Uint("voucher_id", order.VoucherID).
		AnErr("cause", cause)

	if m.sink == nil {
		ev.Msg("order dead-lettered (no sink configured)")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), deadLetterTimeout)
	defer cancel()
	if err := m.sink.Publish(ctx, order, cause); err != nil {
		ev.AnErr("sink_error", err).Msg("order dead-letter publish failed")
		return
	}
	ev.Msg("order dead-lettered")
}

func looksLikeUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique") ||
		errors.Is(err, gorm.ErrDuplicatedKey)
}
