package seckill

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"localdeals/internal/model"
)

// DeadLetterProducer 把物化失败的订单写到 Kafka 死信 topic。
// 可靠性参数：
// - Hash + Key: 同一订单固定分区，下游对账好做有序处理。
// - RequireAll: 等待 ISR 副本确认，死信本身不能再丢。
type DeadLetterProducer struct {
	w *kafka.Writer
}

func NewDeadLetterProducer(brokers []string, topic string) *DeadLetterProducer {
	return &DeadLetterProducer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Close 释放 writer 资源。
func (p *DeadLetterProducer) Close() error { return p.w.Close() }

// Publish 同步写入一条死信，订单号作为 Kafka key。
func (p *DeadLetterProducer) Publish(ctx context.Context, order model.VoucherOrder, cause error) error {
	payload := struct {
		OrderID   int64     `json:"order_id"`
		UserID    int64     `json:"user_id"`
		VoucherID uint      `json:"voucher_id"`
		CreatedAt time.Time `json:"created_at"`
		Cause     string    `json:"cause"`
	}{
		OrderID:   order.ID,
		UserID:    order.UserID,
		VoucherID: order.VoucherID,
		CreatedAt: order.CreatedAt,
		Cause:     cause.Error(),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(order.ID, 10)),
		Value: b,
	})
}
