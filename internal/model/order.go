package model

import (
	"time"

	"gorm.io/gorm"
)

// VoucherOrder 秒杀订单。ID 由进程内发号器生成（时间有序），不用自增。
// (user_id, voucher_id) 唯一索引兜底一人一单。
type VoucherOrder struct {
	ID        int64          `gorm:"primarykey;autoIncrement:false" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserID    int64 `gorm:"not null;uniqueIndex:idx_user_voucher" json:"user_id"`
	VoucherID uint  `gorm:"not null;uniqueIndex:idx_user_voucher" json:"voucher_id"`
}

// 显式实现结构，确定表名
func (VoucherOrder) TableName() string { return "voucher_orders" }
