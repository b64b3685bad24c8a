package model

import (
	"time"

	"gorm.io/gorm"
)

// Voucher 秒杀代金券：库存、价格、抢购时间窗
type Voucher struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Title string `gorm:"size:128;not null" json:"title"`
	// Stock 是持久层库存；秒杀实时扣减走 Redis，物化器回放到这里。
	Stock     int64     `gorm:"not null;default:0" json:"stock"`
	Price     int64     `gorm:"not null" json:"price"` // 单位：分
	BeginTime time.Time `gorm:"not null" json:"begin_time"`
	EndTime   time.Time `gorm:"not null" json:"end_time"`
}

func (Voucher) TableName() string { return "vouchers" }
