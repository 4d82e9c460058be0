package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentChannel struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement:true"`
	ChannelID string `gorm:"uniqueIndex;type:varchar(255)"`
	Address   string `gorm:"index;type:varchar(255)"`
	Sender    string `gorm:"index;type:varchar(255)"`
	Receiver  string `gorm:"index;type:varchar(255)"`
	Nonce     uint64 `gorm:"index"`

	Value      decimal.Decimal `gorm:"type:DECIMAL(38,0)"`
	Spent      decimal.Decimal `gorm:"type:DECIMAL(38,0)"`
	State      string          `gorm:"index;type:varchar(16)"`
	SettlingAt *time.Time

	LastPayment string `gorm:"type:longtext"` // common.Payment json

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PaymentChannel) TableName() string {
	return "payment_channel"
}
