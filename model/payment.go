package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment is a payment accepted by the payee, keyed by the token handed back
// to the payer.
type Payment struct {
	ID        uint64          `gorm:"primaryKey;autoIncrement:true"`
	Token     string          `gorm:"uniqueIndex;type:varchar(64)"`
	ChannelID string          `gorm:"index;type:varchar(255)"`
	Sender    string          `gorm:"index;type:varchar(255)"`
	Receiver  string          `gorm:"index;type:varchar(255)"`
	Value     decimal.Decimal `gorm:"type:DECIMAL(38,0)"`
	Increment decimal.Decimal `gorm:"type:DECIMAL(38,0)"` // value over the previously accepted payment
	Meta      string          `gorm:"type:text"`
	Raw       string          `gorm:"type:longtext"` // common.Payment json

	CreatedAt time.Time
}

func (Payment) TableName() string {
	return "payment"
}
