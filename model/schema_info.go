package model

import "time"

// SchemaInfo marks an initialized database.
type SchemaInfo struct {
	ID            uint64 `gorm:"primaryKey;autoIncrement:true"`
	SchemaVersion int
	Contract      string `gorm:"type:varchar(255)"`
	CreatedAt     time.Time
}

func (SchemaInfo) TableName() string {
	return "schema_info"
}
