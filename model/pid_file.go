package model

// PidFile exists only while a gateway process owns the database.
type PidFile struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement:true"`
	Host      string `gorm:"type:varchar(255)"`
	Pid       int
	Listen    string `gorm:"type:varchar(255)"`
	StartedAt int64
}

func (PidFile) TableName() string {
	return "pid_file"
}
