package dao

import (
	"os"
	"time"

	"golang.org/x/xerrors"
	"gorm.io/gorm"

	"github.com/ericyoungson/machinomy/model"
)

// GetDatabaseLock creates the pid_file table. Creation fails while another
// process holds it.
func GetDatabaseLock(db *gorm.DB, listen string) error {
	if err := db.Migrator().CreateTable(&model.PidFile{}); err != nil {
		log.Errorw("GetDatabaseLock failed", "err", err)
		return xerrors.Errorf("database is locked by another process: %w", err)
	}

	host, _ := os.Hostname()
	pid := model.PidFile{
		Host:      host,
		Pid:       os.Getpid(),
		Listen:    listen,
		StartedAt: time.Now().Unix(),
	}
	if err := db.Create(&pid).Error; err != nil {
		_ = db.Migrator().DropTable(&model.PidFile{})
		return err
	}
	return nil
}

func ReleaseDatabaseLock(db *gorm.DB) error {
	err := db.Migrator().DropTable(&model.PidFile{})
	log.Infow("release database lock", "err", err)
	return err
}
