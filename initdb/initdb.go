package initdb

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
	"gorm.io/gorm"

	"github.com/ericyoungson/machinomy/dao"
	"github.com/ericyoungson/machinomy/model"
)

var log = logging.Logger("initdb")

const SchemaVersion = 1

var ErrNotInitialized = xerrors.New("database is not initialized, run initdb first")

// InitDatabase creates the gateway tables, records which escrow contract the
// database belongs to and drops stale cache entries.
func InitDatabase(ctx context.Context, db *gorm.DB, rds *redis.Client, contract string) error {
	if checkExist(db) {
		return xerrors.New("database has been initialized")
	}

	if err := createTables(db); err != nil {
		return err
	}

	info := model.SchemaInfo{
		SchemaVersion: SchemaVersion,
		Contract:      contract,
	}
	if err := db.WithContext(ctx).Create(&info).Error; err != nil {
		return err
	}

	if rds != nil {
		if err := dao.CleanupCache(ctx, rds); err != nil {
			return err
		}
	}

	log.Infow("database initialized", "schema", SchemaVersion, "contract", contract)
	return nil
}

// CheckDatabase fails unless the database was initialized for contract with
// the current schema.
func CheckDatabase(ctx context.Context, db *gorm.DB, contract string) error {
	if !checkExist(db) {
		return ErrNotInitialized
	}

	var info model.SchemaInfo
	if err := db.WithContext(ctx).Order("id desc").Take(&info).Error; err != nil {
		return xerrors.Errorf("read schema info: %w", err)
	}
	if info.SchemaVersion != SchemaVersion {
		return xerrors.Errorf("schema version %d, want %d", info.SchemaVersion, SchemaVersion)
	}
	if info.Contract != contract {
		return xerrors.Errorf("database belongs to contract %q, not %q", info.Contract, contract)
	}
	return nil
}

func checkExist(db *gorm.DB) bool {
	return db.Migrator().HasTable(&model.SchemaInfo{})
}

func createTables(db *gorm.DB) error {
	startTime := time.Now()
	defer func() {
		log.Infow("createTables", "duration", time.Since(startTime).String())
	}()

	return db.AutoMigrate(
		&model.PaymentChannel{},
		&model.Payment{},
		&model.SchemaInfo{},
		// PidFile is created when the gateway starts
	)
}
