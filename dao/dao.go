package dao

import (
	"time"

	"github.com/go-redis/redis/v8"
	logging "github.com/ipfs/go-log/v2"
	"gorm.io/gorm"
)

var log = logging.Logger("dao")

// Dao bundles the sql database and the redis cache in front of it.
type Dao struct {
	db  *gorm.DB
	rds *redis.Client
}

func NewDao(db *gorm.DB, rds *redis.Client) *Dao {
	return &Dao{
		db:  db,
		rds: rds,
	}
}

func (d *Dao) Channels() *ChannelDao {
	return &ChannelDao{db: d.db}
}

func (d *Dao) Payments() *PaymentDao {
	return &PaymentDao{db: d.db, rds: d.rds, ttl: CacheTimeout}
}

// Close releases the sql connection pool and the redis client.
func (d *Dao) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	if d.rds != nil {
		if err := d.rds.Close(); err != nil {
			log.Warnw("close redis", "err", err)
		}
	}
	return sqlDB.Close()
}

const CacheTimeout time.Duration = 3600 * time.Second
