package initdb_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ericyoungson/machinomy/dao"
	"github.com/ericyoungson/machinomy/initdb"
)

func TestInitDatabase(t *testing.T) {
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open("file:initdb?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	defer sqlDB.Close()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rds.Close()

	require.NoError(t, mr.Set(dao.BuildPaymentTokenKey("leftover"), "{}"))

	assert.ErrorIs(t, initdb.CheckDatabase(ctx, db, "mock-escrow"), initdb.ErrNotInitialized)

	require.NoError(t, initdb.InitDatabase(ctx, db, rds, "mock-escrow"))
	assert.False(t, mr.Exists(dao.BuildPaymentTokenKey("leftover")))

	assert.Error(t, initdb.InitDatabase(ctx, db, rds, "mock-escrow"))

	assert.NoError(t, initdb.CheckDatabase(ctx, db, "mock-escrow"))
	assert.Error(t, initdb.CheckDatabase(ctx, db, "lotus-paych"))
}
