package dao_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ericyoungson/machinomy/common"
	"github.com/ericyoungson/machinomy/dao"
	"github.com/ericyoungson/machinomy/model"
)

func openDB(t *testing.T) *gorm.DB {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.PaymentChannel{}, &model.Payment{}))
	return db
}

func openRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rds := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rds.Close() })
	return mr, rds
}

func testChannel(t *testing.T, nonce uint64) *common.PaymentChannel {
	sender, _ := address.NewIDAddress(100)
	receiver, _ := address.NewIDAddress(200)
	escrowAddr, _ := address.NewIDAddress(1000 + nonce)

	id, err := common.NewChannelID(sender, receiver, nonce)
	require.NoError(t, err)

	return &common.PaymentChannel{
		ID:       id,
		Address:  escrowAddr,
		Sender:   sender,
		Receiver: receiver,
		Nonce:    nonce,
		Value:    big.NewInt(1000),
		Spent:    big.Zero(),
		State:    common.ChannelOpen,
	}
}

func testPayment(ch *common.PaymentChannel, value int64) *common.Payment {
	return &common.Payment{
		ChannelID:    ch.ID,
		Channel:      ch.Address,
		Sender:       ch.Sender,
		Receiver:     ch.Receiver,
		ChannelValue: ch.Value,
		Value:        big.NewInt(value),
		Meta:         "article/42",
		Signature:    &crypto.Signature{Type: crypto.SigTypeSecp256k1, Data: []byte{7, 7, 7}},
	}
}

func TestChannelDao(t *testing.T) {
	ctx := context.Background()
	channels := dao.NewDao(openDB(t), nil).Channels()

	second := testChannel(t, 2)
	first := testChannel(t, 1)
	require.NoError(t, channels.Insert(ctx, second))
	require.NoError(t, channels.Insert(ctx, first))
	assert.Error(t, channels.Insert(ctx, first))

	got, err := channels.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Address, got.Address)
	assert.Equal(t, first.Sender, got.Sender)
	assert.True(t, got.Value.Equals(big.NewInt(1000)))
	assert.True(t, got.SettlingAt.IsZero())

	all, err := channels.List(ctx, common.ChannelFilter{Sender: first.Sender})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)

	deadline := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	second.State = common.ChannelSettling
	second.SettlingAt = deadline
	require.NoError(t, channels.Update(ctx, second))

	settling, err := channels.List(ctx, common.ChannelFilter{States: []common.ChannelState{common.ChannelSettling}})
	require.NoError(t, err)
	require.Len(t, settling, 1)
	assert.True(t, deadline.Equal(settling[0].SettlingAt))

	missing := testChannel(t, 9)
	_, err = channels.Get(ctx, missing.ID)
	assert.ErrorIs(t, err, common.ErrChannelNotFound)
	assert.ErrorIs(t, channels.Update(ctx, missing), common.ErrChannelNotFound)
}

func TestChannelDaoSpend(t *testing.T) {
	ctx := context.Background()
	channels := dao.NewDao(openDB(t), nil).Channels()

	ch := testChannel(t, 1)
	require.NoError(t, channels.Insert(ctx, ch))

	last, err := channels.LastPayment(ctx, ch.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, channels.Spend(ctx, ch.ID, big.Zero(), testPayment(ch, 300)))

	err = channels.Spend(ctx, ch.ID, big.Zero(), testPayment(ch, 250))
	assert.ErrorIs(t, err, common.ErrStalePayment)

	err = channels.Spend(ctx, ch.ID, big.NewInt(300), testPayment(ch, 5000))
	assert.ErrorIs(t, err, common.ErrStalePayment, "never above value")

	got, err := channels.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.True(t, got.Spent.Equals(big.NewInt(300)))

	last, err = channels.LastPayment(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Value.Equals(big.NewInt(300)))
	assert.Equal(t, "article/42", last.Meta)

	missing := testChannel(t, 9)
	err = channels.Spend(ctx, missing.ID, big.Zero(), testPayment(missing, 1))
	assert.ErrorIs(t, err, common.ErrChannelNotFound)
}

func TestPaymentDao(t *testing.T) {
	ctx := context.Background()
	mr, rds := openRedis(t)
	payments := dao.NewDao(openDB(t), rds).Payments()
	ch := testChannel(t, 1)

	_, err := payments.PaymentByToken(ctx, "nope")
	assert.ErrorIs(t, err, common.ErrTokenNotFound)

	last, err := payments.LastAccepted(ctx, ch.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	assert.ErrorIs(t, payments.SavePayment(ctx, testPayment(ch, 100)), common.ErrInvalidParameters)
	assert.ErrorIs(t, payments.SavePayment(ctx, testPayment(ch, 100).WithToken("t0")), common.ErrInvalidParameters)

	require.NoError(t, payments.SavePayment(ctx, testPayment(ch, 100).Accepted("t1", big.NewInt(100))))
	require.NoError(t, payments.SavePayment(ctx, testPayment(ch, 200).Accepted("t2", big.NewInt(100))))
	assert.True(t, mr.Exists(dao.BuildPaymentTokenKey("t1")))

	last, err = payments.LastAccepted(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "t2", last.Token)

	mr.FlushAll()

	p, err := payments.PaymentByToken(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, p.Value.Equals(big.NewInt(100)))
	assert.True(t, p.Increment.Equals(big.NewInt(100)))
	assert.True(t, mr.Exists(dao.BuildPaymentTokenKey("t1")), "refilled from sql")

	last, err = payments.LastAccepted(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Value.Equals(big.NewInt(200)))

	assert.Error(t, payments.SavePayment(ctx, testPayment(ch, 300).Accepted("t1", big.NewInt(100))), "tokens are unique")

	require.NoError(t, dao.CleanupCache(ctx, rds))
	assert.False(t, mr.Exists(dao.BuildPaymentTokenKey("t1")))
}

func TestDatabaseLock(t *testing.T) {
	db := openDB(t)

	require.NoError(t, dao.GetDatabaseLock(db, ":8080"))
	assert.Error(t, dao.GetDatabaseLock(db, ":8081"))

	require.NoError(t, dao.ReleaseDatabaseLock(db))
	require.NoError(t, dao.GetDatabaseLock(db, ":8081"))
	require.NoError(t, dao.ReleaseDatabaseLock(db))
}
