package dao

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
	"gorm.io/gorm"

	"github.com/ericyoungson/machinomy/common"
	"github.com/ericyoungson/machinomy/model"
)

// PaymentDao keeps accepted payments in sql and caches token lookups in
// redis. A nil redis client disables the cache.
type PaymentDao struct {
	db  *gorm.DB
	rds *redis.Client
	ttl time.Duration
}

func (d *PaymentDao) SavePayment(ctx context.Context, p *common.Payment) error {
	if p.Token == "" {
		return common.Invalidf("payment without token")
	}
	if p.Increment.Int == nil {
		return common.Invalidf("payment %s without increment", p.Token)
	}

	raw, err := p.Bytes()
	if err != nil {
		return err
	}

	m := model.Payment{
		Token:     p.Token,
		ChannelID: p.ChannelID.String(),
		Sender:    p.Sender.String(),
		Receiver:  p.Receiver.String(),
		Value:     toDecimal(p.Value),
		Increment: toDecimal(p.Increment),
		Meta:      p.Meta,
		Raw:       string(raw),
	}
	if err := d.db.WithContext(ctx).Create(&m).Error; err != nil {
		log.Errorw("save payment", "token", p.Token, "err", err)
		return xerrors.Errorf("save payment %s: %w", p.Token, err)
	}

	if d.rds == nil {
		return nil
	}

	pipe := d.rds.TxPipeline()
	defer pipe.Close()

	pipe.Set(ctx, BuildPaymentTokenKey(p.Token), string(raw), d.ttl)
	pipe.Set(ctx, BuildLastAcceptedKey(p.ChannelID), p.Token, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		// sql is the source of truth, a cold cache only costs a query
		log.Warnw("cache payment", "token", p.Token, "err", err)
		d.evict(ctx, p)
	}
	return nil
}

func (d *PaymentDao) evict(ctx context.Context, p *common.Payment) {
	if err := d.rds.Del(ctx, BuildPaymentTokenKey(p.Token), BuildLastAcceptedKey(p.ChannelID)).Err(); err != nil {
		log.Warnw("evict payment", "token", p.Token, "err", err)
	}
}

func (d *PaymentDao) PaymentByToken(ctx context.Context, token string) (*common.Payment, error) {
	if d.rds != nil {
		raw, err := d.rds.Get(ctx, BuildPaymentTokenKey(token)).Result()
		switch {
		case err == nil:
			return common.DecodePayment([]byte(raw))
		case !errors.Is(err, redis.Nil):
			log.Warnw("read payment cache", "token", token, "err", err)
		}
	}

	var m model.Payment
	err := d.db.WithContext(ctx).Where("token = ?", token).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, xerrors.Errorf("token %q: %w", token, common.ErrTokenNotFound)
	}
	if err != nil {
		return nil, err
	}

	if d.rds != nil {
		if err := d.rds.Set(ctx, BuildPaymentTokenKey(token), m.Raw, d.ttl).Err(); err != nil {
			log.Warnw("fill payment cache", "token", token, "err", err)
		}
	}
	return common.DecodePayment([]byte(m.Raw))
}

func (d *PaymentDao) LastAccepted(ctx context.Context, channelID cid.Cid) (*common.Payment, error) {
	if d.rds != nil {
		token, err := d.rds.Get(ctx, BuildLastAcceptedKey(channelID)).Result()
		if err == nil {
			return d.PaymentByToken(ctx, token)
		}
		if !errors.Is(err, redis.Nil) {
			log.Warnw("read last accepted cache", "channel", channelID, "err", err)
		}
	}

	var rows []model.Payment
	err := d.db.WithContext(ctx).
		Where("channel_id = ?", channelID.String()).
		Order("id desc").Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return common.DecodePayment([]byte(rows[0].Raw))
}

func (d *PaymentDao) Close() error {
	return nil
}
