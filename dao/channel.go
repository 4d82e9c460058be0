package dao

import (
	"context"
	"errors"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"github.com/shopspring/decimal"
	"golang.org/x/xerrors"
	"gorm.io/gorm"

	"github.com/ericyoungson/machinomy/common"
	"github.com/ericyoungson/machinomy/model"
)

// ChannelDao stores channels in the payment_channel table.
type ChannelDao struct {
	db *gorm.DB
}

func toDecimal(v big.Int) decimal.Decimal {
	if v.Int == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v.Int, 0)
}

func fromDecimal(d decimal.Decimal) (big.Int, error) {
	return big.FromString(d.StringFixed(0))
}

func toModelChannel(ch *common.PaymentChannel) *model.PaymentChannel {
	m := &model.PaymentChannel{
		ChannelID: ch.ID.String(),
		Address:   ch.Address.String(),
		Sender:    ch.Sender.String(),
		Receiver:  ch.Receiver.String(),
		Nonce:     ch.Nonce,
		Value:     toDecimal(ch.Value),
		Spent:     toDecimal(ch.Spent),
		State:     ch.State.String(),
	}
	if !ch.SettlingAt.IsZero() {
		at := ch.SettlingAt
		m.SettlingAt = &at
	}
	return m
}

func fromModelChannel(m *model.PaymentChannel) (*common.PaymentChannel, error) {
	id, err := cid.Decode(m.ChannelID)
	if err != nil {
		return nil, xerrors.Errorf("channel id %q: %w", m.ChannelID, err)
	}

	ch := &common.PaymentChannel{ID: id, Nonce: m.Nonce}

	for _, f := range []struct {
		raw string
		dst *address.Address
	}{
		{m.Address, &ch.Address},
		{m.Sender, &ch.Sender},
		{m.Receiver, &ch.Receiver},
	} {
		if *f.dst, err = address.NewFromString(f.raw); err != nil {
			return nil, xerrors.Errorf("channel %s address %q: %w", m.ChannelID, f.raw, err)
		}
	}

	if ch.Value, err = fromDecimal(m.Value); err != nil {
		return nil, err
	}
	if ch.Spent, err = fromDecimal(m.Spent); err != nil {
		return nil, err
	}
	if ch.State, err = common.ParseChannelState(m.State); err != nil {
		return nil, err
	}
	if m.SettlingAt != nil {
		ch.SettlingAt = *m.SettlingAt
	}

	return ch, nil
}

func (d *ChannelDao) Insert(ctx context.Context, ch *common.PaymentChannel) error {
	if err := ch.CheckInvariant(); err != nil {
		return err
	}

	m := toModelChannel(ch)
	if err := d.db.WithContext(ctx).Create(m).Error; err != nil {
		log.Errorw("insert channel", "id", ch.ID, "err", err)
		return xerrors.Errorf("insert channel %s: %w", ch.ID, err)
	}
	return nil
}

func (d *ChannelDao) take(ctx context.Context, id cid.Cid) (*model.PaymentChannel, error) {
	var m model.PaymentChannel
	err := d.db.WithContext(ctx).Where("channel_id = ?", id.String()).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, xerrors.Errorf("channel %s: %w", id, common.ErrChannelNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *ChannelDao) Get(ctx context.Context, id cid.Cid) (*common.PaymentChannel, error) {
	m, err := d.take(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromModelChannel(m)
}

func (d *ChannelDao) List(ctx context.Context, filter common.ChannelFilter) ([]*common.PaymentChannel, error) {
	tx := d.db.WithContext(ctx).Model(&model.PaymentChannel{})
	if filter.Sender != address.Undef {
		tx = tx.Where("sender = ?", filter.Sender.String())
	}
	if filter.Receiver != address.Undef {
		tx = tx.Where("receiver = ?", filter.Receiver.String())
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, s := range filter.States {
			states[i] = s.String()
		}
		tx = tx.Where("state IN ?", states)
	}

	var rows []*model.PaymentChannel
	if err := tx.Order("nonce asc, id asc").Find(&rows).Error; err != nil {
		return nil, xerrors.Errorf("list channels: %w", err)
	}

	out := make([]*common.PaymentChannel, 0, len(rows))
	for _, m := range rows {
		ch, err := fromModelChannel(m)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// Spend is a compare-and-swap on the spent column.
func (d *ChannelDao) Spend(ctx context.Context, id cid.Cid, prev big.Int, p *common.Payment) error {
	raw, err := p.Bytes()
	if err != nil {
		return err
	}

	result := d.db.WithContext(ctx).Model(&model.PaymentChannel{}).
		Where("channel_id = ? AND spent = ? AND value >= ?", id.String(), toDecimal(prev), toDecimal(p.Value)).
		Updates(map[string]interface{}{
			"spent":        toDecimal(p.Value),
			"last_payment": string(raw),
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return xerrors.Errorf("spend on %s: %w", id, result.Error)
	}
	if result.RowsAffected != 1 {
		if _, err := d.take(ctx, id); err != nil {
			return err
		}
		return common.WithKind(common.ErrStalePayment, xerrors.Errorf("channel %s moved away from spent %s", id, prev))
	}
	return nil
}

func (d *ChannelDao) Update(ctx context.Context, ch *common.PaymentChannel) error {
	m := toModelChannel(ch)

	result := d.db.WithContext(ctx).Model(&model.PaymentChannel{}).
		Where("channel_id = ?", m.ChannelID).
		Updates(map[string]interface{}{
			"value":       m.Value,
			"state":       m.State,
			"settling_at": m.SettlingAt,
			"updated_at":  time.Now(),
		})
	if result.Error != nil {
		return xerrors.Errorf("update channel %s: %w", ch.ID, result.Error)
	}
	if result.RowsAffected != 1 {
		return xerrors.Errorf("channel %s: %w", ch.ID, common.ErrChannelNotFound)
	}
	return nil
}

func (d *ChannelDao) LastPayment(ctx context.Context, id cid.Cid) (*common.Payment, error) {
	m, err := d.take(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.LastPayment == "" {
		return nil, nil
	}
	return common.DecodePayment([]byte(m.LastPayment))
}

// Close is a no-op; the pool belongs to Dao.
func (d *ChannelDao) Close() error {
	return nil
}
