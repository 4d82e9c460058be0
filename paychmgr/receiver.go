package paychmgr

import (
	"bytes"
	"context"

	"github.com/filecoin-project/go-state-types/big"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
	"github.com/ericyoungson/machinomy/escrow"
	"github.com/ericyoungson/machinomy/wallet"
)

// AcceptPayment records an inbound payment on the receiver's side. The first
// payment of a channel is checked against the escrow before the channel is
// tracked. While the channel is settling the payment is also claimed on chain
// so it counts at finalization. Accepting the payment already recorded last
// is a no-op, so a caller that failed after this step can retry.
func (m *Manager) AcceptPayment(ctx context.Context, p *common.Payment) (*common.PaymentChannel, error) {
	if p == nil {
		return nil, common.Invalidf("nil payment")
	}
	if err := wallet.VerifyPayment(p); err != nil {
		return nil, err
	}
	if err := wallet.VerifyVoucher(m.contract, p); err != nil {
		return nil, err
	}

	unlock := m.channelLocks.Lock(p.ChannelID.KeyString())
	defer unlock()

	ch, err := m.store.Get(ctx, p.ChannelID)
	switch {
	case xerrors.Is(err, common.ErrChannelNotFound):
		if ch, err = m.ingest(ctx, p); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if err := matches(ch, p); err != nil {
		return nil, err
	}

	switch ch.State {
	case common.ChannelSettled:
		return nil, xerrors.Errorf("accept on %s: %w", ch.ID, common.ErrChannelSettled)
	case common.ChannelSettling:
		if !m.clock.Now().Before(ch.SettlingAt) {
			return nil, xerrors.Errorf("dispute window of %s elapsed at %s: %w", ch.ID, ch.SettlingAt, common.ErrChannelNotOpen)
		}
	}

	if p.ChannelValue.GreaterThan(ch.Value) {
		if err := m.refreshValue(ctx, ch, p.ChannelValue); err != nil {
			return nil, err
		}
	}

	if p.Value.Equals(ch.Spent) {
		last, err := m.store.LastPayment(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		if samePayment(last, p) {
			log.Infow("payment already accepted", "channel", ch.ID, "value", p.Value)
			return ch.Copy(), nil
		}
	}

	if err := common.CheckFreshness(ch.Spent, p); err != nil {
		return nil, err
	}

	if ch.State == common.ChannelSettling {
		if _, err := m.contract.Claim(ctx, ch.Receiver, ch.Address, p); err != nil {
			log.Errorw("claim during settlement", "err", err, "channel", ch.ID, "value", p.Value)
			return nil, chainError(err)
		}
		log.Infow("claimed higher payment before deadline", "channel", ch.ID, "value", p.Value, "settling_at", ch.SettlingAt)
	}

	if err := m.store.Spend(ctx, ch.ID, ch.Spent, p); err != nil {
		return nil, err
	}
	ch.Spent = p.Value

	return ch.Copy(), nil
}

func samePayment(a *common.Payment, b *common.Payment) bool {
	if a == nil || b == nil || a.Signature == nil || b.Signature == nil {
		return false
	}
	return a.Value.Equals(b.Value) &&
		a.Meta == b.Meta &&
		a.Signature.Type == b.Signature.Type &&
		bytes.Equal(a.Signature.Data, b.Signature.Data)
}

func (m *Manager) ingest(ctx context.Context, p *common.Payment) (*common.PaymentChannel, error) {
	st, err := m.contract.Status(ctx, p.Channel)
	if err != nil {
		return nil, chainError(err)
	}
	if st.Sender != p.Sender || st.Receiver != p.Receiver {
		return nil, common.Invalidf("escrow %s belongs to %s -> %s", p.Channel, st.Sender, st.Receiver)
	}
	if st.State == common.ChannelSettled {
		return nil, xerrors.Errorf("escrow %s: %w", p.Channel, common.ErrChannelSettled)
	}
	if st.Balance.LessThan(p.ChannelValue) {
		return nil, common.WithKind(common.ErrInsufficientChannelValue,
			xerrors.Errorf("escrow %s holds %s, payment claims %s", p.Channel, st.Balance, p.ChannelValue))
	}

	known, err := m.store.List(ctx, common.ChannelFilter{Sender: p.Sender, Receiver: p.Receiver})
	if err != nil {
		return nil, err
	}
	for _, ch := range known {
		if ch.Address == p.Channel {
			return nil, common.Invalidf("escrow %s is already tracked as %s", p.Channel, ch.ID)
		}
	}

	spent := st.Claimed
	if spent.Int == nil {
		spent = big.Zero()
	}

	ch := &common.PaymentChannel{
		ID:         p.ChannelID,
		Address:    p.Channel,
		Sender:     p.Sender,
		Receiver:   p.Receiver,
		Value:      p.ChannelValue,
		Spent:      spent,
		State:      st.State,
		SettlingAt: st.SettlingAt,
	}
	if err := m.store.Insert(ctx, ch); err != nil {
		return nil, err
	}

	log.Infow("tracking inbound channel", "id", ch.ID, "address", ch.Address, "sender", ch.Sender, "value", ch.Value)
	return ch, nil
}

// refreshValue picks up deposits made since the channel was last seen.
func (m *Manager) refreshValue(ctx context.Context, ch *common.PaymentChannel, want big.Int) error {
	st, err := m.contract.Status(ctx, ch.Address)
	if err != nil {
		return chainError(err)
	}
	if st.Balance.LessThan(want) {
		return common.WithKind(common.ErrInsufficientChannelValue,
			xerrors.Errorf("escrow %s holds %s, payment claims %s", ch.Address, st.Balance, want))
	}

	ch.Value = want
	return m.store.Update(ctx, ch)
}

// reconcile applies the escrow view to a tracked channel.
func reconcile(ch *common.PaymentChannel, st *escrow.Status) bool {
	changed := false

	switch {
	case st.State == common.ChannelSettled && ch.State != common.ChannelSettled:
		ch.State = common.ChannelSettled
		changed = true
	case st.State == common.ChannelSettling && ch.State == common.ChannelOpen:
		ch.State = common.ChannelSettling
		ch.SettlingAt = st.SettlingAt
		changed = true
	}

	if ch.State == common.ChannelOpen && st.Balance.GreaterThan(ch.Value) {
		ch.Value = st.Balance
		changed = true
	}

	return changed
}
