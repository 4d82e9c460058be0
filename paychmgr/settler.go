package paychmgr

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/raulk/clock"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
	"github.com/ericyoungson/machinomy/escrow"
)

// Sync reconciles every active channel with the escrow. A receiver also
// claims its last accepted payment on channels the sender started settling.
func (m *Manager) Sync(ctx context.Context) error {
	chs, err := m.Channels(ctx)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range chs {
		id := c.ID

		eg.Go(func() error {
			return m.syncChannel(ctx, id)
		})
	}

	return eg.Wait()
}

func (m *Manager) syncChannel(ctx context.Context, id cid.Cid) error {
	unlock := m.channelLocks.Lock(id.KeyString())
	defer unlock()

	ch, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	st, err := m.contract.Status(ctx, ch.Address)
	if err != nil {
		return xerrors.Errorf("status of %s: %w", ch.ID, chainError(err))
	}

	if reconcile(ch, st) {
		log.Infow("channel reconciled", "id", ch.ID, "state", ch.State, "value", ch.Value, "settling_at", ch.SettlingAt)
		if err := m.store.Update(ctx, ch); err != nil {
			return err
		}
	}

	if ch.State != common.ChannelSettling || !m.clock.Now().Before(ch.SettlingAt) {
		return nil
	}
	return m.claimLast(ctx, ch, st)
}

// claimLast redeems the receiver's last accepted payment when the escrow has
// not seen it yet.
func (m *Manager) claimLast(ctx context.Context, ch *common.PaymentChannel, st *escrow.Status) error {
	r, _, err := m.role(ctx, ch)
	if err != nil {
		return err
	}
	if r != roleReceiver {
		return nil
	}

	last, err := m.store.LastPayment(ctx, ch.ID)
	if err != nil {
		return err
	}
	if last == nil || (st.Claimed.Int != nil && !last.Value.GreaterThan(st.Claimed)) {
		return nil
	}

	if _, err := m.contract.Claim(ctx, ch.Receiver, ch.Address, last); err != nil {
		log.Errorw("claim on settling channel", "err", err, "channel", ch.ID, "value", last.Value)
		return xerrors.Errorf("claim %s on %s: %w", last.Value, ch.ID, chainError(err))
	}

	log.Infow("claimed last payment on settling channel", "channel", ch.ID, "value", last.Value, "settling_at", ch.SettlingAt)
	return nil
}

// Start syncs with the escrow and then, every SettleInterval until Stop,
// syncs again and finalizes expired settling channels.
func (m *Manager) Start(ctx context.Context) error {
	m.runLk.Lock()
	defer m.runLk.Unlock()

	if m.stop != nil {
		return xerrors.New("manager already started")
	}

	if err := m.Sync(ctx); err != nil {
		return err
	}

	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.run(ctx, m.clock.Ticker(m.cfg.SettleInterval), m.stop, m.done)

	return nil
}

func (m *Manager) Stop() {
	m.runLk.Lock()
	defer m.runLk.Unlock()

	if m.stop == nil {
		return
	}
	close(m.stop)
	<-m.done
	m.stop, m.done = nil, nil
}

func (m *Manager) run(ctx context.Context, ticker *clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Sync(ctx); err != nil {
				log.Warnw("sync channels", "err", err)
			}
			m.finalizeExpired(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) finalizeExpired(ctx context.Context) {
	chs, err := m.SettlingChannels(ctx)
	if err != nil {
		log.Warnw("list settling channels", "err", err)
		return
	}

	now := m.clock.Now()
	for _, ch := range chs {
		if now.Before(ch.SettlingAt) {
			continue
		}
		if _, err := m.Finalize(ctx, ch.ID); err != nil && !xerrors.Is(err, common.ErrChannelSettled) {
			log.Warnw("finalize expired channel", "id", ch.ID, "err", err)
		}
	}
}
