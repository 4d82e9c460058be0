package paychmgr

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/tag"
	"go.uber.org/atomic"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
	"github.com/ericyoungson/machinomy/escrow"
	"github.com/ericyoungson/machinomy/metrics"
	"github.com/ericyoungson/machinomy/util"
	"github.com/ericyoungson/machinomy/wallet"
)

var log = logging.Logger("paychmgr")

const (
	DefaultDepositMultiplier = 10
	DefaultSettleInterval    = time.Minute
)

type Config struct {
	Store    ChannelStore
	Contract escrow.Contract
	Signer   wallet.Signer

	// DepositMultiplier sizes channels opened by RequireOpenChannel as a
	// multiple of the requested price.
	DepositMultiplier uint64
	// SettleInterval is how often a started manager finalizes channels whose
	// dispute window elapsed.
	SettleInterval time.Duration
	Clock          clock.Clock
}

// Manager owns every channel state transition. Mint, commit, deposit and
// close are serialized per channel; RequireOpenChannel is serialized per
// (sender, receiver) pair.
type Manager struct {
	cfg      Config
	store    ChannelStore
	contract escrow.Contract
	signer   wallet.Signer
	clock    clock.Clock

	channelLocks *util.KeyMutex
	pairLocks    *util.KeyMutex
	nonce        *atomic.Uint64

	runLk sync.Mutex
	stop  chan struct{}
	done  chan struct{}
}

func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Contract == nil || cfg.Signer == nil {
		return nil, xerrors.New("paychmgr: store, contract and signer are required")
	}
	if cfg.DepositMultiplier == 0 {
		cfg.DepositMultiplier = DefaultDepositMultiplier
	}
	if cfg.SettleInterval <= 0 {
		cfg.SettleInterval = DefaultSettleInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Manager{
		cfg:          cfg,
		store:        cfg.Store,
		contract:     cfg.Contract,
		signer:       cfg.Signer,
		clock:        cfg.Clock,
		channelLocks: util.NewKeyMutex(),
		pairLocks:    util.NewKeyMutex(),
		nonce:        atomic.NewUint64(uint64(cfg.Clock.Now().UnixNano())),
	}, nil
}

func (m *Manager) Contract() escrow.Contract {
	return m.contract
}

func pairKey(sender address.Address, receiver address.Address) string {
	return sender.String() + "->" + receiver.String()
}

func chainError(err error) error {
	if xerrors.Is(err, common.ErrChainSubmission) {
		return err
	}
	return common.WithKind(common.ErrChainSubmission, err)
}

func positive(v big.Int) bool {
	return v.Int != nil && v.Sign() > 0
}

// OpenChannel opens and confirms a new channel. Pass cid.Undef to derive the
// id from (sender, receiver, nonce).
func (m *Manager) OpenChannel(ctx context.Context, sender address.Address, receiver address.Address, initialSpent big.Int, value big.Int, channelID cid.Cid) (*common.PaymentChannel, error) {
	if sender == address.Undef || receiver == address.Undef {
		return nil, common.Invalidf("sender and receiver are required")
	}
	if sender == receiver {
		return nil, common.Invalidf("sender and receiver must differ")
	}
	if !positive(value) {
		return nil, common.Invalidf("channel value must be positive, got %s", value)
	}
	if initialSpent.Int == nil {
		initialSpent = big.Zero()
	}
	if initialSpent.Sign() < 0 || initialSpent.GreaterThan(value) {
		return nil, common.Invalidf("initial spent %s outside [0, %s]", initialSpent, value)
	}

	return m.openChannel(ctx, sender, receiver, initialSpent, value, channelID)
}

func (m *Manager) openChannel(ctx context.Context, sender address.Address, receiver address.Address, initialSpent big.Int, value big.Int, channelID cid.Cid) (*common.PaymentChannel, error) {
	nonce := m.nonce.Inc()

	if !channelID.Defined() {
		id, err := common.NewChannelID(sender, receiver, nonce)
		if err != nil {
			return nil, err
		}
		channelID = id
	}

	if _, err := m.store.Get(ctx, channelID); err == nil {
		return nil, common.Invalidf("channel %s already exists", channelID)
	} else if !xerrors.Is(err, common.ErrChannelNotFound) {
		return nil, err
	}

	rcpt, err := m.contract.Open(ctx, escrow.OpenRequest{
		Sender:   sender,
		Receiver: receiver,
		Nonce:    nonce,
		Value:    value,
	})
	if err != nil {
		log.Errorw("open channel", "err", err, "sender", sender, "receiver", receiver, "value", value)
		return nil, chainError(err)
	}

	ch := &common.PaymentChannel{
		ID:       channelID,
		Address:  rcpt.Channel,
		Sender:   sender,
		Receiver: receiver,
		Nonce:    nonce,
		Value:    value,
		Spent:    initialSpent,
		State:    common.ChannelOpen,
	}
	if err := m.store.Insert(ctx, ch); err != nil {
		return nil, xerrors.Errorf("record channel %s opened at %s: %w", channelID, rcpt.Message, err)
	}

	metrics.Count(ctx, metrics.ChannelsOpened)
	log.Infow("channel opened", "id", channelID, "address", rcpt.Channel, "value", value, "height", rcpt.Height)

	return ch.Copy(), nil
}

// RequireOpenChannel returns the oldest open channel of the pair able to
// cover price, opening one worth price*DepositMultiplier when none can.
func (m *Manager) RequireOpenChannel(ctx context.Context, sender address.Address, receiver address.Address, price big.Int) (*common.PaymentChannel, error) {
	if sender == address.Undef || receiver == address.Undef {
		return nil, common.Invalidf("sender and receiver are required")
	}
	if sender == receiver {
		return nil, common.Invalidf("sender and receiver must differ")
	}
	if !positive(price) {
		return nil, common.Invalidf("price must be positive, got %s", price)
	}

	unlock := m.pairLocks.Lock(pairKey(sender, receiver))
	defer unlock()

	chs, err := m.store.List(ctx, common.ChannelFilter{
		Sender:   sender,
		Receiver: receiver,
		States:   []common.ChannelState{common.ChannelOpen},
	})
	if err != nil {
		return nil, err
	}

	for _, ch := range chs {
		if ch.Available().GreaterThanEqual(price) {
			return ch, nil
		}
	}

	value := big.Mul(price, big.NewIntUnsigned(m.cfg.DepositMultiplier))
	log.Infow("no usable channel, opening", "sender", sender, "receiver", receiver, "price", price, "value", value)

	return m.openChannel(ctx, sender, receiver, big.Zero(), value, cid.Undef)
}

// NextPayment mints a signed payment worth spent+increment. Channel state is
// not touched until SpendChannel commits it.
func (m *Manager) NextPayment(ctx context.Context, channelID cid.Cid, increment big.Int, meta string) (*common.Payment, error) {
	if !positive(increment) {
		return nil, common.Invalidf("increment must be positive, got %s", increment)
	}
	if !utf8.ValidString(meta) {
		return nil, common.Invalidf("meta is not valid utf-8")
	}

	unlock := m.channelLocks.Lock(channelID.KeyString())
	defer unlock()

	ch, err := m.store.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.State != common.ChannelOpen {
		return nil, xerrors.Errorf("channel %s is %s: %w", ch.ID, ch.State, common.ErrChannelNotOpen)
	}

	value := big.Add(ch.Spent, increment)
	if value.GreaterThan(ch.Value) {
		return nil, common.WithKind(common.ErrInsufficientChannelValue,
			xerrors.Errorf("channel %s: spent %s + %s exceeds %s", ch.ID, ch.Spent, increment, ch.Value))
	}

	p := &common.Payment{
		ChannelID:    ch.ID,
		Channel:      ch.Address,
		Sender:       ch.Sender,
		Receiver:     ch.Receiver,
		ChannelValue: ch.Value,
		Value:        value,
		Meta:         meta,
	}
	if err := wallet.SignPayment(ctx, m.signer, p); err != nil {
		return nil, err
	}
	if err := wallet.SignVoucher(ctx, m.signer, m.contract, p); err != nil {
		return nil, err
	}

	metrics.Count(ctx, metrics.PaymentsMinted)
	return p, nil
}

func matches(ch *common.PaymentChannel, p *common.Payment) error {
	if p.Channel != ch.Address || p.Sender != ch.Sender || p.Receiver != ch.Receiver {
		return common.Invalidf("payment does not match channel %s", ch.ID)
	}
	return nil
}

// SpendChannel commits a minted payment. A payment whose value does not
// exceed the recorded spent value fails with common.ErrStalePayment and
// leaves the channel unchanged.
func (m *Manager) SpendChannel(ctx context.Context, p *common.Payment) (*common.PaymentChannel, error) {
	if p == nil {
		return nil, common.Invalidf("nil payment")
	}

	unlock := m.channelLocks.Lock(p.ChannelID.KeyString())
	defer unlock()

	ch, err := m.store.Get(ctx, p.ChannelID)
	if err != nil {
		return nil, err
	}
	if err := matches(ch, p); err != nil {
		return nil, err
	}
	if ch.State == common.ChannelSettled {
		return nil, xerrors.Errorf("commit on %s: %w", ch.ID, common.ErrChannelSettled)
	}
	if err := wallet.VerifyPayment(p); err != nil {
		return nil, err
	}
	if p.Value.GreaterThan(ch.Value) {
		return nil, common.WithKind(common.ErrInsufficientChannelValue,
			xerrors.Errorf("payment %s exceeds channel value %s", p.Value, ch.Value))
	}
	if err := common.CheckFreshness(ch.Spent, p); err != nil {
		metrics.Count(ctx, metrics.PaymentsCommitted, tag.Upsert(metrics.Outcome, "stale"))
		log.Warnw("rejecting commit", "channel", ch.ID, "spent", ch.Spent, "value", p.Value, "err", err)
		return nil, err
	}

	if err := m.store.Spend(ctx, ch.ID, ch.Spent, p); err != nil {
		return nil, err
	}
	ch.Spent = p.Value

	metrics.Count(ctx, metrics.PaymentsCommitted, tag.Upsert(metrics.Outcome, "ok"))
	log.Debugw("payment committed", "channel", ch.ID, "spent", ch.Spent)

	return ch.Copy(), nil
}

// Deposit tops up an open channel on chain.
func (m *Manager) Deposit(ctx context.Context, channelID cid.Cid, value big.Int) (*common.PaymentChannel, error) {
	if !positive(value) {
		return nil, common.Invalidf("deposit must be positive, got %s", value)
	}

	unlock := m.channelLocks.Lock(channelID.KeyString())
	defer unlock()

	ch, err := m.store.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.State != common.ChannelOpen {
		return nil, xerrors.Errorf("deposit on %s channel %s: %w", ch.State, ch.ID, common.ErrChannelNotOpen)
	}

	rcpt, err := m.contract.Deposit(ctx, ch.Sender, ch.Address, value)
	if err != nil {
		log.Errorw("deposit", "err", err, "channel", ch.ID, "value", value)
		return nil, chainError(err)
	}

	ch.Value = big.Add(ch.Value, value)
	if err := m.store.Update(ctx, ch); err != nil {
		return nil, xerrors.Errorf("record deposit %s on %s: %w", rcpt.Message, ch.ID, err)
	}

	log.Infow("channel deposit", "id", ch.ID, "value", value, "total", ch.Value, "height", rcpt.Height)
	return ch.Copy(), nil
}

type role int

const (
	roleSender role = iota
	roleReceiver
)

func (m *Manager) role(ctx context.Context, ch *common.PaymentChannel) (role, address.Address, error) {
	ok, err := m.signer.Has(ctx, ch.Sender)
	if err != nil {
		return 0, address.Undef, err
	}
	if ok {
		return roleSender, ch.Sender, nil
	}

	ok, err = m.signer.Has(ctx, ch.Receiver)
	if err != nil {
		return 0, address.Undef, err
	}
	if ok {
		return roleReceiver, ch.Receiver, nil
	}

	return 0, address.Undef, xerrors.Errorf("channel %s: %w", ch.ID, common.ErrNotParticipant)
}

// CloseChannel moves a channel toward Settled. The sender settles directly
// unless the escrow already carries a counter-claim; the receiver, or a
// disputed sender, enters Settling until the dispute deadline. Calling it on
// a settling channel finalizes once the deadline passed.
func (m *Manager) CloseChannel(ctx context.Context, channelID cid.Cid) (*common.PaymentChannel, error) {
	unlock := m.channelLocks.Lock(channelID.KeyString())
	defer unlock()

	ch, err := m.store.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}

	switch ch.State {
	case common.ChannelSettled:
		return nil, xerrors.Errorf("close %s: %w", ch.ID, common.ErrChannelSettled)
	case common.ChannelSettling:
		if m.clock.Now().Before(ch.SettlingAt) {
			return ch.Copy(), nil
		}
		return m.finalize(ctx, ch)
	}

	r, caller, err := m.role(ctx, ch)
	if err != nil {
		return nil, err
	}

	last, err := m.store.LastPayment(ctx, ch.ID)
	if err != nil {
		return nil, err
	}

	path := "receiver"
	if r == roleSender {
		st, err := m.contract.Status(ctx, ch.Address)
		if err != nil {
			return nil, chainError(err)
		}

		switch st.State {
		case common.ChannelSettled:
			path = "reconciled"
			ch.State = common.ChannelSettled
		case common.ChannelSettling:
			path = "disputed"
			ch.State = common.ChannelSettling
			ch.SettlingAt = st.SettlingAt
		default:
			path = "sender"
			rcpt, err := m.contract.Settle(ctx, caller, ch.Address, last)
			if err != nil {
				log.Errorw("settle", "err", err, "channel", ch.ID)
				return nil, chainError(err)
			}
			if rcpt.Settled() {
				ch.State = common.ChannelSettled
			} else {
				ch.State = common.ChannelSettling
				ch.SettlingAt = rcpt.SettlingAt
			}
		}
	} else {
		rcpt, err := m.contract.StartSettle(ctx, caller, ch.Address, last)
		if err != nil {
			log.Errorw("start settle", "err", err, "channel", ch.ID)
			return nil, chainError(err)
		}
		ch.State = common.ChannelSettling
		ch.SettlingAt = rcpt.SettlingAt
	}

	if err := m.store.Update(ctx, ch); err != nil {
		return nil, err
	}

	metrics.Count(ctx, metrics.ChannelCloses, tag.Upsert(metrics.Path, path))
	log.Infow("channel closing", "id", ch.ID, "path", path, "state", ch.State, "settling_at", ch.SettlingAt)

	return ch.Copy(), nil
}

// Finalize settles a channel whose dispute window elapsed.
func (m *Manager) Finalize(ctx context.Context, channelID cid.Cid) (*common.PaymentChannel, error) {
	unlock := m.channelLocks.Lock(channelID.KeyString())
	defer unlock()

	ch, err := m.store.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}

	switch ch.State {
	case common.ChannelSettled:
		return nil, xerrors.Errorf("finalize %s: %w", ch.ID, common.ErrChannelSettled)
	case common.ChannelOpen:
		return nil, common.Invalidf("channel %s is not settling", ch.ID)
	}

	if m.clock.Now().Before(ch.SettlingAt) {
		return nil, xerrors.Errorf("channel %s settles at %s: %w", ch.ID, ch.SettlingAt, common.ErrDisputeWindowOpen)
	}
	return m.finalize(ctx, ch)
}

func (m *Manager) finalize(ctx context.Context, ch *common.PaymentChannel) (*common.PaymentChannel, error) {
	_, caller, err := m.role(ctx, ch)
	if err != nil {
		return nil, err
	}

	rcpt, err := m.contract.Finalize(ctx, caller, ch.Address)
	if err != nil {
		log.Errorw("finalize", "err", err, "channel", ch.ID)
		return nil, chainError(err)
	}

	ch.State = common.ChannelSettled
	if err := m.store.Update(ctx, ch); err != nil {
		return nil, err
	}

	metrics.Count(ctx, metrics.ChannelCloses, tag.Upsert(metrics.Path, "finalized"))
	log.Infow("channel settled", "id", ch.ID, "spent", ch.Spent, "height", rcpt.Height)

	return ch.Copy(), nil
}

// Channels lists every channel that is not settled yet.
func (m *Manager) Channels(ctx context.Context) ([]*common.PaymentChannel, error) {
	return m.store.List(ctx, common.ChannelFilter{States: common.ActiveStates})
}

func (m *Manager) OpenChannels(ctx context.Context) ([]*common.PaymentChannel, error) {
	return m.store.List(ctx, common.ChannelFilter{States: []common.ChannelState{common.ChannelOpen}})
}

func (m *Manager) SettlingChannels(ctx context.Context) ([]*common.PaymentChannel, error) {
	return m.store.List(ctx, common.ChannelFilter{States: []common.ChannelState{common.ChannelSettling}})
}

// ChannelByID also resolves settled channels.
func (m *Manager) ChannelByID(ctx context.Context, channelID cid.Cid) (*common.PaymentChannel, error) {
	return m.store.Get(ctx, channelID)
}
