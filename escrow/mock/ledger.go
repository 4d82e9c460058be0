package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
	"github.com/ericyoungson/machinomy/escrow"
	"github.com/ericyoungson/machinomy/wallet"
)

const ContractID = "mock-escrow"

const (
	OpOpen        = "open"
	OpDeposit     = "deposit"
	OpSettle      = "settle"
	OpStartSettle = "start_settle"
	OpClaim       = "claim"
	OpFinalize    = "finalize"
	OpStatus      = "status"
)

type Config struct {
	// Clock drives settlement deadlines.
	Clock clock.Clock
	// SettlementPeriod is the dispute window opened by StartSettle.
	SettlementPeriod time.Duration
	// ConfirmDelay simulates confirmation latency on every write.
	ConfirmDelay time.Duration
}

type account struct {
	sender     address.Address
	receiver   address.Address
	balance    big.Int
	claimed    big.Int
	settlingAt time.Time
	settled    bool
}

// Ledger is an in-memory escrow contract. It verifies voucher signatures and
// keeps payouts per address so tests can check where funds ended up.
type Ledger struct {
	lk       sync.Mutex
	cfg      Config
	nextID   uint64
	height   abi.ChainEpoch
	accounts map[address.Address]*account
	payouts  map[address.Address]big.Int
	failures map[string]error
	calls    map[string]int
}

var _ escrow.Contract = (*Ledger)(nil)

func New(cfg Config) *Ledger {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.SettlementPeriod == 0 {
		cfg.SettlementPeriod = time.Hour
	}
	return &Ledger{
		cfg:      cfg,
		nextID:   1000,
		accounts: make(map[address.Address]*account),
		payouts:  make(map[address.Address]big.Int),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (l *Ledger) ID() string {
	return ContractID
}

// VoucherBytes binds the contract, channel and cumulative value.
func (l *Ledger) VoucherBytes(p *common.Payment) ([]byte, error) {
	if p.Value.Int == nil {
		return nil, xerrors.New("voucher without value")
	}
	return []byte(fmt.Sprintf("%s/%s/%s", ContractID, p.Channel, p.Value)), nil
}

// FailNext makes the next call of op return err.
func (l *Ledger) FailNext(op string, err error) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.failures[op] = err
}

func (l *Ledger) Calls(op string) int {
	l.lk.Lock()
	defer l.lk.Unlock()
	return l.calls[op]
}

func (l *Ledger) TotalCalls() int {
	l.lk.Lock()
	defer l.lk.Unlock()
	total := 0
	for _, n := range l.calls {
		total += n
	}
	return total
}

func (l *Ledger) Payout(addr address.Address) big.Int {
	l.lk.Lock()
	defer l.lk.Unlock()
	if v, ok := l.payouts[addr]; ok {
		return v
	}
	return big.Zero()
}

// begin waits out the confirmation delay and takes the ledger lock. The
// caller must call l.lk.Unlock when err is nil.
func (l *Ledger) begin(ctx context.Context, op string) error {
	if l.cfg.ConfirmDelay > 0 {
		select {
		case <-ctx.Done():
			return common.WithKind(common.ErrChainSubmission, ctx.Err())
		case <-time.After(l.cfg.ConfirmDelay):
		}
	}

	l.lk.Lock()
	l.calls[op]++
	if err, ok := l.failures[op]; ok {
		delete(l.failures, op)
		l.lk.Unlock()
		return common.WithKind(common.ErrChainSubmission, err)
	}
	return nil
}

func (l *Ledger) receipt(op string) escrow.Receipt {
	l.height++
	c, _ := cid.NewPrefixV1(cid.Raw, mh.SHA2_256).Sum([]byte(fmt.Sprintf("%s/%d", op, l.height)))
	return escrow.Receipt{Message: c, Height: l.height}
}

func (l *Ledger) account(ch address.Address) (*account, error) {
	acc, ok := l.accounts[ch]
	if !ok {
		return nil, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("no escrow at %s", ch))
	}
	return acc, nil
}

func (l *Ledger) Open(ctx context.Context, req escrow.OpenRequest) (escrow.OpenReceipt, error) {
	if err := l.begin(ctx, OpOpen); err != nil {
		return escrow.OpenReceipt{}, err
	}
	defer l.lk.Unlock()

	if req.Value.Int == nil || req.Value.Sign() <= 0 {
		return escrow.OpenReceipt{}, common.WithKind(common.ErrChainSubmission, xerrors.New("open requires a positive value"))
	}

	l.nextID++
	ch, err := address.NewIDAddress(l.nextID)
	if err != nil {
		return escrow.OpenReceipt{}, err
	}

	l.accounts[ch] = &account{
		sender:   req.Sender,
		receiver: req.Receiver,
		balance:  req.Value,
		claimed:  big.Zero(),
	}

	return escrow.OpenReceipt{Receipt: l.receipt(OpOpen), Channel: ch}, nil
}

func (l *Ledger) Deposit(ctx context.Context, from address.Address, ch address.Address, value big.Int) (escrow.Receipt, error) {
	if err := l.begin(ctx, OpDeposit); err != nil {
		return escrow.Receipt{}, err
	}
	defer l.lk.Unlock()

	acc, err := l.account(ch)
	if err != nil {
		return escrow.Receipt{}, err
	}
	if acc.settled || !acc.settlingAt.IsZero() {
		return escrow.Receipt{}, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("escrow %s is closing", ch))
	}
	if from != acc.sender {
		return escrow.Receipt{}, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("%s is not the sender of %s", from, ch))
	}

	acc.balance = big.Add(acc.balance, value)
	return l.receipt(OpDeposit), nil
}

// redeem records p as the claimed amount if it is a valid, higher voucher.
func (l *Ledger) redeem(ch address.Address, acc *account, p *common.Payment) error {
	if p.Channel != ch || p.Sender != acc.sender || p.Receiver != acc.receiver {
		return xerrors.Errorf("payment does not belong to escrow %s", ch)
	}
	if err := wallet.VerifyVoucher(l, p); err != nil {
		return err
	}
	if p.Value.GreaterThan(acc.balance) {
		return xerrors.Errorf("payment %s exceeds balance %s", p.Value, acc.balance)
	}
	if p.Value.LessThanEqual(acc.claimed) {
		return xerrors.Errorf("payment %s does not exceed claimed %s", p.Value, acc.claimed)
	}
	acc.claimed = p.Value
	return nil
}

func (l *Ledger) payout(acc *account) {
	l.payouts[acc.receiver] = big.Add(l.payoutOf(acc.receiver), acc.claimed)
	l.payouts[acc.sender] = big.Add(l.payoutOf(acc.sender), big.Sub(acc.balance, acc.claimed))
	acc.balance = big.Zero()
	acc.settled = true
}

func (l *Ledger) payoutOf(addr address.Address) big.Int {
	if v, ok := l.payouts[addr]; ok {
		return v
	}
	return big.Zero()
}

func (l *Ledger) Settle(ctx context.Context, sender address.Address, ch address.Address, final *common.Payment) (escrow.CloseReceipt, error) {
	if err := l.begin(ctx, OpSettle); err != nil {
		return escrow.CloseReceipt{}, err
	}
	defer l.lk.Unlock()

	acc, err := l.account(ch)
	if err != nil {
		return escrow.CloseReceipt{}, err
	}
	if sender != acc.sender {
		return escrow.CloseReceipt{}, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("%s is not the sender of %s", sender, ch))
	}
	if acc.settled || !acc.settlingAt.IsZero() {
		return escrow.CloseReceipt{}, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("escrow %s is already closing", ch))
	}
	if final != nil && final.Value.GreaterThan(acc.claimed) {
		if err := l.redeem(ch, acc, final); err != nil {
			return escrow.CloseReceipt{}, common.WithKind(common.ErrChainSubmission, err)
		}
	}

	l.payout(acc)
	return escrow.CloseReceipt{Receipt: l.receipt(OpSettle)}, nil
}

func (l *Ledger) StartSettle(ctx context.Context, caller address.Address, ch address.Address, final *common.Payment) (escrow.CloseReceipt, error) {
	if err := l.begin(ctx, OpStartSettle); err != nil {
		return escrow.CloseReceipt{}, err
	}
	defer l.lk.Unlock()

	acc, err := l.account(ch)
	if err != nil {
		return escrow.CloseReceipt{}, err
	}
	if caller != acc.sender && caller != acc.receiver {
		return escrow.CloseReceipt{}, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("%s is not a party of %s", caller, ch))
	}
	if acc.settled {
		return escrow.CloseReceipt{}, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("escrow %s is settled", ch))
	}
	if final != nil && final.Value.GreaterThan(acc.claimed) {
		if err := l.redeem(ch, acc, final); err != nil {
			return escrow.CloseReceipt{}, common.WithKind(common.ErrChainSubmission, err)
		}
	}

	if acc.settlingAt.IsZero() {
		acc.settlingAt = l.cfg.Clock.Now().Add(l.cfg.SettlementPeriod)
	}
	return escrow.CloseReceipt{Receipt: l.receipt(OpStartSettle), SettlingAt: acc.settlingAt}, nil
}

func (l *Ledger) Claim(ctx context.Context, caller address.Address, ch address.Address, p *common.Payment) (escrow.Receipt, error) {
	if err := l.begin(ctx, OpClaim); err != nil {
		return escrow.Receipt{}, err
	}
	defer l.lk.Unlock()

	acc, err := l.account(ch)
	if err != nil {
		return escrow.Receipt{}, err
	}
	if caller != acc.receiver {
		return escrow.Receipt{}, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("%s is not the receiver of %s", caller, ch))
	}
	if acc.settled {
		return escrow.Receipt{}, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("escrow %s is settled", ch))
	}
	if !acc.settlingAt.IsZero() && !l.cfg.Clock.Now().Before(acc.settlingAt) {
		return escrow.Receipt{}, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("dispute window of %s elapsed", ch))
	}
	if err := l.redeem(ch, acc, p); err != nil {
		return escrow.Receipt{}, common.WithKind(common.ErrChainSubmission, err)
	}

	return l.receipt(OpClaim), nil
}

func (l *Ledger) Finalize(ctx context.Context, caller address.Address, ch address.Address) (escrow.Receipt, error) {
	if err := l.begin(ctx, OpFinalize); err != nil {
		return escrow.Receipt{}, err
	}
	defer l.lk.Unlock()

	acc, err := l.account(ch)
	if err != nil {
		return escrow.Receipt{}, err
	}
	if caller != acc.sender && caller != acc.receiver {
		return escrow.Receipt{}, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("%s is not a party of %s", caller, ch))
	}
	if acc.settled {
		return escrow.Receipt{}, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("escrow %s is settled", ch))
	}
	if acc.settlingAt.IsZero() || l.cfg.Clock.Now().Before(acc.settlingAt) {
		return escrow.Receipt{}, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("dispute window of %s still open", ch))
	}

	l.payout(acc)
	return l.receipt(OpFinalize), nil
}

func (l *Ledger) Status(ctx context.Context, ch address.Address) (*escrow.Status, error) {
	if err := l.begin(ctx, OpStatus); err != nil {
		return nil, err
	}
	defer l.lk.Unlock()

	acc, err := l.account(ch)
	if err != nil {
		return nil, err
	}

	st := &escrow.Status{
		Sender:     acc.sender,
		Receiver:   acc.receiver,
		Balance:    acc.balance,
		Claimed:    acc.claimed,
		State:      common.ChannelOpen,
		SettlingAt: acc.settlingAt,
	}
	switch {
	case acc.settled:
		st.State = common.ChannelSettled
	case !acc.settlingAt.IsZero():
		st.State = common.ChannelSettling
	}
	return st, nil
}
