package buyer

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
	"github.com/ericyoungson/machinomy/negotiation"
	"github.com/ericyoungson/machinomy/paychmgr"
	"github.com/ericyoungson/machinomy/util"
)

var log = logging.Logger("buyer")

// BuyOptions describes one purchase. Gateway is where the payment is
// delivered; Contract, when set, must match the escrow the manager uses.
type BuyOptions struct {
	Receiver     address.Address
	Price        big.Int
	Gateway      string
	Contract     string
	Meta         string
	PurchaseMeta string
}

func OptionsFromTerms(t *common.PaymentTerms) BuyOptions {
	return BuyOptions{
		Receiver: t.Receiver,
		Price:    t.Price,
		Gateway:  t.Gateway,
		Contract: t.Contract,
		Meta:     t.Meta,
	}
}

type Result struct {
	Token   string
	Channel *common.PaymentChannel
	Payment *common.Payment
}

// Buyer pays for resources out of the sender's channels.
type Buyer struct {
	sender  address.Address
	manager *paychmgr.Manager
	client  *negotiation.Client
	pairs   *util.KeyMutex
}

func New(sender address.Address, manager *paychmgr.Manager, client *negotiation.Client) *Buyer {
	return &Buyer{
		sender:  sender,
		manager: manager,
		client:  client,
		pairs:   util.NewKeyMutex(),
	}
}

func (b *Buyer) Manager() *paychmgr.Manager {
	return b.manager
}

// Buy pays opts.Price to opts.Receiver through opts.Gateway. The payment is
// committed to the channel only after the gateway accepted it. Purchases
// from the same receiver run one at a time.
func (b *Buyer) Buy(ctx context.Context, opts BuyOptions) (*Result, error) {
	if opts.Gateway == "" {
		return nil, common.ErrMissingGateway
	}
	if opts.Contract != "" && opts.Contract != b.manager.Contract().ID() {
		return nil, xerrors.Errorf("payee expects %q, channels live on %q: %w", opts.Contract, b.manager.Contract().ID(), common.ErrContractMismatch)
	}

	unlock := b.pairs.Lock(opts.Receiver.String())
	defer unlock()

	ch, err := b.manager.RequireOpenChannel(ctx, b.sender, opts.Receiver, opts.Price)
	if err != nil {
		return nil, err
	}

	p, err := b.manager.NextPayment(ctx, ch.ID, opts.Price, opts.Meta)
	if err != nil {
		return nil, err
	}

	token, err := b.client.DoPayment(ctx, p, opts.Gateway, opts.PurchaseMeta)
	if err != nil {
		return nil, err
	}

	ch, err = b.manager.SpendChannel(ctx, p)
	if err != nil {
		log.Errorw("payment accepted but not committed", "channel", p.ChannelID, "value", p.Value, "token", token, "err", err)
		return nil, err
	}

	log.Infow("bought", "receiver", opts.Receiver, "price", opts.Price, "channel", ch.ID, "spent", ch.Spent, "token", token)
	return &Result{Token: token, Channel: ch, Payment: p.WithToken(token)}, nil
}

// BuyURL preflights uri and buys on the terms it answers with.
func (b *Buyer) BuyURL(ctx context.Context, uri string, purchaseMeta string) (*Result, error) {
	terms, err := b.client.DoPreflight(ctx, uri)
	if err != nil {
		return nil, err
	}

	opts := OptionsFromTerms(terms)
	opts.PurchaseMeta = purchaseMeta
	return b.Buy(ctx, opts)
}

func (b *Buyer) Deposit(ctx context.Context, channelID cid.Cid, value big.Int) (*common.PaymentChannel, error) {
	return b.manager.Deposit(ctx, channelID, value)
}

func (b *Buyer) Close(ctx context.Context, channelID cid.Cid) (*common.PaymentChannel, error) {
	return b.manager.CloseChannel(ctx, channelID)
}

func (b *Buyer) Channels(ctx context.Context) ([]*common.PaymentChannel, error) {
	return b.manager.Channels(ctx)
}
