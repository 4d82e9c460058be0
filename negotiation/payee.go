package negotiation

import (
	"context"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/google/uuid"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
	"github.com/ericyoungson/machinomy/metrics"
	"github.com/ericyoungson/machinomy/util"
	"github.com/ericyoungson/machinomy/wallet"
)

// ChannelAcceptor records an accepted payment against the receiver's channel
// state. paychmgr.Manager implements it.
type ChannelAcceptor interface {
	AcceptPayment(ctx context.Context, p *common.Payment) (*common.PaymentChannel, error)
}

type PayeeConfig struct {
	Channels ChannelAcceptor
	Store    PaymentStore
	// Signer must hold the receiver keys payments are addressed to.
	Signer wallet.Signer
}

// Payee is the receiving side of the protocol.
type Payee struct {
	channels ChannelAcceptor
	store    PaymentStore
	signer   wallet.Signer
	locks    *util.KeyMutex
}

func NewPayee(cfg PayeeConfig) (*Payee, error) {
	if cfg.Channels == nil || cfg.Store == nil || cfg.Signer == nil {
		return nil, xerrors.New("negotiation: channels, store and signer are required")
	}
	return &Payee{
		channels: cfg.Channels,
		store:    cfg.Store,
		signer:   cfg.Signer,
		locks:    util.NewKeyMutex(),
	}, nil
}

// AcceptPayment decodes an accept request, checks the payment and returns
// the token proving its acceptance. A payment must exceed the last one this
// payee accepted on the same channel.
func (pe *Payee) AcceptPayment(ctx context.Context, raw []byte) (*AcceptResponse, error) {
	p, purchaseMeta, err := DecodeAcceptRequest(raw)
	if err != nil {
		return nil, pe.reject(ctx, err)
	}

	token, err := pe.accept(ctx, p)
	if err != nil {
		log.Infow("payment rejected", "channel", p.ChannelID, "value", p.Value, "err", err)
		return nil, pe.reject(ctx, err)
	}

	metrics.Count(ctx, metrics.PaymentsAccepted)
	log.Infow("payment accepted", "channel", p.ChannelID, "value", p.Value, "token", token, "purchase", purchaseMeta)
	return &AcceptResponse{Token: token}, nil
}

func (pe *Payee) reject(ctx context.Context, err error) error {
	metrics.Count(ctx, metrics.PaymentsRejected, tag.Upsert(metrics.Outcome, Reason(err)))
	return err
}

func (pe *Payee) accept(ctx context.Context, p *common.Payment) (string, error) {
	if err := wallet.VerifyPayment(p); err != nil {
		return "", err
	}

	ok, err := pe.signer.Has(ctx, p.Receiver)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", xerrors.Errorf("receiver %s: %w", p.Receiver, common.ErrNotParticipant)
	}

	unlock := pe.locks.Lock(p.ChannelID.KeyString())
	defer unlock()

	last, err := pe.store.LastAccepted(ctx, p.ChannelID)
	if err != nil {
		return "", err
	}
	lastValue := big.Zero()
	if last != nil {
		lastValue = last.Value
	}
	if err := common.CheckFreshness(lastValue, p); err != nil {
		return "", err
	}

	// a retry after a failed save finds the channel already at p.Value and is
	// accepted again by the channel side
	if _, err := pe.channels.AcceptPayment(ctx, p); err != nil {
		return "", err
	}

	token := uuid.NewString()
	if err := pe.store.SavePayment(ctx, p.Accepted(token, big.Sub(p.Value, lastValue))); err != nil {
		return "", xerrors.Errorf("persist accepted payment: %w", err)
	}
	return token, nil
}

// AcceptVerify reports whether the token in raw maps to an accepted payment.
// Unknown tokens are a negative answer, not an error.
func (pe *Payee) AcceptVerify(ctx context.Context, raw []byte) (*VerifyResponse, error) {
	token, err := DecodeVerifyRequest(raw)
	if err != nil {
		return nil, err
	}
	return pe.Verify(ctx, token)
}

func (pe *Payee) Verify(ctx context.Context, token string) (*VerifyResponse, error) {
	p, err := pe.store.PaymentByToken(ctx, token)
	if xerrors.Is(err, common.ErrTokenNotFound) {
		return &VerifyResponse{Status: false}, nil
	}
	if err != nil {
		return nil, err
	}
	return &VerifyResponse{Status: true, Payment: p}, nil
}
