package escrow

import (
	"bytes"
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/lotus/api"
	"github.com/filecoin-project/lotus/build"
	"github.com/filecoin-project/lotus/chain/actors"
	"github.com/filecoin-project/lotus/chain/actors/builtin/paych"
	"github.com/filecoin-project/lotus/chain/types"
	init2 "github.com/filecoin-project/specs-actors/v2/actors/builtin/init"
	builtin7 "github.com/filecoin-project/specs-actors/v7/actors/builtin"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
	"github.com/ericyoungson/machinomy/util"
)

// Lotus drives payment channel actors through a lotus full node. Vouchers
// ride on lane 0 and the cumulative value doubles as the lane nonce.
type Lotus struct {
	node       api.FullNode
	confidence uint64
}

func NewLotus(node api.FullNode) *Lotus {
	return &Lotus{
		node:       node,
		confidence: build.MessageConfidence,
	}
}

// LotusContractID is the contract id advertised for channels held in lotus
// payment channel actors.
func LotusContractID() string {
	return builtin7.PaymentChannelActorCodeID.String()
}

func (l *Lotus) ID() string {
	return LotusContractID()
}

func (l *Lotus) messageBuilder(ctx context.Context, from address.Address) (paych.MessageBuilder, error) {
	nv, err := l.node.StateNetworkVersion(ctx, types.EmptyTSK)
	if err != nil {
		return nil, err
	}

	av, err := actors.VersionForNetwork(nv)
	if err != nil {
		return nil, err
	}

	return paych.Message(av, from), nil
}

func (l *Lotus) push(ctx context.Context, msg *types.Message) (Receipt, *api.MsgLookup, error) {
	smsg, err := l.node.MpoolPushMessage(ctx, msg, nil)
	if err != nil {
		return Receipt{}, nil, common.WithKind(common.ErrChainSubmission, err)
	}

	lookup, err := l.node.StateWaitMsg(ctx, smsg.Cid(), l.confidence, api.LookbackNoLimit, true)
	if err != nil {
		return Receipt{}, nil, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("wait for %s: %w", smsg.Cid(), err))
	}

	if lookup.Receipt.ExitCode.IsError() {
		return Receipt{}, nil, common.WithKind(common.ErrChainSubmission, xerrors.Errorf("message %s failed with exit code %d", lookup.Message, lookup.Receipt.ExitCode))
	}

	log.Debugw("message confirmed", "cid", lookup.Message, "height", lookup.Height, "method", msg.Method)

	return Receipt{Message: lookup.Message, Height: lookup.Height}, lookup, nil
}

func (l *Lotus) Open(ctx context.Context, req OpenRequest) (OpenReceipt, error) {
	mb, err := l.messageBuilder(ctx, req.Sender)
	if err != nil {
		return OpenReceipt{}, err
	}

	msg, err := mb.Create(req.Receiver, req.Value)
	if err != nil {
		return OpenReceipt{}, err
	}

	rcpt, lookup, err := l.push(ctx, msg)
	if err != nil {
		return OpenReceipt{}, err
	}

	var ret init2.ExecReturn
	if err := ret.UnmarshalCBOR(bytes.NewReader(lookup.Receipt.Return)); err != nil {
		return OpenReceipt{}, xerrors.Errorf("decode exec return of %s: %w", rcpt.Message, err)
	}

	return OpenReceipt{Receipt: rcpt, Channel: ret.RobustAddress}, nil
}

func (l *Lotus) Deposit(ctx context.Context, from address.Address, ch address.Address, value big.Int) (Receipt, error) {
	rcpt, _, err := l.push(ctx, &types.Message{
		To:     ch,
		From:   from,
		Value:  value,
		Method: builtin7.MethodSend,
	})
	return rcpt, err
}

func voucher(p *common.Payment) (*paych.SignedVoucher, error) {
	if !p.Value.IsUint64() {
		return nil, common.Invalidf("payment value %s does not fit a lane nonce", p.Value)
	}
	return &paych.SignedVoucher{
		ChannelAddr: p.Channel,
		Lane:        0,
		Nonce:       p.Value.Uint64(),
		Amount:      p.Value,
	}, nil
}

// VoucherBytes are the bytes the payment channel actor verifies the voucher
// signature against.
func (l *Lotus) VoucherBytes(p *common.Payment) ([]byte, error) {
	sv, err := voucher(p)
	if err != nil {
		return nil, err
	}
	return sv.SigningBytes()
}

func (l *Lotus) update(ctx context.Context, caller address.Address, ch address.Address, p *common.Payment) (Receipt, error) {
	if p.Channel != ch {
		return Receipt{}, common.Invalidf("payment for %s submitted to %s", p.Channel, ch)
	}
	if p.Voucher == nil {
		return Receipt{}, xerrors.Errorf("payment %s on %s carries no voucher: %w", p.Value, ch, common.ErrInvalidSignature)
	}

	sv, err := voucher(p)
	if err != nil {
		return Receipt{}, err
	}
	sv.Signature = p.Voucher

	mb, err := l.messageBuilder(ctx, caller)
	if err != nil {
		return Receipt{}, err
	}

	msg, err := mb.Update(ch, sv, nil)
	if err != nil {
		return Receipt{}, err
	}

	rcpt, _, err := l.push(ctx, msg)
	return rcpt, err
}

func (l *Lotus) settle(ctx context.Context, caller address.Address, ch address.Address) (CloseReceipt, error) {
	mb, err := l.messageBuilder(ctx, caller)
	if err != nil {
		return CloseReceipt{}, err
	}

	msg, err := mb.Settle(ch)
	if err != nil {
		return CloseReceipt{}, err
	}

	rcpt, _, err := l.push(ctx, msg)
	if err != nil {
		return CloseReceipt{}, err
	}

	st, err := l.Status(ctx, ch)
	if err != nil {
		return CloseReceipt{}, err
	}

	return CloseReceipt{Receipt: rcpt, SettlingAt: st.SettlingAt}, nil
}

// Settle on Filecoin always starts the actor's settle delay. The actor only
// takes a voucher from the party that did not sign it, so final is redeemed
// here only when the caller is its receiver. Otherwise the receiver's
// manager claims it during the settle delay.
func (l *Lotus) Settle(ctx context.Context, caller address.Address, ch address.Address, final *common.Payment) (CloseReceipt, error) {
	return l.StartSettle(ctx, caller, ch, final)
}

func (l *Lotus) StartSettle(ctx context.Context, caller address.Address, ch address.Address, final *common.Payment) (CloseReceipt, error) {
	if final != nil && caller == final.Receiver {
		if _, err := l.update(ctx, caller, ch, final); err != nil {
			return CloseReceipt{}, err
		}
	} else if final != nil {
		log.Infow("leaving final voucher to the receiver", "channel", ch, "value", final.Value, "receiver", final.Receiver)
	}
	return l.settle(ctx, caller, ch)
}

func (l *Lotus) Claim(ctx context.Context, caller address.Address, ch address.Address, p *common.Payment) (Receipt, error) {
	return l.update(ctx, caller, ch, p)
}

func (l *Lotus) Finalize(ctx context.Context, caller address.Address, ch address.Address) (Receipt, error) {
	mb, err := l.messageBuilder(ctx, caller)
	if err != nil {
		return Receipt{}, err
	}

	msg, err := mb.Collect(ch)
	if err != nil {
		return Receipt{}, err
	}

	rcpt, _, err := l.push(ctx, msg)
	return rcpt, err
}

func (l *Lotus) Status(ctx context.Context, ch address.Address) (*Status, error) {
	act, err := l.node.StateGetActor(ctx, ch, types.EmptyTSK)
	if err != nil {
		if util.IsActorNotFound(err) {
			// collected channels are deleted
			return &Status{State: common.ChannelSettled, Balance: big.Zero(), Claimed: big.Zero()}, nil
		}
		return nil, err
	}

	st, err := paych.Load(util.ActorStore(ctx, l.node), act)
	if err != nil {
		log.Errorw("paych.Load", "err", err, "channel", ch)
		return nil, err
	}

	out := &Status{
		Balance: act.Balance,
		State:   common.ChannelOpen,
	}
	if out.Sender, err = st.From(); err != nil {
		return nil, err
	}
	if out.Receiver, err = st.To(); err != nil {
		return nil, err
	}
	if out.Claimed, err = st.ToSend(); err != nil {
		return nil, err
	}

	settlingAt, err := st.SettlingAt()
	if err != nil {
		return nil, err
	}
	if settlingAt != 0 {
		out.State = common.ChannelSettling
		out.SettlingAt = util.EpochToTime(settlingAt)
	}

	return out, nil
}
