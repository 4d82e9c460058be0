package wallet

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/lotus/lib/sigs"
	_ "github.com/filecoin-project/lotus/lib/sigs/secp"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
)

var log = logging.Logger("wallet")

// Signer produces signatures on behalf of the addresses it controls.
type Signer interface {
	Sign(ctx context.Context, signer address.Address, data []byte) (*crypto.Signature, error)
	Has(ctx context.Context, addr address.Address) (bool, error)
}

func Verify(sig *crypto.Signature, signer address.Address, data []byte) error {
	if sig == nil {
		return xerrors.Errorf("missing signature: %w", common.ErrInvalidSignature)
	}
	if err := sigs.Verify(sig, signer, data); err != nil {
		return common.WithKind(common.ErrInvalidSignature, err)
	}
	return nil
}

func SignPayment(ctx context.Context, s Signer, p *common.Payment) error {
	data, err := p.SigningBytes()
	if err != nil {
		return err
	}

	sig, err := s.Sign(ctx, p.Sender, data)
	if err != nil {
		return xerrors.Errorf("sign payment for %s: %w", p.ChannelID, err)
	}
	p.Signature = sig
	return nil
}

// VerifyPayment checks that the payment was signed by its sender.
func VerifyPayment(p *common.Payment) error {
	data, err := p.SigningBytes()
	if err != nil {
		return common.WithKind(common.ErrMalformedPayment, err)
	}
	if err := Verify(p.Signature, p.Sender, data); err != nil {
		log.Debugw("payment signature rejected", "channel", p.ChannelID, "sender", p.Sender, "err", err)
		return err
	}
	return nil
}

// VoucherEncoder renders a payment in the form an escrow contract checks
// signatures against. escrow.Contract implements it.
type VoucherEncoder interface {
	VoucherBytes(p *common.Payment) ([]byte, error)
}

// SignVoucher sets p.Voucher to the sender's signature over enc's encoding.
func SignVoucher(ctx context.Context, s Signer, enc VoucherEncoder, p *common.Payment) error {
	data, err := enc.VoucherBytes(p)
	if err != nil {
		return err
	}

	sig, err := s.Sign(ctx, p.Sender, data)
	if err != nil {
		return xerrors.Errorf("sign voucher for %s: %w", p.ChannelID, err)
	}
	p.Voucher = sig
	return nil
}

func VerifyVoucher(enc VoucherEncoder, p *common.Payment) error {
	data, err := enc.VoucherBytes(p)
	if err != nil {
		return common.WithKind(common.ErrMalformedPayment, err)
	}
	if err := Verify(p.Voucher, p.Sender, data); err != nil {
		log.Debugw("voucher signature rejected", "channel", p.ChannelID, "sender", p.Sender, "err", err)
		return err
	}
	return nil
}
