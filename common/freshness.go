package common

import (
	"github.com/filecoin-project/go-state-types/big"
	"golang.org/x/xerrors"
)

// CheckFreshness is the single cumulative-value rule applied by both the
// payer when committing and the payee when accepting: the payment must be
// strictly above the last recorded value and must not exceed the value
// backing it.
func CheckFreshness(last big.Int, p *Payment) error {
	if last.Int == nil {
		last = big.Zero()
	}

	if p.Value.Int == nil || p.ChannelValue.Int == nil {
		return Invalidf("payment without value")
	}

	if p.Value.LessThanEqual(last) {
		return WithKind(ErrStalePayment, xerrors.Errorf("value %s does not exceed %s", p.Value, last))
	}

	if p.Value.GreaterThan(p.ChannelValue) {
		return WithKind(ErrInsufficientChannelValue, xerrors.Errorf("value %s exceeds channel value %s", p.Value, p.ChannelValue))
	}

	return nil
}
