package common

import (
	"golang.org/x/xerrors"
)

var (
	ErrInvalidParameters        = xerrors.New("invalid parameters")
	ErrChainSubmission          = xerrors.New("chain submission failed")
	ErrInsufficientChannelValue = xerrors.New("insufficient channel value")
	ErrChannelNotFound          = xerrors.New("channel not found")
	ErrStalePayment             = xerrors.New("stale payment")
	ErrPreflight                = xerrors.New("preflight failed")
	ErrPaymentRejected          = xerrors.New("payment rejected")
	ErrMissingGateway           = xerrors.New("missing gateway")

	ErrChannelNotOpen    = xerrors.New("channel not open")
	ErrChannelSettled    = xerrors.New("channel settled")
	ErrInvalidSignature  = xerrors.New("invalid signature")
	ErrMalformedPayment  = xerrors.New("malformed payment")
	ErrMalformedTerms    = xerrors.New("malformed payment terms")
	ErrTokenNotFound     = xerrors.New("token not found")
	ErrDisputeWindowOpen = xerrors.New("dispute window still open")
	ErrNotParticipant    = xerrors.New("not a channel participant")
	ErrContractMismatch  = xerrors.New("contract mismatch")
)

// kindError tags a cause with one of the sentinels above. errors.Is matches
// the sentinel, errors.Unwrap returns the cause.
type kindError struct {
	kind error
	err  error
}

func (e *kindError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *kindError) Unwrap() error {
	return e.err
}

func (e *kindError) Is(target error) bool {
	return target == e.kind
}

func WithKind(kind error, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Invalidf reports a parameter problem caught before any I/O.
func Invalidf(format string, args ...interface{}) error {
	return WithKind(ErrInvalidParameters, xerrors.Errorf(format, args...))
}
