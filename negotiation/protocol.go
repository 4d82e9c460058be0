package negotiation

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
)

var log = logging.Logger("negotiation")

const (
	AcceptPath = "/accept"
	VerifyPath = "/verify"
)

// PaymentStore keeps the payments a payee accepted.
type PaymentStore interface {
	// SavePayment stores p under p.Token.
	SavePayment(ctx context.Context, p *common.Payment) error
	// PaymentByToken fails with common.ErrTokenNotFound for unknown tokens.
	PaymentByToken(ctx context.Context, token string) (*common.Payment, error)
	// LastAccepted returns nil when nothing was accepted on the channel.
	LastAccepted(ctx context.Context, channelID cid.Cid) (*common.Payment, error)
	Close() error
}

// AcceptRequest is the body posted to a gateway's accept endpoint.
type AcceptRequest struct {
	Payment      json.RawMessage `json:"payment"`
	PurchaseMeta string          `json:"purchaseMeta,omitempty"`
}

type AcceptResponse struct {
	Token string `json:"token"`
}

type VerifyRequest struct {
	Token string `json:"token"`
}

type VerifyResponse struct {
	Status  bool            `json:"status"`
	Payment *common.Payment `json:"payment,omitempty"`
}

// ErrorResponse is what a gateway answers when it refuses a request.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return xerrors.New("trailing data after request")
	}
	return nil
}

func DecodeAcceptRequest(data []byte) (*common.Payment, string, error) {
	var req AcceptRequest
	if err := decodeStrict(data, &req); err != nil {
		return nil, "", common.WithKind(common.ErrMalformedPayment, err)
	}
	if len(req.Payment) == 0 {
		return nil, "", common.WithKind(common.ErrMalformedPayment, xerrors.New("payment: missing"))
	}

	p, err := common.DecodePayment(req.Payment)
	if err != nil {
		return nil, "", err
	}
	if p.Token != "" || p.Increment.Int != nil {
		return nil, "", common.WithKind(common.ErrMalformedPayment, xerrors.New("token and increment are assigned by the payee"))
	}
	return p, req.PurchaseMeta, nil
}

func DecodeVerifyRequest(data []byte) (string, error) {
	var req VerifyRequest
	if err := decodeStrict(data, &req); err != nil {
		return "", common.Invalidf("verify request: %w", err)
	}
	if strings.TrimSpace(req.Token) == "" {
		return "", common.Invalidf("verify request: token missing")
	}
	return req.Token, nil
}

var reasons = []struct {
	kind   error
	reason string
}{
	{common.ErrMalformedPayment, "malformed_payment"},
	{common.ErrInvalidParameters, "invalid_parameters"},
	{common.ErrInvalidSignature, "invalid_signature"},
	{common.ErrStalePayment, "stale_payment"},
	{common.ErrInsufficientChannelValue, "insufficient_channel_value"},
	{common.ErrChannelSettled, "channel_settled"},
	{common.ErrChannelNotOpen, "channel_not_open"},
	{common.ErrNotParticipant, "not_participant"},
	{common.ErrChainSubmission, "chain_submission"},
}

// Reason names the error kind carried by err, "internal" when none matches.
func Reason(err error) string {
	for _, r := range reasons {
		if xerrors.Is(err, r.kind) {
			return r.reason
		}
	}
	return "internal"
}

func reasonKind(reason string) error {
	for _, r := range reasons {
		if r.reason == reason {
			return r.kind
		}
	}
	return nil
}
