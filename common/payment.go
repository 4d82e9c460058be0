package common

import (
	"bytes"
	"encoding/json"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

const PaymentVersion = 1

// Payment is a voucher for a cumulative Value out of a channel backed by
// ChannelValue. Signature covers every field listed before it. Voucher is
// the sender's signature over the escrow contract's own voucher encoding,
// which is what the chain checks on redemption. Token and Increment are set
// by the payee on acceptance.
type Payment struct {
	ChannelID    cid.Cid
	Channel      address.Address
	Sender       address.Address
	Receiver     address.Address
	ChannelValue big.Int
	Value        big.Int
	Meta         string
	Signature    *crypto.Signature
	Voucher      *crypto.Signature
	Token        string
	// Increment is how much Value exceeded the previously accepted payment.
	Increment big.Int
}

func (p *Payment) WithToken(token string) *Payment {
	out := *p
	out.Token = token
	return &out
}

// Accepted returns a copy of p carrying the payee's token and the increment
// it was accepted for.
func (p *Payment) Accepted(token string, increment big.Int) *Payment {
	out := p.WithToken(token)
	out.Increment = increment
	return out
}

type signatureJSON struct {
	Type crypto.SigType `json:"type"`
	Data []byte         `json:"data"`
}

type paymentJSON struct {
	Version      int            `json:"version"`
	ChannelID    string         `json:"channelId"`
	Channel      string         `json:"channel"`
	Sender       string         `json:"sender"`
	Receiver     string         `json:"receiver"`
	ChannelValue string         `json:"channelValue"`
	Value        string         `json:"value"`
	Meta         string         `json:"meta"`
	Signature    *signatureJSON `json:"signature"`
	Voucher      *signatureJSON `json:"voucher,omitempty"`
	Token        string         `json:"token,omitempty"`
	Increment    string         `json:"increment,omitempty"`
}

func (p *Payment) MarshalJSON() ([]byte, error) {
	out := paymentJSON{
		Version:      PaymentVersion,
		ChannelID:    p.ChannelID.String(),
		Channel:      p.Channel.String(),
		Sender:       p.Sender.String(),
		Receiver:     p.Receiver.String(),
		ChannelValue: p.ChannelValue.String(),
		Value:        p.Value.String(),
		Meta:         p.Meta,
		Token:        p.Token,
	}
	if p.Signature != nil {
		out.Signature = &signatureJSON{Type: p.Signature.Type, Data: p.Signature.Data}
	}
	if p.Voucher != nil {
		out.Voucher = &signatureJSON{Type: p.Voucher.Type, Data: p.Voucher.Data}
	}
	if p.Increment.Int != nil {
		out.Increment = p.Increment.String()
	}
	return json.Marshal(&out)
}

func (p *Payment) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var in paymentJSON
	if err := dec.Decode(&in); err != nil {
		return WithKind(ErrMalformedPayment, err)
	}

	out, err := in.payment()
	if err != nil {
		return WithKind(ErrMalformedPayment, err)
	}
	*p = *out
	return nil
}

func (in *paymentJSON) payment() (*Payment, error) {
	if in.Version != PaymentVersion {
		return nil, xerrors.Errorf("unsupported version %d", in.Version)
	}

	channelID, err := cid.Decode(in.ChannelID)
	if err != nil {
		return nil, xerrors.Errorf("channelId: %w", err)
	}

	p := &Payment{
		ChannelID: channelID,
		Meta:      in.Meta,
		Token:     in.Token,
	}

	for _, f := range []struct {
		name string
		raw  string
		dst  *address.Address
	}{
		{"channel", in.Channel, &p.Channel},
		{"sender", in.Sender, &p.Sender},
		{"receiver", in.Receiver, &p.Receiver},
	} {
		addr, err := address.NewFromString(f.raw)
		if err != nil {
			return nil, xerrors.Errorf("%s: %w", f.name, err)
		}
		*f.dst = addr
	}

	if p.ChannelValue, err = parseAmount("channelValue", in.ChannelValue); err != nil {
		return nil, err
	}
	if p.Value, err = parseAmount("value", in.Value); err != nil {
		return nil, err
	}

	if in.Signature == nil || len(in.Signature.Data) == 0 {
		return nil, xerrors.New("signature: missing")
	}
	p.Signature = &crypto.Signature{Type: in.Signature.Type, Data: in.Signature.Data}

	if in.Voucher != nil {
		if len(in.Voucher.Data) == 0 {
			return nil, xerrors.New("voucher: empty signature")
		}
		p.Voucher = &crypto.Signature{Type: in.Voucher.Type, Data: in.Voucher.Data}
	}
	if in.Increment != "" {
		if p.Increment, err = parseAmount("increment", in.Increment); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func parseAmount(name string, raw string) (big.Int, error) {
	if raw == "" {
		return big.Int{}, xerrors.Errorf("%s: missing", name)
	}
	v, err := big.FromString(raw)
	if err != nil {
		return big.Int{}, xerrors.Errorf("%s: %w", name, err)
	}
	if v.Sign() < 0 {
		return big.Int{}, xerrors.Errorf("%s: negative amount %s", name, raw)
	}
	return v, nil
}

// DecodePayment is the strict entry point for payments arriving from outside
// the process.
func DecodePayment(data []byte) (*Payment, error) {
	var p Payment
	if err := json.Unmarshal(data, &p); err != nil {
		if xerrors.Is(err, ErrMalformedPayment) {
			return nil, err
		}
		return nil, WithKind(ErrMalformedPayment, err)
	}
	return &p, nil
}

func (p *Payment) Bytes() ([]byte, error) {
	return json.Marshal(p)
}
