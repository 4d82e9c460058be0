package common

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"golang.org/x/xerrors"
)

const (
	HeaderReceiver = "X-Payment-Receiver"
	HeaderPrice    = "X-Payment-Price"
	HeaderGateway  = "X-Payment-Gateway"
	HeaderContract = "X-Payment-Contract"
	HeaderMeta     = "X-Payment-Meta"
)

// PaymentTerms is what a payee answers with a 402: who to pay, how much,
// where to deliver the payment and which escrow contract it expects.
type PaymentTerms struct {
	Receiver address.Address
	Price    big.Int
	Gateway  string
	Contract string
	Meta     string
}

type termsJSON struct {
	Receiver string `json:"receiver"`
	Price    string `json:"price"`
	Gateway  string `json:"gateway"`
	Contract string `json:"contract"`
	Meta     string `json:"meta"`
}

func (t *PaymentTerms) MarshalJSON() ([]byte, error) {
	return json.Marshal(&termsJSON{
		Receiver: t.Receiver.String(),
		Price:    t.Price.String(),
		Gateway:  t.Gateway,
		Contract: t.Contract,
		Meta:     t.Meta,
	})
}

func (t *PaymentTerms) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var in termsJSON
	if err := dec.Decode(&in); err != nil {
		return WithKind(ErrMalformedTerms, err)
	}

	out, err := in.terms()
	if err != nil {
		return WithKind(ErrMalformedTerms, err)
	}
	*t = *out
	return nil
}

func (in *termsJSON) terms() (*PaymentTerms, error) {
	receiver, err := address.NewFromString(in.Receiver)
	if err != nil {
		return nil, xerrors.Errorf("receiver: %w", err)
	}

	price, err := parseAmount("price", in.Price)
	if err != nil {
		return nil, err
	}
	if price.Sign() == 0 {
		return nil, xerrors.New("price: must be positive")
	}

	return &PaymentTerms{
		Receiver: receiver,
		Price:    price,
		Gateway:  in.Gateway,
		Contract: in.Contract,
		Meta:     in.Meta,
	}, nil
}

func DecodeTerms(data []byte) (*PaymentTerms, error) {
	var t PaymentTerms
	if err := json.Unmarshal(data, &t); err != nil {
		if xerrors.Is(err, ErrMalformedTerms) {
			return nil, err
		}
		return nil, WithKind(ErrMalformedTerms, err)
	}
	return &t, nil
}

func (t *PaymentTerms) WriteHeaders(h http.Header) {
	h.Set(HeaderReceiver, t.Receiver.String())
	h.Set(HeaderPrice, t.Price.String())
	h.Set(HeaderGateway, t.Gateway)
	if t.Contract != "" {
		h.Set(HeaderContract, t.Contract)
	}
	if t.Meta != "" {
		h.Set(HeaderMeta, t.Meta)
	}
}

// TermsFromHeaders reads terms advertised through X-Payment-* headers only.
func TermsFromHeaders(h http.Header) (*PaymentTerms, error) {
	in := termsJSON{
		Receiver: h.Get(HeaderReceiver),
		Price:    h.Get(HeaderPrice),
		Gateway:  h.Get(HeaderGateway),
		Contract: h.Get(HeaderContract),
		Meta:     h.Get(HeaderMeta),
	}
	t, err := in.terms()
	if err != nil {
		return nil, WithKind(ErrMalformedTerms, err)
	}
	return t, nil
}
