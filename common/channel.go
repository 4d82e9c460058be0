package common

import (
	"encoding/json"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	"golang.org/x/xerrors"
)

type ChannelState int

const (
	ChannelOpen ChannelState = iota
	ChannelSettling
	ChannelSettled
)

var channelStateNames = map[ChannelState]string{
	ChannelOpen:     "open",
	ChannelSettling: "settling",
	ChannelSettled:  "settled",
}

func (s ChannelState) String() string {
	if name, ok := channelStateNames[s]; ok {
		return name
	}
	return "unknown"
}

func ParseChannelState(s string) (ChannelState, error) {
	for state, name := range channelStateNames {
		if name == s {
			return state, nil
		}
	}
	return 0, Invalidf("unknown channel state %q", s)
}

// PaymentChannel is the locally tracked view of one escrow between a sender
// and a receiver. Value is the total deposit, Spent the last committed
// cumulative payment.
type PaymentChannel struct {
	ID         cid.Cid         `json:"id"`
	Address    address.Address `json:"address"`
	Sender     address.Address `json:"sender"`
	Receiver   address.Address `json:"receiver"`
	Nonce      uint64          `json:"nonce"`
	Value      big.Int         `json:"value"`
	Spent      big.Int         `json:"spent"`
	State      ChannelState    `json:"state"`
	SettlingAt time.Time       `json:"settlingAt,omitempty"`
}

func (ch *PaymentChannel) Available() big.Int {
	return big.Sub(ch.Value, ch.Spent)
}

func (ch *PaymentChannel) Copy() *PaymentChannel {
	out := *ch
	return &out
}

// CheckInvariant verifies 0 <= spent <= value.
func (ch *PaymentChannel) CheckInvariant() error {
	if ch.Spent.Sign() < 0 || ch.Spent.GreaterThan(ch.Value) {
		return xerrors.Errorf("channel %s: spent %s outside [0, %s]", ch.ID, ch.Spent, ch.Value)
	}
	return nil
}

func (ch *PaymentChannel) Bytes() ([]byte, error) {
	return json.Marshal(ch)
}

func ChannelFromBytes(data []byte) (*PaymentChannel, error) {
	var ch PaymentChannel
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, xerrors.Errorf("decode channel: %w", err)
	}
	return &ch, nil
}

// ChannelFilter selects tracked channels. Undefined addresses and an empty
// state list match everything.
type ChannelFilter struct {
	Sender   address.Address
	Receiver address.Address
	States   []ChannelState
}

func (f ChannelFilter) Match(ch *PaymentChannel) bool {
	if f.Sender != address.Undef && f.Sender != ch.Sender {
		return false
	}
	if f.Receiver != address.Undef && f.Receiver != ch.Receiver {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if s == ch.State {
			return true
		}
	}
	return false
}

// ActiveStates are the states still subject to payments or claims.
var ActiveStates = []ChannelState{ChannelOpen, ChannelSettling}
