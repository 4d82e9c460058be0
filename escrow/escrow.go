package escrow

import (
	"context"
	"time"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/ericyoungson/machinomy/common"
)

var log = logging.Logger("escrow")

// Receipt identifies a confirmed chain message.
type Receipt struct {
	Message cid.Cid
	Height  abi.ChainEpoch
}

type OpenRequest struct {
	Sender   address.Address
	Receiver address.Address
	Nonce    uint64
	Value    big.Int
}

type OpenReceipt struct {
	Receipt
	Channel address.Address
}

// CloseReceipt carries the settlement deadline. A zero SettlingAt means the
// channel was settled by the call itself.
type CloseReceipt struct {
	Receipt
	SettlingAt time.Time
}

func (r CloseReceipt) Settled() bool {
	return r.SettlingAt.IsZero()
}

// Status is the on-chain view of one escrow account.
type Status struct {
	Sender     address.Address
	Receiver   address.Address
	Balance    big.Int
	Claimed    big.Int
	State      common.ChannelState
	SettlingAt time.Time
}

// Contract is the escrow surface the channel manager depends on. Every call
// returns only after the message is confirmed.
type Contract interface {
	// ID names the escrow contract, advertised in payment terms.
	ID() string
	// VoucherBytes is the encoding of p whose sender signature the contract
	// accepts on redemption.
	VoucherBytes(p *common.Payment) ([]byte, error)

	Open(ctx context.Context, req OpenRequest) (OpenReceipt, error)
	Deposit(ctx context.Context, from address.Address, ch address.Address, value big.Int) (Receipt, error)

	// Settle closes the channel on behalf of its sender, paying out final
	// where the contract lets the sender redeem it.
	Settle(ctx context.Context, sender address.Address, ch address.Address, final *common.Payment) (CloseReceipt, error)
	// StartSettle opens the dispute window, optionally redeeming final first.
	StartSettle(ctx context.Context, caller address.Address, ch address.Address, final *common.Payment) (CloseReceipt, error)
	// Claim redeems a higher payment while the channel is open or settling.
	Claim(ctx context.Context, caller address.Address, ch address.Address, p *common.Payment) (Receipt, error)
	// Finalize distributes the funds once the dispute window elapsed.
	Finalize(ctx context.Context, caller address.Address, ch address.Address) (Receipt, error)

	Status(ctx context.Context, ch address.Address) (*Status, error)
}
