package paychmgr

import (
	"context"

	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"

	"github.com/ericyoungson/machinomy/common"
)

// ChannelStore persists the manager's channels. Implementations live in dao
// (gorm) and localstore (badger).
type ChannelStore interface {
	Insert(ctx context.Context, ch *common.PaymentChannel) error
	// Get fails with common.ErrChannelNotFound for unknown ids.
	Get(ctx context.Context, id cid.Cid) (*common.PaymentChannel, error)
	// List returns matching channels ordered by nonce.
	List(ctx context.Context, filter common.ChannelFilter) ([]*common.PaymentChannel, error)
	// Spend moves spent from prev to p.Value and keeps p as the last
	// payment. It fails with common.ErrStalePayment when spent is not prev.
	Spend(ctx context.Context, id cid.Cid, prev big.Int, p *common.Payment) error
	// Update writes value, state and settlement deadline. Spent is untouched.
	Update(ctx context.Context, ch *common.PaymentChannel) error
	// LastPayment returns nil when nothing was committed yet.
	LastPayment(ctx context.Context, id cid.Cid) (*common.Payment, error)
	Close() error
}
