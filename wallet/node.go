package wallet

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/lotus/api"
)

// NodeSigner delegates to the wallet of a lotus full node.
type NodeSigner struct {
	node api.FullNode
}

func NewNodeSigner(node api.FullNode) *NodeSigner {
	return &NodeSigner{
		node: node,
	}
}

func (s *NodeSigner) Sign(ctx context.Context, signer address.Address, data []byte) (*crypto.Signature, error) {
	return s.node.WalletSign(ctx, signer, data)
}

func (s *NodeSigner) Has(ctx context.Context, addr address.Address) (bool, error) {
	return s.node.WalletHas(ctx, addr)
}
