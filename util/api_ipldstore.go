package util

import (
	"bytes"
	"context"

	"github.com/filecoin-project/lotus/api"
	"github.com/filecoin-project/lotus/chain/actors/adt"
	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// NodeStore reads actor state objects through a full node. It is read only.
type NodeStore struct {
	node api.FullNode
}

func NewNodeStore(node api.FullNode) *NodeStore {
	return &NodeStore{
		node: node,
	}
}

// ActorStore wraps the node store for the actor state loaders.
func ActorStore(ctx context.Context, node api.FullNode) adt.Store {
	return adt.WrapStore(ctx, NewNodeStore(node))
}

func (s *NodeStore) Get(ctx context.Context, c cid.Cid, out interface{}) error {
	cu, ok := out.(cbg.CBORUnmarshaler)
	if !ok {
		return xerrors.Errorf("object does not implement CBORUnmarshaler: %T", out)
	}

	raw, err := s.node.ChainReadObj(ctx, c)
	if err != nil {
		return err
	}
	return cu.UnmarshalCBOR(bytes.NewReader(raw))
}

func (s *NodeStore) Put(context.Context, interface{}) (cid.Cid, error) {
	return cid.Undef, xerrors.New("node store is read only")
}
