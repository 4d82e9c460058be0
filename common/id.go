package common

import (
	"bytes"

	"github.com/filecoin-project/go-address"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

var channelIDPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   mh.SHA2_256,
	MhLength: -1,
}

// NewChannelID derives the channel id from the cbor tuple [sender, receiver, nonce].
func NewChannelID(sender address.Address, receiver address.Address, nonce uint64) (cid.Cid, error) {
	buf := new(bytes.Buffer)

	if err := cbg.WriteMajorTypeHeader(buf, cbg.MajArray, 3); err != nil {
		return cid.Undef, err
	}
	if err := sender.MarshalCBOR(buf); err != nil {
		return cid.Undef, xerrors.Errorf("marshal sender: %w", err)
	}
	if err := receiver.MarshalCBOR(buf); err != nil {
		return cid.Undef, xerrors.Errorf("marshal receiver: %w", err)
	}
	if err := cbg.WriteMajorTypeHeader(buf, cbg.MajUnsignedInt, nonce); err != nil {
		return cid.Undef, err
	}

	return channelIDPrefix.Sum(buf.Bytes())
}

func ParseChannelID(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, Invalidf("channel id %q: %w", s, err)
	}
	if c.Prefix().Codec != cid.Raw {
		return cid.Undef, Invalidf("channel id %q: unexpected codec %d", s, c.Prefix().Codec)
	}
	return c, nil
}
