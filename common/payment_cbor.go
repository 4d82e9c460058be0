package common

import (
	"bytes"
	"io"

	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// SigningBytes is the canonical encoding a sender signs:
// [version, channelId, channel, sender, receiver, channelValue, value, meta].
func (p *Payment) SigningBytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := p.marshalSigningCBOR(buf); err != nil {
		return nil, xerrors.Errorf("encode payment: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *Payment) marshalSigningCBOR(w io.Writer) error {
	if !p.ChannelID.Defined() {
		return xerrors.New("undefined channel id")
	}

	if err := cbg.WriteMajorTypeHeader(w, cbg.MajArray, 8); err != nil {
		return err
	}

	if err := cbg.WriteMajorTypeHeader(w, cbg.MajUnsignedInt, PaymentVersion); err != nil {
		return err
	}

	if err := cbg.WriteCid(w, p.ChannelID); err != nil {
		return xerrors.Errorf("channelId: %w", err)
	}

	if err := p.Channel.MarshalCBOR(w); err != nil {
		return xerrors.Errorf("channel: %w", err)
	}
	if err := p.Sender.MarshalCBOR(w); err != nil {
		return xerrors.Errorf("sender: %w", err)
	}
	if err := p.Receiver.MarshalCBOR(w); err != nil {
		return xerrors.Errorf("receiver: %w", err)
	}

	if err := p.ChannelValue.MarshalCBOR(w); err != nil {
		return xerrors.Errorf("channelValue: %w", err)
	}
	if err := p.Value.MarshalCBOR(w); err != nil {
		return xerrors.Errorf("value: %w", err)
	}

	if len(p.Meta) > cbg.MaxLength {
		return xerrors.Errorf("meta too long: %d", len(p.Meta))
	}
	if err := cbg.WriteMajorTypeHeader(w, cbg.MajTextString, uint64(len(p.Meta))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, p.Meta); err != nil {
		return err
	}

	return nil
}
