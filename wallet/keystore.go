package wallet

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/crypto"
	"github.com/filecoin-project/lotus/chain/types"
	"github.com/filecoin-project/lotus/lib/sigs"
	"golang.org/x/xerrors"
)

// KeyStore keeps secp256k1 keys in memory.
type KeyStore struct {
	lk   sync.RWMutex
	keys map[address.Address][]byte
}

func NewKeyStore() *KeyStore {
	return &KeyStore{
		keys: make(map[address.Address][]byte),
	}
}

func (ks *KeyStore) Generate() (address.Address, error) {
	pk, err := sigs.Generate(crypto.SigTypeSecp256k1)
	if err != nil {
		return address.Undef, xerrors.Errorf("generate key: %w", err)
	}
	return ks.Import(pk)
}

func (ks *KeyStore) Import(pk []byte) (address.Address, error) {
	pub, err := sigs.ToPublic(crypto.SigTypeSecp256k1, pk)
	if err != nil {
		return address.Undef, xerrors.Errorf("derive public key: %w", err)
	}

	addr, err := address.NewSecp256k1Address(pub)
	if err != nil {
		return address.Undef, err
	}

	ks.lk.Lock()
	ks.keys[addr] = pk
	ks.lk.Unlock()

	return addr, nil
}

// ImportExported takes the hex encoded key info printed by `lotus wallet export`.
func (ks *KeyStore) ImportExported(exported string) (address.Address, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(exported))
	if err != nil {
		return address.Undef, xerrors.Errorf("decode exported key: %w", err)
	}

	var ki types.KeyInfo
	if err := json.Unmarshal(raw, &ki); err != nil {
		return address.Undef, xerrors.Errorf("decode key info: %w", err)
	}
	if ki.Type != types.KTSecp256k1 {
		return address.Undef, xerrors.Errorf("unsupported key type %s", ki.Type)
	}

	return ks.Import(ki.PrivateKey)
}

func (ks *KeyStore) Sign(_ context.Context, signer address.Address, data []byte) (*crypto.Signature, error) {
	ks.lk.RLock()
	pk, ok := ks.keys[signer]
	ks.lk.RUnlock()

	if !ok {
		return nil, xerrors.Errorf("no key for %s", signer)
	}
	return sigs.Sign(crypto.SigTypeSecp256k1, pk, data)
}

func (ks *KeyStore) Has(_ context.Context, addr address.Address) (bool, error) {
	ks.lk.RLock()
	defer ks.lk.RUnlock()

	_, ok := ks.keys[addr]
	return ok, nil
}
