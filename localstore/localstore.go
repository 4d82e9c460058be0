package localstore

import (
	"context"
	"errors"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/filecoin-project/go-state-types/big"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/ericyoungson/machinomy/common"
)

var log = logging.Logger("localstore")

var (
	channelPrefix  = []byte("channel/")
	lastPrefix     = []byte("last/")
	tokenPrefix    = []byte("token/")
	acceptedPrefix = []byte("accepted/")
)

func ChannelKey(id cid.Cid) []byte {
	return append(append([]byte{}, channelPrefix...), id.Bytes()...)
}

func LastPaymentKey(id cid.Cid) []byte {
	return append(append([]byte{}, lastPrefix...), id.Bytes()...)
}

func TokenKey(token string) []byte {
	return append(append([]byte{}, tokenPrefix...), token...)
}

func AcceptedKey(id cid.Cid) []byte {
	return append(append([]byte{}, acceptedPrefix...), id.Bytes()...)
}

// Store keeps channels and payments in a badger database. It serves the
// payer's channel manager and, for single-process deployments, the payee's
// accepted payments.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database at path. An empty path keeps
// everything in memory.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, xerrors.Errorf("open badger at %q: %w", path, err)
	}
	return New(db), nil
}

func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func getChannel(txn *badger.Txn, id cid.Cid) (*common.PaymentChannel, error) {
	item, err := txn.Get(ChannelKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, xerrors.Errorf("channel %s: %w", id, common.ErrChannelNotFound)
		}
		return nil, xerrors.Errorf("read channel %s: %w", id, err)
	}

	var ch *common.PaymentChannel
	err = item.Value(func(val []byte) error {
		ch, err = common.ChannelFromBytes(val)
		return err
	})
	return ch, err
}

func putChannel(txn *badger.Txn, ch *common.PaymentChannel) error {
	if err := ch.CheckInvariant(); err != nil {
		return err
	}
	data, err := ch.Bytes()
	if err != nil {
		return err
	}
	return txn.Set(ChannelKey(ch.ID), data)
}

func getPayment(txn *badger.Txn, key []byte) (*common.Payment, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}

	var p *common.Payment
	err = item.Value(func(val []byte) error {
		p, err = common.DecodePayment(val)
		return err
	})
	return p, err
}

func putPayment(txn *badger.Txn, key []byte, p *common.Payment) error {
	data, err := p.Bytes()
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (s *Store) Insert(ctx context.Context, ch *common.PaymentChannel) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(ChannelKey(ch.ID)); err == nil {
			return common.Invalidf("channel %s already stored", ch.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return putChannel(txn, ch)
	})
}

func (s *Store) Get(ctx context.Context, id cid.Cid) (*common.PaymentChannel, error) {
	var ch *common.PaymentChannel
	err := s.db.View(func(txn *badger.Txn) (err error) {
		ch, err = getChannel(txn, id)
		return err
	})
	return ch, err
}

func (s *Store) List(ctx context.Context, filter common.ChannelFilter) ([]*common.PaymentChannel, error) {
	var out []*common.PaymentChannel

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = channelPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				ch, err := common.ChannelFromBytes(val)
				if err != nil {
					return err
				}
				if filter.Match(ch) {
					out = append(out, ch)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("list channels: %w", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Nonce < out[j].Nonce
	})
	return out, nil
}

func (s *Store) Spend(ctx context.Context, id cid.Cid, prev big.Int, p *common.Payment) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		ch, err := getChannel(txn, id)
		if err != nil {
			return err
		}
		if !ch.Spent.Equals(prev) {
			return common.WithKind(common.ErrStalePayment, xerrors.Errorf("channel %s spent moved from %s to %s", id, prev, ch.Spent))
		}

		ch.Spent = p.Value
		if err := putChannel(txn, ch); err != nil {
			return err
		}
		return putPayment(txn, LastPaymentKey(id), p)
	})
	if errors.Is(err, badger.ErrConflict) {
		return common.WithKind(common.ErrStalePayment, err)
	}
	return err
}

func (s *Store) Update(ctx context.Context, ch *common.PaymentChannel) error {
	return s.db.Update(func(txn *badger.Txn) error {
		cur, err := getChannel(txn, ch.ID)
		if err != nil {
			return err
		}
		cur.Value = ch.Value
		cur.State = ch.State
		cur.SettlingAt = ch.SettlingAt
		return putChannel(txn, cur)
	})
}

func (s *Store) LastPayment(ctx context.Context, id cid.Cid) (*common.Payment, error) {
	var p *common.Payment
	err := s.db.View(func(txn *badger.Txn) (err error) {
		p, err = getPayment(txn, LastPaymentKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			p, err = nil, nil
		}
		return err
	})
	return p, err
}

// SavePayment stores an accepted payment under its token and marks it as
// the last accepted payment of its channel.
func (s *Store) SavePayment(ctx context.Context, p *common.Payment) error {
	if p.Token == "" {
		return common.Invalidf("payment without token")
	}
	if p.Increment.Int == nil {
		return common.Invalidf("payment %s without increment", p.Token)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if err := putPayment(txn, TokenKey(p.Token), p); err != nil {
			return err
		}
		log.Debugw("payment saved", "token", p.Token, "channel", p.ChannelID, "value", p.Value, "increment", p.Increment)
		return txn.Set(AcceptedKey(p.ChannelID), []byte(p.Token))
	})
}

func (s *Store) PaymentByToken(ctx context.Context, token string) (*common.Payment, error) {
	var p *common.Payment
	err := s.db.View(func(txn *badger.Txn) (err error) {
		p, err = getPayment(txn, TokenKey(token))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return xerrors.Errorf("token %q: %w", token, common.ErrTokenNotFound)
		}
		return err
	})
	return p, err
}

func (s *Store) LastAccepted(ctx context.Context, id cid.Cid) (*common.Payment, error) {
	var p *common.Payment
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(AcceptedKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		token, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		p, err = getPayment(txn, TokenKey(string(token)))
		return err
	})
	return p, err
}
