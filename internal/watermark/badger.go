package watermark

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore keeps watermarks in an embedded Badger database under <prefix>/watermark/<network>.
type BadgerStore struct {
	db     *badger.DB
	prefix string
}

func NewBadgerStore(path, prefix string) (*BadgerStore, error) {
	if path == "" {
		return nil, errors.New("badger path required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, prefix: prefix}, nil
}

func (b *BadgerStore) key(network string) []byte {
	k := "watermark/" + network
	if b.prefix != "" {
		k = b.prefix + "/" + k
	}
	return []byte(k)
}

func (b *BadgerStore) Get(_ context.Context, network string) (uint64, bool, error) {
	var (
		height uint64
		found  bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(network))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("watermark value has %d bytes", len(val))
			}
			height = binary.BigEndian.Uint64(val)
			found = true
			return nil
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("get watermark: %w", err)
	}
	return height, found, nil
}

func (b *BadgerStore) Set(_ context.Context, network string, height uint64) error {
	if network == "" {
		return errors.New("network required")
	}
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, height)
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(b.key(network), val)
	})
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

func (b *BadgerStore) Delete(_ context.Context, network string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(b.key(network))
	})
	if err != nil {
		return fmt.Errorf("delete watermark: %w", err)
	}
	return nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}
