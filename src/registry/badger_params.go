package registry

import (
	"github.com/dgraph-io/badger"
	"github.com/ugorji/go/codec"
)

var paramCodec codec.MsgpackHandle

func init() {
	// Parameter values are decoded into interface{}; raw msgpack bytes
	// should come back as strings.
	paramCodec.RawToString = true
}

// BadgerParams is a persistent parameter store backed by a Badger database,
// so parameters survive registry restarts.
type BadgerParams struct {
	db   *badger.DB
	path string
}

// NewBadgerParams opens (or creates) a Badger database at path.
func NewBadgerParams(path string) (*BadgerParams, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerParams{db: db, path: path}, nil
}

// Set implements the ParamStore interface.
func (p *BadgerParams) Set(key string, value interface{}) error {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &paramCodec).Encode(value); err != nil {
		return err
	}

	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), buf)
	})
}

// Get implements the ParamStore interface.
func (p *BadgerParams) Get(key string) (interface{}, bool, error) {
	var value interface{}
	found := false

	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			found = true
			return codec.NewDecoderBytes(val, &paramCodec).Decode(&value)
		})
	})
	if err != nil {
		return nil, false, err
	}

	return value, found, nil
}

// Delete implements the ParamStore interface.
func (p *BadgerParams) Delete(key string) (bool, error) {
	found := false

	err := p.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(key)); err == badger.ErrKeyNotFound {
			return nil
		} else if err != nil {
			return err
		}
		found = true
		return txn.Delete([]byte(key))
	})

	return found, err
}

// Close implements the ParamStore interface.
func (p *BadgerParams) Close() error {
	return p.db.Close()
}
