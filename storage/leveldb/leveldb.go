// Package leveldb adapts github.com/syndtr/goleveldb to the storage.KV
// interface, giving the node's chain state, UTXO set, and Lightning
// records an on-disk backend.
package leveldb

import (
	"github.com/ironveil/node/storage"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// DB wraps a goleveldb handle.
type DB struct {
	db *leveldb.DB
}

// Open opens (creating if necessary) a leveldb database at path.
func Open(path string) (*DB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

func (d *DB) Get(key []byte) ([]byte, error) {
	v, err := d.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, storage.ErrNotFound
	}
	return v, err
}

func (d *DB) Put(key, value []byte) error {
	return d.db.Put(key, value, nil)
}

func (d *DB) Delete(key []byte) error {
	return d.db.Delete(key, nil)
}

func (d *DB) NewIterator(prefix []byte) storage.Iterator {
	return &iterator{it: d.db.NewIterator(util.BytesPrefix(prefix), nil)}
}

func (d *DB) Batch(b *storage.WriteBatch) error {
	batch := new(leveldb.Batch)
	for k, v := range b.Puts {
		batch.Put([]byte(k), v)
	}
	for _, k := range b.Deletes {
		batch.Delete(k)
	}
	return d.db.Write(batch, nil)
}

func (d *DB) Close() error {
	return d.db.Close()
}

type iterator struct {
	it ldbIterator
}

// ldbIterator narrows goleveldb's iterator.Iterator to the methods this
// adapter needs.
type ldbIterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

func (i *iterator) Next() bool       { return i.it.Next() }
func (i *iterator) Key() []byte      { return i.it.Key() }
func (i *iterator) Value() []byte    { return i.it.Value() }
func (i *iterator) Release()         { i.it.Release() }
func (i *iterator) Error() error     { return i.it.Error() }
