package engine_util

import (
	"github.com/Connor1996/badger"
)

type DBItem interface {
	// Key returns the key without its CF prefix.
	Key() []byte
	// KeyCopy returns a copy of the key, writing it to dst if it is large enough.
	KeyCopy(dst []byte) []byte
	Value() ([]byte, error)
	ValueSize() int
	// ValueCopy returns a copy of the value, writing it to dst if it is large enough.
	ValueCopy(dst []byte) ([]byte, error)
}

type CFItem struct {
	item      *badger.Item
	prefixLen int
}

func (i *CFItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}

func (i *CFItem) KeyCopy(dst []byte) []byte {
	return i.item.KeyCopy(dst)[i.prefixLen:]
}

func (i *CFItem) Value() ([]byte, error) {
	return i.item.Value()
}

func (i *CFItem) ValueSize() int {
	return i.item.ValueSize()
}

func (i *CFItem) ValueCopy(dst []byte) ([]byte, error) {
	return i.item.ValueCopy(dst)
}

// BadgerIterator iterates over the keys of one CF.
type BadgerIterator struct {
	iter   *badger.Iterator
	prefix string
}

func NewCFIterator(cf string, txn *badger.Txn) *BadgerIterator {
	return &BadgerIterator{
		iter:   txn.NewIterator(badger.DefaultIteratorOptions),
		prefix: cf + "_",
	}
}

func (it *BadgerIterator) Item() DBItem {
	return &CFItem{
		item:      it.iter.Item(),
		prefixLen: len(it.prefix),
	}
}

func (it *BadgerIterator) Valid() bool { return it.iter.ValidForPrefix([]byte(it.prefix)) }

func (it *BadgerIterator) Close() {
	it.iter.Close()
}

func (it *BadgerIterator) Next() {
	it.iter.Next()
}

func (it *BadgerIterator) Seek(key []byte) {
	it.iter.Seek(append([]byte(it.prefix), key...))
}

// SeekToLast positions the iterator at the last key of the CF. It needs a
// reverse iterator, so it opens its own.
func SeekToLast(cf string, txn *badger.Txn) (DBItem, bool) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	iter := txn.NewIterator(opts)
	defer iter.Close()
	prefix := []byte(cf + "_")
	// Keys in a CF are fixed width big-endian numbers, so 0xff sorts after all of them.
	iter.Seek(append(prefix, 0xff))
	if !iter.ValidForPrefix(prefix) {
		return nil, false
	}
	key := iter.Item().KeyCopy(nil)
	val, err := iter.Item().ValueCopy(nil)
	if err != nil {
		return nil, false
	}
	return &copiedItem{key: key[len(prefix):], value: val}, true
}

type copiedItem struct {
	key   []byte
	value []byte
}

func (i *copiedItem) Key() []byte                          { return i.key }
func (i *copiedItem) KeyCopy(dst []byte) []byte            { return append(dst[:0], i.key...) }
func (i *copiedItem) Value() ([]byte, error)               { return i.value, nil }
func (i *copiedItem) ValueSize() int                       { return len(i.value) }
func (i *copiedItem) ValueCopy(dst []byte) ([]byte, error) { return append(dst[:0], i.value...), nil }
