package wal

import (
	"github.com/Connor1996/badger"
	"github.com/pingcap-incubator/tinytxn/kv/transaction/types"
	"github.com/pingcap-incubator/tinytxn/kv/util/codec"
	"github.com/pingcap-incubator/tinytxn/kv/util/engine_util"
	"github.com/pingcap/errors"
)

// BadgerStore keeps the log in a badger DB, one key per entry in the log CF.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens the log under dir.
func OpenBadgerStore(dir string, syncWrites bool) (*BadgerStore, error) {
	db, err := engine_util.CreateDB(dir, syncWrites)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func lsnKey(lsn types.LSN) []byte {
	return codec.EncodeUint64(nil, uint64(lsn))
}

func (s *BadgerStore) Put(lsn types.LSN, data []byte) error {
	return errors.WithStack(engine_util.PutCF(s.db, engine_util.CfLog, lsnKey(lsn), data))
}

func (s *BadgerStore) Get(lsn types.LSN) ([]byte, error) {
	val, err := engine_util.GetCF(s.db, engine_util.CfLog, lsnKey(lsn))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	return val, errors.WithStack(err)
}

func (s *BadgerStore) Scan(from types.LSN, fn func(lsn types.LSN, data []byte) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := engine_util.NewCFIterator(engine_util.CfLog, txn)
		defer it.Close()
		for it.Seek(lsnKey(from)); it.Valid(); it.Next() {
			item := it.Item()
			_, lsn, err := codec.DecodeUint64(item.Key())
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return errors.WithStack(err)
			}
			if !fn(types.LSN(lsn), val) {
				return nil
			}
		}
		return nil
	})
}

func (s *BadgerStore) TruncateAfter(lsn types.LSN) error {
	return engine_util.DeleteRangeCF(s.db, engine_util.CfLog, lsnKey(lsn+1), nil)
}

func (s *BadgerStore) LastLSN() (types.LSN, error) {
	last := types.InvalidLSN
	err := s.db.View(func(txn *badger.Txn) error {
		item, ok := engine_util.SeekToLast(engine_util.CfLog, txn)
		if !ok {
			return nil
		}
		_, lsn, err := codec.DecodeUint64(item.Key())
		last = types.LSN(lsn)
		return err
	})
	return last, err
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
