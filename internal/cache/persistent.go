package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const persistentKeyPrefix = "cache:"

// persistentTier keeps entries in badger so they survive restarts.
type persistentTier struct {
	db *badger.DB
}

// openPersistentTier opens badger at path, in memory when path is empty.
func openPersistentTier(path string) (*persistentTier, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache: %w", err)
	}
	return &persistentTier{db: db}, nil
}

func (p *persistentTier) close() error {
	return p.db.Close()
}

func (p *persistentTier) get(key string) (Entry, bool, error) {
	var entry Entry
	err := p.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(persistentKeyPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (p *persistentTier) put(key string, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(persistentKeyPrefix+key), payload)
	})
}

func (p *persistentTier) delete(key string) error {
	return p.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(persistentKeyPrefix + key))
	})
}

// keys lists every cached key.
func (p *persistentTier) keys() ([]string, error) {
	prefix := []byte(persistentKeyPrefix)
	var keys []string
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)[len(prefix):]))
		}
		return nil
	})
	return keys, err
}

func (p *persistentTier) deleteMatching(pattern Pattern) ([]string, error) {
	keys, err := p.keys()
	if err != nil {
		return nil, err
	}
	var removed []string
	err = p.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if !pattern.Match(key) {
				continue
			}
			if err := txn.Delete([]byte(persistentKeyPrefix + key)); err != nil {
				return err
			}
			removed = append(removed, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// purgeStale deletes entries that are expired or written by another app version.
func (p *persistentTier) purgeStale(now time.Time, version string) (int, error) {
	prefix := []byte(persistentKeyPrefix)
	var stale [][]byte
	err := p.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var entry Entry
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil || !entry.Fresh(now, version) {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}
	err = p.db.Update(func(txn *badger.Txn) error {
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(stale), nil
}

func (p *persistentTier) clear() error {
	return p.db.DropPrefix([]byte(persistentKeyPrefix))
}
