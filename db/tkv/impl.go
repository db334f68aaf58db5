package tkv

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
)

type tkv struct {
	logger *slog.Logger
	store  *badger.DB
}

var _ TKV = &tkv{}

func New(config Config) (TKV, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	badgerLogLevel := badger.INFO
	if config.BadgerLogLevel == slog.LevelDebug {
		badgerLogLevel = badger.DEBUG
	} else if config.BadgerLogLevel == slog.LevelInfo {
		badgerLogLevel = badger.INFO
	} else if config.BadgerLogLevel == slog.LevelWarn {
		badgerLogLevel = badger.WARNING
	} else if config.BadgerLogLevel == slog.LevelError {
		badgerLogLevel = badger.ERROR
	} else {
		config.Logger.Warn("Unknown badger log level, defaulting to info", "level", config.BadgerLogLevel)
	}

	var dbOpts badger.Options
	if config.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		valuesDir := filepath.Join(config.Directory, ValuesDirName)
		if err := os.MkdirAll(valuesDir, 0755); err != nil {
			return nil, &ErrInternal{Err: err}
		}
		dbOpts = badger.DefaultOptions(valuesDir)
	}

	dbOpts = dbOpts.
		WithLogger(newLogger(config.Logger.WithGroup("store"))).
		WithLoggingLevel(badgerLogLevel).
		WithMemTableSize(16 << 20). // 16MB MemTableSize
		WithDetectConflicts(true)

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	return &tkv{
		logger: config.Logger.WithGroup("tkv"),
		store:  db,
	}, nil
}

func (t *tkv) Close() error {
	if err := t.store.Close(); err != nil {
		t.logger.Error("error closing store db", "error", err)
		return &ErrInternal{Err: err}
	}
	return nil
}

func (t *tkv) Get(key string) (string, error) {
	var value []byte
	err := t.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (t *tkv) Delete(key string) error {
	err := t.store.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	return err
}

// SetNX reads and writes the key inside one transaction. Badger's conflict
// detection aborts the later of two racing commits with ErrConflict, which is
// reported as ErrKeyExists: the other writer won the key.
func (t *tkv) SetNX(key string, value string) error {
	err := t.store.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return &ErrKeyExists{Key: key}
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return &ErrInternal{Err: err}
		}
		if err := txn.Set([]byte(key), []byte(value)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		t.logger.Debug("SetNX lost a commit race", "key", key)
		return &ErrKeyExists{Key: key}
	}
	return err
}

func (t *tkv) Update(key string, fn func(current string) (string, error)) error {
	err := t.store.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		next, err := fn(string(current))
		if err != nil {
			return err
		}
		if next == string(current) {
			return nil
		}
		if err := txn.Set([]byte(key), []byte(next)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return &ErrConflict{Key: key}
	}
	return err
}

// Iterate returns up to limit keys under prefix that sort after the key
// after, in key order. An empty after starts at the first key; limit <= 0
// means no limit. Passing the last key of one page as after yields the next
// page, unaffected by keys written before it in the meantime.
func (t *tkv) Iterate(prefix string, after string, limit int) ([]string, error) {
	keys := []string{}
	err := t.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		prefixBytes := []byte(prefix)
		start := prefixBytes
		if after != "" {
			start = []byte(after)
		}

		for it.Seek(start); it.ValidForPrefix(prefixBytes); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			if after != "" && key <= after {
				continue
			}
			if limit > 0 && len(keys) >= limit {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}
	return keys, nil
}
