package tkv

import "log/slog"

// ValuesDirName is the badger directory created under Config.Directory.
const ValuesDirName = "values"

type Config struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	Directory      string

	// InMemory runs badger without touching Directory. Used by tests.
	InMemory bool
}

type TKVDataHandler interface {
	Get(key string) (string, error)
	Iterate(prefix string, after string, limit int) ([]string, error)
	Delete(key string) error
}

type TKVAtomicHandler interface {
	SetNX(key string, value string) error                            // ErrKeyExists if the key is present or was claimed concurrently
	Update(key string, fn func(current string) (string, error)) error // read-modify-write in one transaction; ErrKeyNotFound, ErrConflict
}

type TKV interface {
	TKVDataHandler
	TKVAtomicHandler

	Close() error
}
