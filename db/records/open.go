package records

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/InsulaLabs/edgegate/db/tkv"
)

// Open builds the record store named by driver. kv backs the badger driver
// and stays owned by the caller; dataDir anchors a relative sqlite dsn.
func Open(logger *slog.Logger, driver string, dsn string, dataDir string, kv tkv.TKV) (Store, error) {
	switch driver {
	case "", DriverBadger:
		if kv == nil {
			return nil, fmt.Errorf("badger record store requires a key-value store")
		}
		return NewBadgerStore(logger, kv), nil
	case DriverSQLite:
		path := dsn
		if path == "" {
			path = filepath.Join(dataDir, "devices.db")
		} else if path != ":memory:" && !filepath.IsAbs(path) {
			path = filepath.Join(dataDir, path)
		}
		return OpenSQLite(logger, path)
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres record store requires a dsn")
		}
		return OpenPostgres(logger, dsn)
	default:
		return nil, fmt.Errorf("unknown record store driver %q", driver)
	}
}
