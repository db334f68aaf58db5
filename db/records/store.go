package records

import (
	"context"
	"errors"

	"github.com/InsulaLabs/edgegate/db/models"
)

var (
	ErrNotFound = errors.New("device record not found")
	ErrExists   = errors.New("device record already exists")
)

// Store persists device records keyed by device id. Implementations must be
// safe for concurrent use and InsertIfAbsent must be atomic: of any number of
// concurrent inserts for one id exactly one succeeds, the rest get ErrExists.
type Store interface {
	InsertIfAbsent(ctx context.Context, rec models.DeviceRecord) error
	Get(ctx context.Context, deviceID string) (models.DeviceRecord, error)
	// MarkAttested sets attested=true. It never clears the flag.
	MarkAttested(ctx context.Context, deviceID string) error
	Close() error
}

const (
	DriverBadger   = "badger"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)
