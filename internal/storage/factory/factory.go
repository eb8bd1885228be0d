// Package factory selects a storage backend from configuration.
package factory

import (
	"fmt"

	"github.com/labelforge/labeld/internal/clock"
	"github.com/labelforge/labeld/internal/storage"
	"github.com/labelforge/labeld/internal/storage/memory"
	"github.com/labelforge/labeld/internal/storage/sqlstore"
	"github.com/labelforge/labeld/internal/telemetry"
)

// Open builds the store named by backend. The dsn is a file path for
// sqlite and a go-sql-driver DSN for mysql; memory ignores it. The
// returned store is wrapped with telemetry instrumentation when
// telemetry is enabled.
func Open(backend, dsn string, clk clock.Clock) (storage.Store, error) {
	var (
		s   storage.Store
		err error
	)
	switch backend {
	case "memory", "":
		s = memory.New(clk)
	case "sqlite":
		if dsn == "" {
			dsn = ":memory:"
		}
		s, err = sqlstore.OpenSQLite(dsn, clk)
	case "mysql":
		if dsn == "" {
			return nil, fmt.Errorf("mysql backend requires store.dsn")
		}
		s, err = sqlstore.OpenMySQL(dsn, clk)
	default:
		return nil, fmt.Errorf("unknown store backend %q (want memory, sqlite, or mysql)", backend)
	}
	if err != nil {
		return nil, err
	}
	return telemetry.WrapStore(s), nil
}
