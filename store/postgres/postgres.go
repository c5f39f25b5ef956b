// Package postgres opens the SQL store on PostgreSQL through lib/pq.
//
// The schema and statements are shared with store/sqlite; only the
// placeholder style differs. Driver errors are classified by store/sqlerr,
// so SQLSTATE class 08 and the shutdown codes are retried like SQLite's
// busy and I/O errors.
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/warp/lesson-engine/store/sqlite"
)

// Pool limits for a single engine process.
const (
	MaxOpenConns    = 10
	MaxIdleConns    = 5
	ConnMaxLifetime = 30 * time.Minute
)

// New connects to the database described by dsn, a postgres:// URL or a
// key=value connection string, and migrates the schema.
func New(dsn string) (*sqlite.Store, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetConnMaxLifetime(ConnMaxLifetime)

	return sqlite.Open(db, sqlite.Postgres)
}
