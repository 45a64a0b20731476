package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"loom/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Open opens the loom SQLite database at path with production defaults:
// WAL journal mode and a 5-second busy timeout. It pings the connection
// before returning.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	return db, nil
}

// InitSchema creates the schema and applies incremental migrations. Each
// migration uses ALTER TABLE which errors if the column already exists;
// those errors are intentionally ignored (try/ignore pattern).
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	_, _ = db.ExecContext(ctx, protocol.MigrateStepUsage)
	_, _ = db.ExecContext(ctx, protocol.MigrateQueueHeartbeat)
	return nil
}
