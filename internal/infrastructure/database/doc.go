// Package database provides SQLite connection management for VoltGrid Core.
//
// This package manages:
//   - Opening and configuring the SQLite database (WAL mode, busy timeout, FKs)
//   - Schema migrations from embedded SQL files
//   - Health checks and connection statistics
//   - Transaction helpers
//
// # Migrations
//
// Migration files live in the top-level migrations/ directory and are
// embedded into the binary via migrations/embed.go. Filenames follow
// YYYYMMDD_HHMMSS_description.up.sql / .down.sql.
//
// # Usage
//
//	db, err := database.Open(database.Config{Path: "./data/voltgrid.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Thread Safety: the wrapper is safe for concurrent use; SQLite access is
// serialised through a single writer connection.
package database
