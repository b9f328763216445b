// Package database provides the SQLite connection used by gymcore.
//
// It owns:
//   - Opening the database with WAL mode, foreign keys and a busy timeout
//   - Versioned schema migrations read from an fs.FS (see package migrations)
//   - WithTx, the helper every multi-statement write goes through
//
// All queries in gymcore use parameterised statements. The database file is
// created with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
