// Package database provides the SQLite connection behind the bridge's
// journal of link transitions and commands.
//
// It manages:
//   - WAL mode and busy timeout for file databases
//   - ":memory:" databases for tests and ephemeral runs
//   - Versioned up/down migrations loaded from any fs.FS
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS, "."); err != nil {
//	    return err
//	}
//
// All queries use parameterised statements. Database files are created with
// 0600 permissions.
package database
