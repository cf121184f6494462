// Package database provides SQLite connectivity for Gray Logic Trigger.
//
// It owns the connection lifecycle (WAL mode, busy timeout, single writer)
// and a small forward/backward migration runner. The schema itself lives in
// the top-level migrations package and is passed in as an fs.FS:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive-only: new columns must be NULLABLE or carry a
// DEFAULT, and every .up.sql has a matching .down.sql.
package database
