package resultsdb

import (
	"github.com/BurntSushi/migration"
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
)

func migrations(log logs.Log) []migration.Migrator {
	migs := []migration.Migrator{}
	idx := 0

	migs = append(migs, dbh.MakeMigrationFromSQL(log, &idx,
		`
		CREATE TABLE encode(
			id INTEGER PRIMARY KEY,
			experiment TEXT NOT NULL,
			sequence TEXT NOT NULL,
			qp INT NOT NULL,
			keyframe_interval INT NOT NULL DEFAULT 0,
			bitrate REAL NOT NULL,
			psnry REAL NOT NULL,
			psnru REAL NOT NULL,
			psnrv REAL NOT NULL,
			encoding_time REAL NOT NULL,
			detection_time REAL NOT NULL DEFAULT 0,
			pipeline_time REAL NOT NULL DEFAULT 0,
			frames INT NOT NULL,
			width INT NOT NULL,
			height INT NOT NULL,
			roi_core_pct REAL NOT NULL DEFAULT 0,
			roi_context_pct REAL NOT NULL DEFAULT 0,
			roi_background_pct REAL NOT NULL DEFAULT 0,
			created_at INT NOT NULL
		);

		CREATE INDEX idx_encode_experiment ON encode (experiment, sequence, qp);
	`))

	return migs
}
