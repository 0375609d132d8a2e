package resultsdb

import (
	"bytes"
	"encoding/csv"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	db, err := Open(logs.NewTestingLog(t), filepath.Join(t.TempDir(), "results.sqlite"))
	require.NoError(t, err)
	return db
}

func TestAddAndQuery(t *testing.T) {
	db := openTestDB(t)

	rows := []Encode{
		{Experiment: "baseline", Sequence: "MOT17-04", QP: 32, Bitrate: 4000, PSNRY: 40.1, Frames: 50, Width: 1920, Height: 1080},
		{Experiment: "baseline", Sequence: "MOT17-04", QP: 37, Bitrate: 2500, PSNRY: 38.2, Frames: 50, Width: 1920, Height: 1080},
		{Experiment: "full", Sequence: "MOT17-04", QP: 32, Bitrate: 3100, PSNRY: 39.8, Frames: 50, Width: 1920, Height: 1080, ROICorePct: 12.5},
	}
	for i := range rows {
		require.NoError(t, db.Add(&rows[i]))
		require.NotZero(t, rows[i].ID)
		require.False(t, rows[i].CreatedAt.IsZero())
	}

	baseline, err := db.Experiment("baseline")
	require.NoError(t, err)
	require.Len(t, baseline, 2)
	require.Equal(t, 32, baseline[0].QP)
	require.Equal(t, 37, baseline[1].QP)
	require.Equal(t, 4000.0, baseline[0].Bitrate)

	full, err := db.Experiment("full")
	require.NoError(t, err)
	require.Len(t, full, 1)
	require.Equal(t, 12.5, full[0].ROICorePct)

	names, err := db.Experiments()
	require.NoError(t, err)
	require.Equal(t, []string{"baseline", "full"}, names)

	empty, err := db.Experiment("nope")
	require.NoError(t, err)
	require.Len(t, empty, 0)
}

// A row written before a failure must survive later writes failing or
// succeeding independently.
func TestRowsAreIndependent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Add(&Encode{Experiment: "binary", Sequence: "a", QP: 27, Bitrate: 100, PSNRY: 35, Frames: 10}))
	require.NoError(t, db.Add(&Encode{Experiment: "binary", Sequence: "b", QP: 27, Bitrate: 200, PSNRY: 36, Frames: 10}))

	rows, err := db.Experiment("binary")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "a", rows[0].Sequence)
}

func TestExportCSV(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Add(&Encode{
		Experiment: "temporal", Sequence: "MOT17-02", QP: 42, KeyframeInterval: 10,
		Bitrate: 1234.5, PSNRY: 36.25, PSNRU: 42, PSNRV: 43,
		EncodingTime: 12.5, Frames: 50, Width: 1920, Height: 1080,
	}))

	buf := bytes.Buffer{}
	require.NoError(t, db.ExportCSV(&buf, "temporal"))

	recs, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2) // header + 1 row
	require.Equal(t, "experiment", recs[0][0])
	require.Equal(t, "temporal", recs[1][0])
	require.Equal(t, "MOT17-02", recs[1][1])
	require.Equal(t, "42", recs[1][2])
	require.Equal(t, "10", recs[1][3])
	require.Equal(t, "1234.5", recs[1][4])
	require.Equal(t, "36.25", recs[1][5])
}
