package catalogue

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rsbackup/pkg/types"
)

// createV0Schema creates the backup table as it existed before schema
// version 1 added finishtime, so Open's upgrade path has something real
// to do.
func createV0Schema(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(`CREATE TABLE backup (
		host TEXT, volume TEXT, device TEXT, id TEXT,
		time INTEGER, pruned INTEGER, rc INTEGER, status INTEGER, log BLOB,
		PRIMARY KEY (host, volume, device, id)
	)`)
	require.NoError(t, err)
	_, err = db.Exec(
		"INSERT INTO backup (host, volume, device, id, time, pruned, rc, status, log) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		"h", "v", "usb1", "2026-01-01T00:00:00", int64(1735689600), int64(0), 0, int(types.StatusComplete), []byte("ok"),
	)
	require.NoError(t, err)
}

// TestOpenUpgradesOldSchemaIdempotently covers §8's upgrade-idempotence
// property: opening a version-(N-1) database with version-N code runs
// exactly the missing ALTER TABLE steps and arrives at version N, and a
// second Open against the now-current database is a complete no-op.
func TestOpenUpgradesOldSchemaIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogue.db")
	createV0Schema(t, path)

	cat, err := Open(path, true)
	require.NoError(t, err)
	assert.Equal(t, MaxSchemaVersion(), cat.Version())
	assert.Equal(t, 1, cat.Version(), "only one version is defined past the v0 baseline in this schema")

	cols, err := cat.currentColumns()
	require.NoError(t, err)
	assert.True(t, cols["finishtime"], "upgrade must have added the version-1 column")
	require.NoError(t, cat.Close())

	// Re-opening an already-current database must not error or regress
	// its reported version; updateTables has nothing left to add.
	cat2, err := Open(path, true)
	require.NoError(t, err)
	defer cat2.Close()
	assert.Equal(t, MaxSchemaVersion(), cat2.Version())
}

// TestInsertRetriesThroughBusyThenSucceeds covers §8's busy-then-succeed
// retry property: a write blocked by another connection's open
// transaction must keep retrying rather than fail, and succeed once the
// other transaction releases the lock.
func TestInsertRetriesThroughBusyThenSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogue.db")
	cat, err := Open(path, true)
	require.NoError(t, err)
	defer cat.Close()

	blocker, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer blocker.Close()
	blocker.SetMaxOpenConns(1)

	tx, err := blocker.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO backup (host, volume, device, id, time, pruned, rc, status, log) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		"blocker-host", "v", "usb1", "blocker-id", int64(0), int64(0), 0, int(types.StatusUnderway), []byte(nil))
	require.NoError(t, err)

	host := &types.Host{Name: "h"}
	volume := &types.Volume{Parent: host, Name: "v", Backups: map[string][]*types.Backup{}}
	backup := &types.Backup{
		Volume: volume, Device: "usb1", ID: "2026-07-31T00:00:00",
		Start: time.Now(), Status: types.StatusUnderway,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var insertErr error
	go func() {
		defer wg.Done()
		insertErr = cat.Insert(backup)
	}()

	// Give the retry loop a few iterations against the held lock before
	// releasing it.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tx.Commit())

	wg.Wait()
	assert.NoError(t, insertErr, "Insert must retry past SQLITE_BUSY and eventually succeed")

	rows, err := cat.Rows(&types.Config{Hosts: map[string]*types.Host{}})
	require.NoError(t, err)
	var found bool
	for _, b := range rows {
		if b.ID == "2026-07-31T00:00:00" {
			found = true
		}
	}
	assert.True(t, found, "the retried insert must have actually committed")
}

// TestUpdateRecordsFailedBackupLog covers §8's failed-backup log-content
// property: a failed backup's captured stdout/stderr must round-trip
// through Update/Rows intact, not just its status.
func TestUpdateRecordsFailedBackupLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalogue.db")
	cat, err := Open(path, true)
	require.NoError(t, err)
	defer cat.Close()

	host := &types.Host{Name: "h"}
	volume := &types.Volume{Parent: host, Name: "v", Backups: map[string][]*types.Backup{}}
	host.Volumes = map[string]*types.Volume{"v": volume}
	backup := &types.Backup{
		Volume: volume, Device: "usb1", ID: "2026-07-31T00:00:00",
		Start: time.Now(), Status: types.StatusUnderway,
	}
	require.NoError(t, cat.Insert(backup))

	backup.Status = types.StatusFailed
	backup.WaitStatus = 23
	backup.Finish = time.Now()
	backup.Log = []byte("rsync: connection unexpectedly closed\nrsync error: error in rsync protocol data stream (code 12)\n")
	require.NoError(t, cat.Update(backup))

	cfg := &types.Config{Hosts: map[string]*types.Host{"h": host}}
	rows, err := cat.Rows(cfg)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.StatusFailed, rows[0].Status)
	assert.Equal(t, 23, rows[0].WaitStatus)
	assert.Equal(t, string(backup.Log), string(rows[0].Log), "a failed backup's log must be persisted in full, not just its exit status")
}
