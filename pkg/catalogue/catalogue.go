// Package catalogue implements the transactional, schema-evolving
// record of every backup's lifecycle state (§4.4). The sole table is
// backup(host, volume, device, id, time, pruned, rc, status, log,
// finishtime), primary-keyed on (host, volume, device, id).
//
// Schema evolution works off a column manifest: each column records the
// schema version it was introduced in. At open time the catalogue
// introspects the live table, computes the highest version for which
// every column up to and including it is present, and issues `ALTER
// TABLE ADD COLUMN` for anything missing up to the code's maximum
// version. Read paths branch on the in-use version so a column added
// in a later release is simply defaulted when reading an older
// database.
package catalogue

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/cuemby/rsbackup/pkg/log"
	"github.com/cuemby/rsbackup/pkg/metrics"
	"github.com/cuemby/rsbackup/pkg/rsberror"
	"github.com/cuemby/rsbackup/pkg/types"
)

type column struct {
	name    string
	sqlType string
	version int
}

// backupColumns is the manifest driving schema creation and evolution.
// Columns present "in all versions" carry version 0.
var backupColumns = []column{
	{"host", "TEXT", 0},
	{"volume", "TEXT", 0},
	{"device", "TEXT", 0},
	{"id", "TEXT", 0},
	{"time", "INTEGER", 0},
	{"pruned", "INTEGER", 0},
	{"rc", "INTEGER", 0},
	{"status", "INTEGER", 0},
	{"log", "BLOB", 0},
	{"finishtime", "INTEGER", 1}, // added in schema version 1
}

// MaxSchemaVersion is the highest version named in backupColumns; the
// version the running code understands.
func MaxSchemaVersion() int {
	max := 0
	for _, c := range backupColumns {
		if c.version > max {
			max = c.version
		}
	}
	return max
}

// Catalogue is a single-writer handle onto the backup table.
type Catalogue struct {
	db       *sql.DB
	version  int
	readOnly bool
}

// Open opens (or creates, if readWrite) the catalogue at path. If
// readWrite is false and path does not exist, Open falls back to a
// throwaway in-memory database so read-only dry-run reporting can
// still produce output, matching Conf::getdb's fallback.
func Open(path string, readWrite bool) (*Catalogue, error) {
	if !readWrite {
		if _, err := os.Stat(path); err != nil {
			db, oerr := sql.Open("sqlite3", ":memory:")
			if oerr != nil {
				return nil, fmt.Errorf("catalogue: open in-memory fallback: %w", oerr)
			}
			c := &Catalogue{db: db, readOnly: true}
			if err := c.createTables(); err != nil {
				return nil, err
			}
			c.version = MaxSchemaVersion()
			return c, nil
		}
	}

	dsn := path
	if !readWrite {
		dsn = "file:" + path + "?mode=ro"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &rsberror.DatabaseError{Err: err}
	}
	c := &Catalogue{db: db, readOnly: !readWrite}

	hasTable, err := c.hasTable("backup")
	if err != nil {
		return nil, err
	}
	if readWrite {
		if !hasTable {
			if err := c.createTables(); err != nil {
				return nil, err
			}
		} else if err := c.updateTables(); err != nil {
			return nil, err
		}
	}

	version, err := c.identifyVersion()
	if err != nil {
		return nil, err
	}
	c.version = version
	if readWrite && version < MaxSchemaVersion() {
		log.WithChannel(log.ChannelDeprecated).Warn().
			Int("found", version).Int("supported", MaxSchemaVersion()).
			Msg("obsolete database version")
	}
	return c, nil
}

// Close releases the underlying database handle.
func (c *Catalogue) Close() error {
	return c.db.Close()
}

// Version returns the in-use schema version this catalogue instance is
// operating at (the highest version whose columns are all present).
func (c *Catalogue) Version() int {
	return c.version
}

func (c *Catalogue) hasTable(name string) (bool, error) {
	var got string
	err := c.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&got)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &rsberror.DatabaseError{Err: err}
	}
	return true, nil
}

func (c *Catalogue) currentColumns() (map[string]bool, error) {
	rows, err := c.db.Query("SELECT name FROM pragma_table_info('backup')")
	if err != nil {
		return nil, &rsberror.DatabaseError{Err: err}
	}
	defer rows.Close()
	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &rsberror.DatabaseError{Err: err}
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func (c *Catalogue) identifyVersion() (int, error) {
	cols, err := c.currentColumns()
	if err != nil {
		return 0, err
	}
	maxUsable := MaxSchemaVersion()
	for _, bc := range backupColumns {
		if !cols[bc.name] {
			if bc.version-1 < maxUsable {
				maxUsable = bc.version - 1
			}
		}
	}
	return maxUsable, nil
}

func (c *Catalogue) createTables() error {
	var b strings.Builder
	b.WriteString("CREATE TABLE backup (\n")
	for _, bc := range backupColumns {
		fmt.Fprintf(&b, "  %s %s,\n", bc.name, bc.sqlType)
	}
	b.WriteString("  PRIMARY KEY (host, volume, device, id)\n)")

	tx, err := c.db.Begin()
	if err != nil {
		return &rsberror.DatabaseError{Err: err}
	}
	if _, err := tx.Exec(b.String()); err != nil {
		tx.Rollback()
		return &rsberror.DatabaseError{Err: err}
	}
	return tx.Commit()
}

func (c *Catalogue) updateTables() error {
	currentVersion, err := c.identifyVersion()
	if err != nil {
		return err
	}
	tx, err := c.db.Begin()
	if err != nil {
		return &rsberror.DatabaseError{Err: err}
	}
	for _, bc := range backupColumns {
		if bc.version <= currentVersion {
			continue
		}
		log.WithChannel(log.ChannelDeprecated).Warn().
			Str("column", bc.name).Msg("upgrading database version: adding column")
		stmt := fmt.Sprintf("ALTER TABLE backup ADD COLUMN %s %s", bc.name, bc.sqlType)
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return &rsberror.DatabaseError{Err: err}
		}
	}
	return tx.Commit()
}

// retryBusy runs fn, retrying indefinitely at 1ms intervals while fn
// reports SQLITE_BUSY (another process holds the write lock), and
// logging a warning every 1024 attempts. Any other error is returned
// immediately.
func retryBusy(op string, fn func() error) error {
	retries := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return &rsberror.DatabaseError{Err: err}
		}
		if retries&1023 == 0 {
			log.WithChannel(log.ChannelDatabase).Warn().
				Str("op", op).Msg("retrying database update")
		}
		retries++
		metrics.CatalogueRetriesTotal.Inc()
		time.Sleep(time.Millisecond)
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if ok := asSqliteError(err, &sqliteErr); ok {
		return sqliteErr.Code == sqlite3.ErrBusy
	}
	return false
}

func asSqliteError(err error, target *sqlite3.Error) bool {
	for err != nil {
		if se, ok := err.(sqlite3.Error); ok {
			*target = se
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// Insert records a new Underway backup row.
func (c *Catalogue) Insert(b *types.Backup) error {
	return retryBusy("insert", func() error {
		tx, err := c.db.Begin()
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			"INSERT INTO backup (host, volume, device, id, time, pruned, rc, status, log) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			b.Volume.Parent.Name, b.Volume.Name, b.Device, b.ID,
			b.Start.Unix(), int64(0), b.WaitStatus, int(b.Status), b.Log,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// Update persists the final state of a backup row: status, wait
// status, finish time, and log. finishtime is only written when the
// catalogue's in-use version supports it (§4.4); older databases
// silently drop it, matching the original's version-gated SELECT/UPDATE
// column lists.
func (c *Catalogue) Update(b *types.Backup) error {
	return retryBusy("update", func() error {
		tx, err := c.db.Begin()
		if err != nil {
			return err
		}
		if c.version >= 1 {
			_, err = tx.Exec(
				"UPDATE backup SET rc = ?, status = ?, log = ?, finishtime = ? WHERE host = ? AND volume = ? AND device = ? AND id = ?",
				b.WaitStatus, int(b.Status), b.Log, b.Finish.Unix(),
				b.Volume.Parent.Name, b.Volume.Name, b.Device, b.ID,
			)
		} else {
			_, err = tx.Exec(
				"UPDATE backup SET rc = ?, status = ?, log = ? WHERE host = ? AND volume = ? AND device = ? AND id = ?",
				b.WaitStatus, int(b.Status), b.Log,
				b.Volume.Parent.Name, b.Volume.Name, b.Device, b.ID,
			)
		}
		if err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// MarkPruning transitions every row in ids to Pruning with prune-time
// set to now, in a single transaction — used by the prune engine's
// "mark obsolete" pass (§4.9), which must be atomic across every
// affected backup regardless of device availability.
func (c *Catalogue) MarkPruning(ids []BackupKey, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return retryBusy("mark-pruning", func() error {
		tx, err := c.db.Begin()
		if err != nil {
			return err
		}
		stmt, err := tx.Prepare(
			"UPDATE backup SET status = ?, pruned = ? WHERE host = ? AND volume = ? AND device = ? AND id = ?")
		if err != nil {
			tx.Rollback()
			return err
		}
		defer stmt.Close()
		for _, k := range ids {
			if _, err := stmt.Exec(int(types.StatusPruning), now.Unix(), k.Host, k.Volume, k.Device, k.ID); err != nil {
				tx.Rollback()
				return err
			}
		}
		return tx.Commit()
	})
}

// MarkPruned transitions a single row to Pruned with prune-time reset to
// the completion time, once its bulk-removal action has succeeded.
func (c *Catalogue) MarkPruned(k BackupKey, completedAt time.Time) error {
	return retryBusy("mark-pruned", func() error {
		tx, err := c.db.Begin()
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			"UPDATE backup SET status = ?, pruned = ? WHERE host = ? AND volume = ? AND device = ? AND id = ?",
			int(types.StatusPruned), completedAt.Unix(), k.Host, k.Volume, k.Device, k.ID,
		)
		if err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// ExpirePruneLog deletes Pruned rows whose prune-time is older than
// olderThan (§4.4's prune-log retention). The prune engine does not call
// it; it runs only when a caller invokes it.
func (c *Catalogue) ExpirePruneLog(olderThan time.Time) (int64, error) {
	var affected int64
	err := retryBusy("expire-prune-log", func() error {
		res, err := c.db.Exec(
			"DELETE FROM backup WHERE status = ? AND pruned < ?",
			int(types.StatusPruned), olderThan.Unix(),
		)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// BackupKey identifies a single catalogue row.
type BackupKey struct {
	Host, Volume, Device, ID string
}

// Rows scans every catalogue row into Backup records, attaching each to
// its Volume if the (host, volume) is present in cfg. Rows referring to
// hosts/volumes no longer configured are still returned (the original
// device name is preserved as a plain string for this reason) but with
// a nil Volume.
func (c *Catalogue) Rows(cfg *types.Config) ([]*types.Backup, error) {
	selectList := "host, volume, device, id, time, pruned, rc, status, log"
	if c.version >= 1 {
		selectList += ", finishtime"
	}
	rows, err := c.db.Query("SELECT " + selectList + " FROM backup")
	if err != nil {
		return nil, &rsberror.DatabaseError{Err: err}
	}
	defer rows.Close()

	var out []*types.Backup
	for rows.Next() {
		var (
			host, volume, device, id string
			startUnix, pruneUnix     int64
			rc, status               int
			logBytes                 []byte
			finishUnix               sql.NullInt64
		)
		scanTargets := []any{&host, &volume, &device, &id, &startUnix, &pruneUnix, &rc, &status, &logBytes}
		if c.version >= 1 {
			scanTargets = append(scanTargets, &finishUnix)
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, &rsberror.DatabaseError{Err: err}
		}
		b := &types.Backup{
			Device:     device,
			ID:         id,
			Start:      time.Unix(startUnix, 0).UTC(),
			Prune:      unixOrZero(pruneUnix),
			WaitStatus: rc,
			Status:     types.BackupStatus(status),
			Log:        logBytes,
		}
		if finishUnix.Valid {
			b.Finish = time.Unix(finishUnix.Int64, 0).UTC()
		}
		if h, ok := cfg.Hosts[host]; ok {
			if v, ok := h.Volumes[volume]; ok {
				b.Volume = v
			}
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func unixOrZero(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}

// ParseBackupKey reassembles a BackupKey from its four string parts,
// validating none are empty.
func ParseBackupKey(host, volume, device, id string) (BackupKey, error) {
	if host == "" || volume == "" || device == "" || id == "" {
		return BackupKey{}, fmt.Errorf("catalogue: incomplete backup key %q/%q/%q/%q", host, volume, device, id)
	}
	return BackupKey{Host: host, Volume: volume, Device: device, ID: id}, nil
}
