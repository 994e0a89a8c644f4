package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rsbackup/pkg/catalogue"
	"github.com/cuemby/rsbackup/pkg/rsclock"
	"github.com/cuemby/rsbackup/pkg/scheduler"
	"github.com/cuemby/rsbackup/pkg/types"
)

func newTestVolume(t *testing.T, sourceDir string) *types.Volume {
	t.Helper()
	host := &types.Host{Name: "localhost"}
	volume := &types.Volume{
		Parent:       host,
		Name:         "home",
		Path:         sourceDir,
		BackupPolicy: "always",
		Backups:      map[string][]*types.Backup{},
	}
	host.Volumes = map[string]*types.Volume{"home": volume}
	return volume
}

func TestBackupEngineRunSucceeds(t *testing.T) {
	storeRoot := t.TempDir()
	sourceDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "f"), []byte("hi"), 0o644))

	cat, err := catalogue.Open(filepath.Join(storeRoot, "catalogue.db"), true)
	require.NoError(t, err)
	defer cat.Close()

	volume := newTestVolume(t, sourceDir)
	e := &BackupEngine{Catalogue: cat, StoreRoot: storeRoot, RsyncBinary: "/bin/true"}

	plan, err := e.Prepare(volume, "usb1")
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, types.StatusUnderway, plan.Backup.Status)
	assert.FileExists(t, plan.Backup.IncompleteMarkerPath(storeRoot))

	list := scheduler.NewList()
	e.Run(context.Background(), list, plan)

	assert.Equal(t, types.StatusComplete, plan.Backup.Status)
	assert.NoFileExists(t, plan.Backup.IncompleteMarkerPath(storeRoot))
	assert.Len(t, volume.Backups["usb1"], 1)
	assert.Equal(t, 1, volume.Calculate().Completed)
}

func TestBackupEngineRunFailureKeepsIncompleteMarkerAndMarksFailed(t *testing.T) {
	storeRoot := t.TempDir()
	sourceDir := t.TempDir()

	cat, err := catalogue.Open(filepath.Join(storeRoot, "catalogue.db"), true)
	require.NoError(t, err)
	defer cat.Close()

	volume := newTestVolume(t, sourceDir)
	e := &BackupEngine{Catalogue: cat, StoreRoot: storeRoot, RsyncBinary: "/bin/false"}

	plan, err := e.Prepare(volume, "usb1")
	require.NoError(t, err)
	require.NotNil(t, plan)

	list := scheduler.NewList()
	e.Run(context.Background(), list, plan)

	assert.Equal(t, types.StatusFailed, plan.Backup.Status)
	// failure leaves the incomplete marker in place as a visible signal.
	assert.FileExists(t, plan.Backup.IncompleteMarkerPath(storeRoot))
}

func TestBackupEnginePolicySkipsWhenNotDue(t *testing.T) {
	os.Setenv("RSBACKUP_TODAY", "2026-07-30")
	defer os.Unsetenv("RSBACKUP_TODAY")

	storeRoot := t.TempDir()
	sourceDir := t.TempDir()

	cat, err := catalogue.Open(filepath.Join(storeRoot, "catalogue.db"), true)
	require.NoError(t, err)
	defer cat.Close()

	volume := newTestVolume(t, sourceDir)
	volume.BackupPolicy = "daily"
	today := time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC)
	volume.AddBackup(&types.Backup{
		Volume: volume, Device: "usb1", ID: rsclock.BackupID(today),
		Start: today, Status: types.StatusComplete,
	})

	e := &BackupEngine{Catalogue: cat, StoreRoot: storeRoot}
	plan, err := e.Prepare(volume, "usb1")
	require.NoError(t, err)
	assert.Nil(t, plan, "daily policy should skip a volume already backed up today")
}

func TestPruneEngineRemovesObsoleteBackup(t *testing.T) {
	os.Setenv("RSBACKUP_TODAY", "2026-07-30")
	defer os.Unsetenv("RSBACKUP_TODAY")

	storeRoot := t.TempDir()
	cat, err := catalogue.Open(filepath.Join(storeRoot, "catalogue.db"), true)
	require.NoError(t, err)
	defer cat.Close()

	volume := newTestVolume(t, t.TempDir())
	volume.PrunePolicy = "age"
	volume.PruneParams = map[string]string{"prune-age": "30", "min-backups": "1"}
	volume.Select(types.PurposePrune, true)

	young := makeStoredBackup(t, storeRoot, volume, "usb1", "2026-07-29T00:00:00", types.StatusComplete)
	old := makeStoredBackup(t, storeRoot, volume, "usb1", "2026-04-20T00:00:00", types.StatusComplete)
	volume.AddBackup(young)
	volume.AddBackup(old)
	require.NoError(t, cat.Insert(young))
	require.NoError(t, cat.Insert(old))

	cfg := &types.Config{
		Hosts:   map[string]*types.Host{"localhost": volume.Parent},
		Devices: map[string]*types.Device{"usb1": {Name: "usb1", Store: &types.Store{Path: storeRoot, Enabled: true}}},
	}

	e := &PruneEngine{Catalogue: cat, StoreRoot: storeRoot}
	removed, err := e.Prune(cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoDirExists(t, old.Path(storeRoot))
	assert.DirExists(t, young.Path(storeRoot))
	assert.Len(t, volume.Backups["usb1"], 1)
	assert.Equal(t, "2026-07-29T00:00:00", volume.Backups["usb1"][0].ID)
}

func makeStoredBackup(t *testing.T, storeRoot string, v *types.Volume, device, id string, status types.BackupStatus) *types.Backup {
	t.Helper()
	start, err := rsclock.ParseBackupID(id)
	require.NoError(t, err)
	b := &types.Backup{Volume: v, Device: device, ID: id, Start: start, Status: status}
	require.NoError(t, os.MkdirAll(b.Path(storeRoot), 0o755))
	return b
}
