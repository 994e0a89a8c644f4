package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rsbackup/pkg/catalogue"
	"github.com/cuemby/rsbackup/pkg/events"
	"github.com/cuemby/rsbackup/pkg/types"
)

func newTestConfig(t *testing.T, sourceDir string) *types.Config {
	t.Helper()
	host := &types.Host{Name: "localhost", Priority: 1}
	volume := &types.Volume{
		Parent: host, Name: "home", Path: sourceDir,
		BackupPolicy: "always", Backups: map[string][]*types.Backup{},
	}
	volume.Select(types.PurposeBackup, true)
	host.Volumes = map[string]*types.Volume{"home": volume}
	return &types.Config{
		Hosts:   map[string]*types.Host{"localhost": host},
		Devices: map[string]*types.Device{"usb1": {Name: "usb1", Store: &types.Store{Enabled: true}}},
	}
}

func TestRunBackupsCompletesOneVolume(t *testing.T) {
	storeRoot := t.TempDir()
	sourceDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "f"), []byte("hi"), 0o644))

	cat, err := catalogue.Open(filepath.Join(storeRoot, "catalogue.db"), true)
	require.NoError(t, err)
	defer cat.Close()

	cfg := newTestConfig(t, sourceDir)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	o := &Orchestrator{Config: cfg, Catalogue: cat, StoreRoot: storeRoot, RsyncBinary: "/bin/true", Events: broker}
	o.RunBackups(context.Background())

	volume := cfg.Hosts["localhost"].Volumes["home"]
	require.Len(t, volume.Backups["usb1"], 1)
	assert.Equal(t, types.StatusComplete, volume.Backups["usb1"][0].Status)

	var sawStarted, sawCompleted bool
	for {
		select {
		case ev := <-sub:
			switch ev.Type {
			case events.EventBackupStarted:
				sawStarted = true
			case events.EventBackupCompleted:
				sawCompleted = true
			}
		default:
			assert.True(t, sawStarted)
			assert.True(t, sawCompleted)
			return
		}
	}
}

func TestRunBackupsSkipsUnreachableHost(t *testing.T) {
	storeRoot := t.TempDir()
	sourceDir := t.TempDir()

	cat, err := catalogue.Open(filepath.Join(storeRoot, "catalogue.db"), true)
	require.NoError(t, err)
	defer cat.Close()

	cfg := newTestConfig(t, sourceDir)
	host := cfg.Hosts["localhost"]
	// A real network target: localhost itself is always treated as up.
	host.HostName = "unreachable.invalid"
	host.Reachability = types.ReachabilityCustomExec
	host.ReachabilityCmd = []string{"/bin/false"}

	o := &Orchestrator{Config: cfg, Catalogue: cat, StoreRoot: storeRoot, RsyncBinary: "/bin/true"}
	o.RunBackups(context.Background())

	volume := host.Volumes["home"]
	assert.Empty(t, volume.Backups["usb1"])
}

func TestOrderedHostsDescendingPriorityThenName(t *testing.T) {
	low := &types.Host{Name: "b", Priority: 1, Volumes: map[string]*types.Volume{}}
	high := &types.Host{Name: "a", Priority: 5, Volumes: map[string]*types.Volume{}}
	samePriorityA := &types.Host{Name: "x", Priority: 1, Volumes: map[string]*types.Volume{}}
	samePriorityB := &types.Host{Name: "y", Priority: 1, Volumes: map[string]*types.Volume{}}
	for _, h := range []*types.Host{low, high, samePriorityA, samePriorityB} {
		v := &types.Volume{Parent: h, Name: "v"}
		v.Select(types.PurposeBackup, true)
		h.Volumes["v"] = v
	}

	o := &Orchestrator{Config: &types.Config{Hosts: map[string]*types.Host{
		"b": low, "a": high, "x": samePriorityA, "y": samePriorityB,
	}}}
	got := o.orderedHosts()
	require.Len(t, got, 4)
	assert.Equal(t, []string{"a", "x", "y", "b"}, []string{got[0].Name, got[1].Name, got[2].Name, got[3].Name})
}

func TestRunVolumeHookSoftSkip(t *testing.T) {
	storeRoot := t.TempDir()
	sourceDir := t.TempDir()

	cat, err := catalogue.Open(filepath.Join(storeRoot, "catalogue.db"), true)
	require.NoError(t, err)
	defer cat.Close()

	cfg := newTestConfig(t, sourceDir)
	volume := cfg.Hosts["localhost"].Volumes["home"]
	volume.PreVolumeHook = []string{"/bin/sh", "-c", "exit 75"}

	o := &Orchestrator{Config: cfg, Catalogue: cat, StoreRoot: storeRoot, RsyncBinary: "/bin/true"}
	o.RunBackups(context.Background())

	assert.Empty(t, volume.Backups["usb1"], "a soft-skipping pre-hook must prevent the backup from running")
}
