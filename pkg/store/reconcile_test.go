package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rsbackup/pkg/rsberror"
	"github.com/cuemby/rsbackup/pkg/types"
)

func writeDeviceID(t *testing.T, dir, id string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "device-id"), []byte(id+"\n"), 0o600))
}

func TestIdentifySuccess(t *testing.T) {
	dir := t.TempDir()
	writeDeviceID(t, dir, "usb1")

	cfg := &types.Config{
		Devices:             map[string]*types.Device{"usb1": {Name: "usb1"}},
		PublicStoresAllowed: true,
	}
	st := &types.Store{Path: dir, Enabled: true}
	r := &Reconciler{}

	err := r.Identify(context.Background(), cfg, st, "false")
	require.NoError(t, err)
	assert.NotNil(t, st.Device)
	assert.Equal(t, "usb1", st.Device.Name)
	assert.Same(t, st, st.Device.Store)
}

func TestIdentifyUnknownDeviceID(t *testing.T) {
	dir := t.TempDir()
	writeDeviceID(t, dir, "nosuchdevice")

	cfg := &types.Config{Devices: map[string]*types.Device{"usb1": {Name: "usb1"}}, PublicStoresAllowed: true}
	st := &types.Store{Path: dir, Enabled: true}
	r := &Reconciler{}

	err := r.Identify(context.Background(), cfg, st, "false")
	require.Error(t, err)
	var badErr *rsberror.BadStoreError
	assert.ErrorAs(t, err, &badErr)
	assert.Nil(t, st.Device)
}

func TestIdentifyDuplicateDeviceIsFatal(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeDeviceID(t, dirA, "usb1")
	writeDeviceID(t, dirB, "usb1")

	device := &types.Device{Name: "usb1"}
	cfg := &types.Config{Devices: map[string]*types.Device{"usb1": device}, PublicStoresAllowed: true}
	storeA := &types.Store{Path: dirA, Enabled: true}
	storeB := &types.Store{Path: dirB, Enabled: true}
	r := &Reconciler{}

	require.NoError(t, r.Identify(context.Background(), cfg, storeA, "false"))
	err := r.Identify(context.Background(), cfg, storeB, "false")
	require.Error(t, err)
	var fatalErr *rsberror.FatalStoreError
	assert.ErrorAs(t, err, &fatalErr)
}

func TestIdentifyMissingStoreIsUnavailable(t *testing.T) {
	cfg := &types.Config{Devices: map[string]*types.Device{}, PublicStoresAllowed: true}
	st := &types.Store{Path: "/nonexistent/path/for/rsbackup/test", Enabled: true}
	r := &Reconciler{}

	err := r.Identify(context.Background(), cfg, st, "false")
	require.Error(t, err)
	var unavailable *rsberror.UnavailableStoreError
	assert.ErrorAs(t, err, &unavailable)
}

func TestHookRunnerFiresOncePerLifetime(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "runs")
	hooks := &HookRunner{Pre: []string{"/bin/sh", "-c", "echo run >> " + marker}}
	cfg := &types.Config{Devices: map[string]*types.Device{}}
	for i := 0; i < 3; i++ {
		err := hooks.PreAccess(context.Background(), cfg, "false")
		require.NoError(t, err)
		if !hooks.ready {
			t.Fatal("ready flag should be set after first call")
		}
	}
	runs, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "run\n", string(runs), "the hook must run exactly once across three PreAccess calls")
	assert.True(t, hooks.ready)
}

func TestDeviceCacheRememberAndForget(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenDeviceCache(filepath.Join(dir, "cache.db"))
	require.NoError(t, err)
	defer cache.Close()

	require.NoError(t, cache.Remember("/store/a", "usb1"))
	id, found := cache.LastSeen("/store/a")
	assert.True(t, found)
	assert.Equal(t, "usb1", id)

	require.NoError(t, cache.Forget("/store/a"))
	_, found = cache.LastSeen("/store/a")
	assert.False(t, found)
}
