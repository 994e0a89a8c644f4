package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig() (*Config, *Host, *Volume) {
	v := &Volume{Name: "home", Path: "/home"}
	h := &Host{Name: "db1", Volumes: map[string]*Volume{"home": v}}
	v.Parent = h
	cfg := &Config{Hosts: map[string]*Host{"db1": h}}
	return cfg, h, v
}

func TestParseSelectionVariants(t *testing.T) {
	s, err := ParseSelection("db1:home")
	require.NoError(t, err)
	assert.Equal(t, Selection{Host: "db1", Volume: "home", Sense: true}, s)

	s, err = ParseSelection("-db2")
	require.NoError(t, err)
	assert.Equal(t, Selection{Host: "db2", Volume: "*", Sense: false}, s)

	_, err = ParseSelection("")
	assert.Error(t, err)

	_, err = ParseSelection("*:home")
	assert.Error(t, err)
}

func TestSelectionApply(t *testing.T) {
	cfg, _, v := newTestConfig()
	sel, err := ParseSelection("db1:home")
	require.NoError(t, err)
	sel.Apply(cfg, PurposeBackup, nil)
	assert.True(t, v.Selected(PurposeBackup))
	assert.False(t, v.Selected(PurposePrune))
}

func TestApplyAllEmptySelectsEverything(t *testing.T) {
	cfg, _, v := newTestConfig()
	ApplyAll(cfg, nil, nil)
	assert.True(t, v.Selected(PurposeBackup))
	assert.True(t, v.Selected(PurposePrune))
	assert.True(t, v.Selected(PurposeGraph))
}

func TestVolumeAcceptsDevice(t *testing.T) {
	v := &Volume{DeviceGlob: "usb*"}
	assert.True(t, v.AcceptsDevice("usb1"))
	assert.False(t, v.AcceptsDevice("nas1"))

	v.DeviceGlob = ""
	assert.True(t, v.AcceptsDevice("anything"))
}

func TestVolumeInWindow(t *testing.T) {
	v := &Volume{EarliestSeconds: 3600, LatestSeconds: 7200}
	assert.False(t, v.InWindow(1800))
	assert.True(t, v.InWindow(5000))
	assert.False(t, v.InWindow(9000))

	unrestricted := &Volume{}
	assert.True(t, unrestricted.InWindow(0))
}

func TestMostRecentBackupAndFailed(t *testing.T) {
	_, _, v := newTestConfig()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v.AddBackup(&Backup{Volume: v, Device: "usb1", ID: "2026-01-01T00:00:00", Start: base, Status: StatusComplete})
	v.AddBackup(&Backup{Volume: v, Device: "usb1", ID: "2026-01-02T00:00:00", Start: base.AddDate(0, 0, 1), Status: StatusFailed})
	v.AddBackup(&Backup{Volume: v, Device: "usb1", ID: "2026-01-03T00:00:00", Start: base.AddDate(0, 0, 2), Status: StatusComplete})

	recent := v.MostRecentBackup("usb1", StatusComplete)
	require.NotNil(t, recent)
	assert.Equal(t, "2026-01-03T00:00:00", recent.ID)

	failed := v.MostRecentFailedBackup("usb1")
	require.NotNil(t, failed)
	assert.Equal(t, "2026-01-02T00:00:00", failed.ID)
}

func TestVolumeCalculateStats(t *testing.T) {
	_, _, v := newTestConfig()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v.AddBackup(&Backup{Volume: v, Device: "usb1", ID: "2026-01-01T00:00:00", Start: base, Status: StatusComplete})
	v.AddBackup(&Backup{Volume: v, Device: "usb1", ID: "2026-01-02T00:00:00", Start: base.AddDate(0, 0, 1), Status: StatusUnderway})
	v.AddBackup(&Backup{Volume: v, Device: "usb2", ID: "2026-01-03T00:00:00", Start: base.AddDate(0, 0, 2), Status: StatusComplete})

	stats := v.Calculate()
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.PerDevice["usb1"].Count)
	assert.Equal(t, 1, stats.PerDevice["usb2"].Count)
}

func TestRemoveBackupInvalidatesStats(t *testing.T) {
	_, _, v := newTestConfig()
	b := &Backup{Volume: v, Device: "usb1", ID: "2026-01-01T00:00:00", Status: StatusComplete}
	v.AddBackup(b)
	require.Equal(t, 1, v.Calculate().Completed)
	v.RemoveBackup("usb1", b.ID)
	assert.Equal(t, 0, v.Calculate().Completed)
}
