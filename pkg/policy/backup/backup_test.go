package backup

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rsbackup/pkg/types"
)

func TestAlwaysPolicy(t *testing.T) {
	p, err := Find("always")
	require.NoError(t, err)
	assert.True(t, p.ShouldBackup(&types.Volume{}, "usb1"))
}

func TestDailyPolicySkipsSameDay(t *testing.T) {
	os.Setenv("RSBACKUP_TODAY", "2026-07-30")
	defer os.Unsetenv("RSBACKUP_TODAY")

	v := &types.Volume{Backups: map[string][]*types.Backup{}}
	v.AddBackup(&types.Backup{
		Volume: v, Device: "usb1", ID: "2026-07-30T08:00:00",
		Start: time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC), Status: types.StatusComplete,
	})

	p, err := Find("daily")
	require.NoError(t, err)
	assert.False(t, p.ShouldBackup(v, "usb1"))
	assert.True(t, p.ShouldBackup(v, "usb2"))
}

func TestDailyPolicyAllowsNextDay(t *testing.T) {
	os.Setenv("RSBACKUP_TODAY", "2026-07-31")
	defer os.Unsetenv("RSBACKUP_TODAY")

	v := &types.Volume{Backups: map[string][]*types.Backup{}}
	v.AddBackup(&types.Backup{
		Volume: v, Device: "usb1", ID: "2026-07-30T08:00:00",
		Start: time.Date(2026, 7, 30, 8, 0, 0, 0, time.UTC), Status: types.StatusComplete,
	})

	p, err := Find("daily")
	require.NoError(t, err)
	assert.True(t, p.ShouldBackup(v, "usb1"))
}

func TestIntervalPolicyValidateRejectsTooSmall(t *testing.T) {
	v := &types.Volume{Name: "vol", BackupParams: map[string]string{"min-interval": "0s"}}
	p, err := Find("interval")
	require.NoError(t, err)
	assert.Error(t, p.Validate(v))
}

func TestIntervalPolicyRespectsWindow(t *testing.T) {
	os.Setenv("RSBACKUP_TIME_BACKUP", "2026-07-30T10:00:00")
	defer os.Unsetenv("RSBACKUP_TIME_BACKUP")

	v := &types.Volume{
		Name:         "vol",
		BackupParams: map[string]string{"min-interval": "1h"},
		Backups:      map[string][]*types.Backup{},
	}
	v.AddBackup(&types.Backup{
		Volume: v, Device: "usb1", ID: "2026-07-30T09:30:00",
		Start: time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC), Status: types.StatusComplete,
	})

	p, err := Find("interval")
	require.NoError(t, err)
	assert.False(t, p.ShouldBackup(v, "usb1"), "only 30 minutes elapsed, interval is 1h")

	os.Setenv("RSBACKUP_TIME_BACKUP", "2026-07-30T11:00:00")
	assert.True(t, p.ShouldBackup(v, "usb1"), "90 minutes elapsed, interval is 1h")
}
