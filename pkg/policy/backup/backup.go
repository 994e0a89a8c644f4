// Package backup implements the backup-admission policy registry
// (§4.6): named policies deciding whether a volume needs a new backup
// on a given device.
package backup

import (
	"fmt"
	"math"
	"time"

	"github.com/cuemby/rsbackup/pkg/rsclock"
	"github.com/cuemby/rsbackup/pkg/textutil"
	"github.com/cuemby/rsbackup/pkg/types"
)

// Policy decides whether a volume is due a new backup on a device.
type Policy interface {
	// Validate checks a volume's policy parameters at config-load time.
	Validate(volume *types.Volume) error
	// ShouldBackup reports whether volume should be backed up to device
	// right now.
	ShouldBackup(volume *types.Volume, device string) bool
}

var registry = map[string]Policy{}

func register(name string, p Policy) {
	registry[name] = p
}

// Find looks up a registered policy by name.
func Find(name string) (Policy, error) {
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("backup: unrecognized policy %q", name)
	}
	return p, nil
}

// Validate looks up volume's configured policy and validates it.
func Validate(volume *types.Volume) error {
	p, err := Find(volume.BackupPolicy)
	if err != nil {
		return err
	}
	return p.Validate(volume)
}

func param(volume *types.Volume, name string) (string, bool) {
	v, ok := volume.BackupParams[name]
	return v, ok
}

func requireParam(volume *types.Volume, name string) (string, error) {
	v, ok := param(volume, name)
	if !ok {
		return "", fmt.Errorf("backup: missing parameter %q for volume %q", name, volume.Name)
	}
	return v, nil
}

func init() {
	register("always", alwaysPolicy{})
	register("daily", dailyPolicy{})
	register("interval", intervalPolicy{})
}

// alwaysPolicy always permits a backup.
type alwaysPolicy struct{}

func (alwaysPolicy) Validate(*types.Volume) error { return nil }
func (alwaysPolicy) ShouldBackup(*types.Volume, string) bool {
	return true
}

// dailyPolicy permits at most one Complete backup per device per local
// calendar day, subject to the RSBACKUP_TODAY override (via
// rsclock.Today) for testability.
type dailyPolicy struct{}

func (dailyPolicy) Validate(*types.Volume) error { return nil }

func (dailyPolicy) ShouldBackup(volume *types.Volume, device string) bool {
	today := rsclock.Today()
	for _, b := range volume.Backups[device] {
		if b.Status == types.StatusComplete && sameDay(b.Start, today) {
			return false
		}
	}
	return true
}

func sameDay(t, day time.Time) bool {
	y1, m1, d1 := t.Date()
	y2, m2, d2 := day.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// intervalPolicy permits a backup once at least min-interval seconds
// have elapsed since the last Complete backup on that device.
type intervalPolicy struct{}

func (intervalPolicy) Validate(volume *types.Volume) error {
	raw, err := requireParam(volume, "min-interval")
	if err != nil {
		return err
	}
	seconds, err := textutil.ParseTimeInterval(raw, math.MaxInt32)
	if err != nil {
		return fmt.Errorf("backup: volume %q: %w", volume.Name, err)
	}
	if seconds < 1 {
		return fmt.Errorf("backup: volume %q: min-interval too small", volume.Name)
	}
	return nil
}

func (intervalPolicy) ShouldBackup(volume *types.Volume, device string) bool {
	raw, ok := param(volume, "min-interval")
	if !ok {
		return true // Validate should already have rejected this configuration
	}
	minInterval, err := textutil.ParseTimeInterval(raw, math.MaxInt32)
	if err != nil {
		return true
	}
	now := rsclock.Now("BACKUP")
	for _, b := range volume.Backups[device] {
		if b.Status == types.StatusComplete && now.Sub(b.Start).Seconds() < float64(minInterval) {
			return false
		}
	}
	return true
}
