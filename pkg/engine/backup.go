// Package engine drives a single backup or prune attempt for one
// (volume, device) pair: rsync argv construction, hardlink dedup,
// catalogue bookkeeping, and the on-disk incomplete/nolink lifecycle
// (§4.8, §4.9).
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/rsbackup/pkg/catalogue"
	"github.com/cuemby/rsbackup/pkg/events"
	"github.com/cuemby/rsbackup/pkg/log"
	"github.com/cuemby/rsbackup/pkg/metrics"
	policy "github.com/cuemby/rsbackup/pkg/policy/backup"
	"github.com/cuemby/rsbackup/pkg/rsberror"
	"github.com/cuemby/rsbackup/pkg/rsclock"
	"github.com/cuemby/rsbackup/pkg/scheduler"
	"github.com/cuemby/rsbackup/pkg/subprocess"
	"github.com/cuemby/rsbackup/pkg/types"
)

// BackupEngine runs backups for one store root against one catalogue.
type BackupEngine struct {
	Catalogue *catalogue.Catalogue
	StoreRoot string

	// RsyncBinary is the rsync-compatible binary to invoke; defaults to
	// "rsync" when empty.
	RsyncBinary string

	// Force skips the backup-admission policy check.
	Force bool

	// DryRun builds the same Plan a real backup would but never creates
	// the incomplete marker or backup directory, never inserts a
	// catalogue row, and never runs rsync — matching the original's
	// --no-act: the backup record is computed for reporting, not acted
	// on.
	DryRun bool

	// Events, if set, receives backup-lifecycle notifications.
	Events *events.Broker
}

func (e *BackupEngine) publish(typ events.EventType, host, volume, message string) {
	if e.Events == nil {
		return
	}
	e.Events.Publish(&events.Event{
		Type:    typ,
		Message: message,
		Metadata: map[string]string{"host": host, "volume": volume},
	})
}

func (e *BackupEngine) rsyncBinary() string {
	if e.RsyncBinary != "" {
		return e.RsyncBinary
	}
	return "rsync"
}

// Plan is the fully-resolved description of one backup attempt, useful
// for logging and tests independent of actually running rsync.
type Plan struct {
	Backup   *types.Backup
	Argv     []string
	LinkDest string
}

// Prepare consults the admission policy, allocates a backup ID, creates
// the on-disk incomplete marker and backup directory, inserts the
// Underway catalogue row, and builds the rsync argv (§4.8 steps 1-4).
// It does not run rsync; call Run with the result to do that.
func (e *BackupEngine) Prepare(volume *types.Volume, device string) (*Plan, error) {
	if !e.Force {
		p, err := policy.Find(volume.BackupPolicy)
		if err != nil {
			return nil, err
		}
		if !p.ShouldBackup(volume, device) {
			log.WithVolume(volume.Parent.Name, volume.Name).Debug().
				Str("device", device).Msg("backup not due")
			e.publish(events.EventBackupSkipped, volume.Parent.Name, volume.Name, "not due")
			return nil, nil
		}
	}

	start := rsclock.Now("BACKUP")
	id := rsclock.UniqueBackupID(start, func(candidate string) bool {
		for _, b := range volume.Backups[device] {
			if b.ID == candidate {
				return true
			}
		}
		return false
	})
	backup := &types.Backup{
		Volume: volume, Device: device, ID: id,
		Start: start, Status: types.StatusUnderway,
	}

	if !e.DryRun {
		volDir := filepath.Join(e.StoreRoot, volume.Parent.Name, volume.Name)
		if err := os.MkdirAll(volDir, 0o755); err != nil {
			return nil, fmt.Errorf("engine: create volume directory: %w", err)
		}
		incomplete := backup.IncompleteMarkerPath(e.StoreRoot)
		if err := os.WriteFile(incomplete, nil, 0o644); err != nil {
			return nil, fmt.Errorf("engine: create incomplete marker: %w", err)
		}
		backupDir := backup.Path(e.StoreRoot)
		if err := os.MkdirAll(backupDir, 0o755); err != nil {
			return nil, fmt.Errorf("engine: create backup directory: %w", err)
		}

		if err := e.Catalogue.Insert(backup); err != nil {
			return nil, fmt.Errorf("engine: insert catalogue row: %w", err)
		}
	}

	argv, linkDest := e.buildArgv(volume, device, backup)
	return &Plan{Backup: backup, Argv: argv, LinkDest: linkDest}, nil
}

// buildArgv constructs rsync's argument vector per §4.8 step 4.
func (e *BackupEngine) buildArgv(volume *types.Volume, device string, backup *types.Backup) (argv []string, linkDest string) {
	argv = append(argv, e.rsyncBinary())
	argv = append(argv, volume.RsyncBaseOptions...)
	argv = append(argv, volume.RsyncExtraOptions...)
	for _, pattern := range volume.Exclude {
		argv = append(argv, "--exclude="+pattern)
	}
	if !volume.TraverseMounts {
		argv = append(argv, "--one-file-system")
	}
	if volume.RsyncPath != "" {
		argv = append(argv, "--rsync-path", volume.RsyncPath)
	}
	if volume.RsyncTimeout > 0 {
		argv = append(argv, fmt.Sprintf("--timeout=%d", int(volume.RsyncTimeout.Seconds())))
	}

	if _, err := os.Stat(types.NoLinkPath(e.StoreRoot, volume)); err == nil {
		log.WithVolume(volume.Parent.Name, volume.Name).Warn().
			Msg("nolink sentinel present: skipping --link-dest")
	} else {
		if prior := volume.MostRecentBackup(device, types.StatusComplete); prior != nil {
			linkDest = prior.Path(e.StoreRoot)
		} else if prior := volume.MostRecentBackup(device, types.StatusUnderway); prior != nil {
			linkDest = prior.Path(e.StoreRoot)
		}
		if linkDest != "" {
			argv = append(argv, "--link-dest="+linkDest)
		}
	}

	source := volume.Path
	if target := volume.Parent.Target(); target != "" {
		source = target + ":" + volume.Path + "/."
	} else {
		source = volume.Path + "/."
	}
	dest := backup.Path(e.StoreRoot) + "/."
	argv = append(argv, source, dest)
	return argv, linkDest
}

// Run executes plan's rsync subprocess under the given scheduler list
// (§4.8 steps 5-9), returning once the subprocess and catalogue update
// have completed. The action is registered under resource key device so
// at most one backup runs against that device concurrently. ctx governs
// nothing beyond the call's own lifetime; per-job timeouts are enforced
// by the Command's own Timeout field. A non-nil error means the backup
// attempt hit a fatal condition (a mismatched time override) even when
// rsync itself succeeded, or that the final catalogue update failed; an
// ordinary rsync failure is not returned as an error.
//
// In DryRun mode, Run reports the backup as started and immediately
// returns without invoking rsync or touching the catalogue, matching
// Prepare's refusal to create on-disk state.
func (e *BackupEngine) Run(ctx context.Context, list *scheduler.List, plan *Plan) error {
	backup := plan.Backup
	e.publish(events.EventBackupStarted, backup.Volume.Parent.Name, backup.Volume.Name, backup.Device)

	if e.DryRun {
		log.WithDevice(backup.Volume.Parent.Name, backup.Volume.Name, backup.Device).
			Info().Strs("argv", plan.Argv).Msg("dry run: not executing rsync")
		return nil
	}

	cmd := &subprocess.Command{
		Name:              "backup:" + backup.Volume.Parent.Name + ":" + backup.Volume.Name + ":" + backup.Device,
		Args:              plan.Argv,
		Timeout:           backup.Volume.BackupJobTimeout,
		TolerateExitCodes: []int{subprocess.VanishedSourceExitCode},
		Resources:         []string{backup.Device},
	}
	wait := awaitScheduled(list, cmd.AsAction())
	list.Go()
	<-wait
	return e.finish(cmd, backup)
}

// finish implements §4.8 steps 6-9 once the rsync subprocess has
// reached a terminal state. It returns a non-nil error for the fatal
// time-override-mismatch case (which takes precedence) and when the
// catalogue update fails; an ordinary rsync failure is recorded on backup
// and reported via events, not returned.
func (e *BackupEngine) finish(cmd *subprocess.Command, backup *types.Backup) error {
	finish := rsclock.Now("FINISH")
	backup.Finish = finish
	backup.WaitStatus = cmd.ExitCode()
	backup.Log = []byte(cmd.Stdout() + cmd.Stderr())

	host, volume := backup.Volume.Parent.Name, backup.Volume.Name
	metrics.BackupDuration.WithLabelValues(host, volume).Observe(finish.Sub(backup.Start).Seconds())

	if cmd.Err() == nil {
		backup.Status = types.StatusComplete
		os.Remove(backup.IncompleteMarkerPath(e.StoreRoot))
		os.Remove(types.NoLinkPath(e.StoreRoot, backup.Volume))
		metrics.BackupsTotal.WithLabelValues(host, volume, "complete").Inc()
		e.publish(events.EventBackupCompleted, host, volume, backup.Device)
	} else {
		backup.Status = types.StatusFailed
		log.WithDevice(host, volume, backup.Device).
			Warn().Err(cmd.Err()).Msg("backup failed")
		metrics.BackupsTotal.WithLabelValues(host, volume, "failed").Inc()
		e.publish(events.EventBackupFailed, host, volume, cmd.Err().Error())
	}

	// A time override set for only one of BACKUP/FINISH is fatal
	// regardless of whether it actually produced visible skew: it means
	// the override environment itself is incomplete, not just that the
	// clock moved oddly.
	var timeErr error
	backupOverridden, finishOverridden := rsclock.Overridden("BACKUP"), rsclock.Overridden("FINISH")
	logger := log.WithChannel(log.ChannelDeprecated)
	switch {
	case backupOverridden != finishOverridden:
		missing := "FINISH"
		if finishOverridden {
			missing = "BACKUP"
		}
		timeErr = &rsberror.TimeOverrideMismatchError{Missing: missing}
		backup.Status = types.StatusFailed
		logger.Error().Err(timeErr).Msg("time override mismatch: only one of BACKUP/FINISH overridden")
	case finish.Before(backup.Start):
		logger.Warn().
			Err(&rsberror.ClockSkewError{Start: backup.Start.Unix(), Finish: finish.Unix()}).
			Msg("finish time precedes start time")
	}

	if err := e.Catalogue.Update(backup); err != nil {
		log.WithChannel(log.ChannelDatabase).Error().Err(err).Msg("failed to update catalogue row")
		if timeErr != nil {
			return timeErr
		}
		return err
	}

	backup.Volume.AddBackup(backup)
	backup.Volume.Calculate()
	return timeErr
}
