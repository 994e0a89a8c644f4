package engine

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/cuemby/rsbackup/pkg/catalogue"
	"github.com/cuemby/rsbackup/pkg/events"
	"github.com/cuemby/rsbackup/pkg/log"
	"github.com/cuemby/rsbackup/pkg/metrics"
	prunepolicy "github.com/cuemby/rsbackup/pkg/policy/prune"
	"github.com/cuemby/rsbackup/pkg/rsclock"
	"github.com/cuemby/rsbackup/pkg/scheduler"
	"github.com/cuemby/rsbackup/pkg/subprocess"
	"github.com/cuemby/rsbackup/pkg/types"
)

// PruneEngine runs the three-pass prune algorithm (§4.9) over a
// Config's selected volumes.
type PruneEngine struct {
	Catalogue *catalogue.Catalogue
	StoreRoot string

	// PruneIncomplete additionally marks Unknown/Underway/Failed
	// backups obsolete, not just ones the prune policy names.
	PruneIncomplete bool

	// Deadline cuts the removal pass short if non-zero; pending
	// removals are reported as failures and retried on the next run.
	Deadline time.Time

	// Events, if set, receives prune-lifecycle notifications.
	Events *events.Broker
}

func (e *PruneEngine) publish(typ events.EventType, host, volume, message string) {
	if e.Events == nil {
		return
	}
	e.Events.Publish(&events.Event{
		Type:    typ,
		Message: message,
		Metadata: map[string]string{"host": host, "volume": volume},
	})
}

// obsolete pairs a Backup with the human-readable reason it is being
// pruned, as threaded through the three passes.
type obsolete struct {
	backup *types.Backup
	reason string
}

// Prune runs all three passes against every PurposePrune-selected
// volume in cfg, returning the number of backups successfully removed.
func (e *PruneEngine) Prune(cfg *types.Config) (removed int, err error) {
	timer := metrics.NewTimer()
	e.publish(events.EventPruneStarted, "", "", "")
	defer func() {
		timer.ObserveDuration(metrics.PruneDuration)
		e.publish(events.EventPruneCompleted, "", "", fmt.Sprintf("removed=%d", removed))
	}()

	candidates, err := e.identifyObsolete(cfg)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		return 0, nil
	}
	if err := e.markObsolete(candidates); err != nil {
		return 0, err
	}
	return e.removeRemovable(cfg, candidates)
}

// identifyObsolete implements §4.9 pass 1.
func (e *PruneEngine) identifyObsolete(cfg *types.Config) ([]obsolete, error) {
	var result []obsolete

	hostNames := sortedKeys(cfg.Hosts)
	for _, hn := range hostNames {
		host := cfg.Hosts[hn]
		volNames := sortedKeys(host.Volumes)
		for _, vn := range volNames {
			volume := host.Volumes[vn]
			if !volume.Selected(types.PurposePrune) {
				continue
			}

			onDevice := map[string][]*types.Backup{}
			total := 0
			for _, backups := range volume.Backups {
				for _, b := range backups {
					switch b.Status {
					case types.StatusUnknown, types.StatusUnderway, types.StatusFailed:
						if e.PruneIncomplete {
							result = append(result, obsolete{backup: b, reason: "status=" + b.Status.String()})
						}
					case types.StatusPruning:
						result = append(result, obsolete{backup: b, reason: "pruning already in progress"})
					case types.StatusPruned:
						// already gone
					case types.StatusComplete:
						onDevice[b.Device] = append(onDevice[b.Device], b)
						total++
					}
				}
			}

			for _, device := range sortedKeys(onDevice) {
				candidates := onDevice[device]
				policyName := volume.PrunePolicy
				if policyName == "" {
					policyName = "never"
				}
				p, err := prunepolicy.Find(policyName)
				if err != nil {
					return nil, err
				}
				prunable, err := p.Prunable(candidates, total)
				if err != nil {
					return nil, fmt.Errorf("prune: volume %q device %q: %w", volume.Name, device, err)
				}
				for b, reason := range prunable {
					result = append(result, obsolete{backup: b, reason: reason})
					total--
				}
			}
		}
	}
	return result, nil
}

// markObsolete implements §4.9 pass 2: one transaction, Pruning for
// everything not already Pruning, including backups on unavailable
// devices.
func (e *PruneEngine) markObsolete(candidates []obsolete) error {
	var keys []catalogue.BackupKey
	now := rsclock.Now("PRUNE")
	for _, c := range candidates {
		if c.backup.Status == types.StatusPruning {
			continue
		}
		c.backup.Status = types.StatusPruning
		c.backup.Prune = now
		keys = append(keys, catalogue.BackupKey{
			Host: c.backup.Volume.Parent.Name, Volume: c.backup.Volume.Name,
			Device: c.backup.Device, ID: c.backup.ID,
		})
	}
	return e.Catalogue.MarkPruning(keys, now)
}

// removeRemovable implements §4.9 pass 3: restrict to backups whose
// device is presently identified and enabled, schedule a bulk-removal
// action per backup (one at a time per device, via the device-name
// resource key), and run an unconditional "removed" follow-up per
// removal.
func (e *PruneEngine) removeRemovable(cfg *types.Config, candidates []obsolete) (int, error) {
	removable := make([]obsolete, 0, len(candidates))
	for _, c := range candidates {
		device, ok := cfg.Devices[c.backup.Device]
		if !ok || device.Store == nil || !device.Store.Enabled {
			continue
		}
		removable = append(removable, c)
	}
	if len(removable) == 0 {
		return 0, nil
	}

	list := scheduler.NewList()
	if !e.Deadline.IsZero() {
		list.SetDeadline(e.Deadline)
	}

	type pending struct {
		c    obsolete
		wait <-chan bool
	}
	waits := make([]pending, 0, len(removable))

	for _, c := range removable {
		backupPath := c.backup.Path(e.StoreRoot)
		if err := os.WriteFile(c.backup.IncompleteMarkerPath(e.StoreRoot), nil, 0o644); err != nil {
			log.WithChannel(log.ChannelStore).Warn().Err(err).
				Str("path", backupPath).Msg("failed to mark backup incomplete before removal")
		}
		cmd := &subprocess.Command{
			Name:      "prune-remove:" + c.backup.Volume.Parent.Name + ":" + c.backup.Volume.Name + ":" + c.backup.Device + ":" + c.backup.ID,
			Args:      []string{"rm", "-rf", backupPath},
			Resources: []string{c.backup.Device},
		}
		wait := awaitScheduled(list, cmd.AsAction())
		waits = append(waits, pending{c: c, wait: wait})
	}

	list.Go()

	removed := 0
	for _, p := range waits {
		succeeded := <-p.wait
		if !succeeded {
			log.WithDevice(p.c.backup.Volume.Parent.Name, p.c.backup.Volume.Name, p.c.backup.Device).
				Warn().Msg("backup removal failed or was cancelled; will retry on next prune run")
			continue
		}
		e.removed(p.c)
		removed++
	}
	return removed, nil
}

// removed is the "removed" follow-up action: on removal success, clear
// the incomplete marker, transition the row to Pruned with prune-time
// reset to completion time, and detach the Backup from its Volume.
func (e *PruneEngine) removed(c obsolete) {
	b := c.backup
	os.Remove(b.IncompleteMarkerPath(e.StoreRoot))
	completedAt := rsclock.Now("PRUNE")
	key := catalogue.BackupKey{Host: b.Volume.Parent.Name, Volume: b.Volume.Name, Device: b.Device, ID: b.ID}
	if err := e.Catalogue.MarkPruned(key, completedAt); err != nil {
		log.WithChannel(log.ChannelDatabase).Error().Err(err).Msg("failed to mark backup pruned")
		return
	}
	b.Status = types.StatusPruned
	b.Prune = completedAt
	b.Volume.RemoveBackup(b.Device, b.ID)
	b.Volume.Calculate()
	metrics.PrunedTotal.WithLabelValues(b.Volume.Parent.Name, b.Volume.Name).Inc()
	e.publish(events.EventBackupPruned, b.Volume.Parent.Name, b.Volume.Name, c.reason)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
