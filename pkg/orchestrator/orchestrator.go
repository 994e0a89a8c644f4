// Package orchestrator drives the top-level per-host threading (§4.10):
// one worker goroutine per selected Host, concurrency-group
// serialisation, the global state lock around catalogue touches, host
// reachability probing, and per-volume pre/post hooks.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/rsbackup/pkg/catalogue"
	"github.com/cuemby/rsbackup/pkg/engine"
	"github.com/cuemby/rsbackup/pkg/events"
	"github.com/cuemby/rsbackup/pkg/health"
	"github.com/cuemby/rsbackup/pkg/log"
	"github.com/cuemby/rsbackup/pkg/scheduler"
	"github.com/cuemby/rsbackup/pkg/subprocess"
	"github.com/cuemby/rsbackup/pkg/types"
)

// softSkipExitCode is the sysexits.h EX_TEMPFAIL convention a pre/post
// hook uses to signal "try again later, this is not an error" (§9(d)).
const softSkipExitCode = 75

// Orchestrator runs one backup (or prune) sweep across every selected
// Host, per §4.10's threading model.
type Orchestrator struct {
	Config    *types.Config
	Catalogue *catalogue.Catalogue
	StoreRoot string

	RsyncBinary string
	Force       bool

	// DryRun, when true, reports what a sweep would do without running
	// rsync, touching the catalogue, or telling hooks RSBACKUP_ACT=true.
	DryRun bool

	Events *events.Broker

	// globalMu is the process-wide "global state lock" (§4.10, §5):
	// held by workers around catalogue touches, explicitly released
	// around subprocess waits. Per Design Notes open question (a), each
	// release site below is commented rather than inherited blindly.
	globalMu sync.Mutex

	groupMu   sync.Map // concurrency-group name -> *sync.Mutex
	hookOnce  sync.Map // *types.Volume -> *volumeHookState
}

type volumeHookState struct {
	mu  sync.Mutex
	ran bool
	ok  bool // whether the pre-hook succeeded, gating the post-hook
}

func (o *Orchestrator) groupMutex(name string) *sync.Mutex {
	v, _ := o.groupMu.LoadOrStore(name, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// RunBackups spawns one worker per PurposeBackup-selected host, in
// descending priority then name order (§4.10), and waits for all of
// them to finish.
func (o *Orchestrator) RunBackups(ctx context.Context) {
	hosts := o.orderedHosts()
	var wg sync.WaitGroup
	for _, host := range hosts {
		wg.Add(1)
		go func(h *types.Host) {
			defer wg.Done()
			o.runHost(ctx, h)
		}(host)
	}
	wg.Wait()
}

// orderedHosts returns every Host with at least one PurposeBackup
// selected volume, sorted by descending Priority then ascending Name —
// the deterministic worker spawn order §4.10 requires.
func (o *Orchestrator) orderedHosts() []*types.Host {
	var hosts []*types.Host
	for _, host := range o.Config.Hosts {
		for _, v := range host.Volumes {
			if v.Selected(types.PurposeBackup) {
				hosts = append(hosts, host)
				break
			}
		}
	}
	sort.Slice(hosts, func(i, j int) bool {
		if hosts[i].Priority != hosts[j].Priority {
			return hosts[i].Priority > hosts[j].Priority
		}
		return hosts[i].Name < hosts[j].Name
	})
	return hosts
}

// runHost implements one worker thread's body (§4.10 steps 1-3).
func (o *Orchestrator) runHost(ctx context.Context, host *types.Host) {
	result := health.ProbeWithRetry(ctx, host, health.OrchestratorRetryConfig())
	if !result.Healthy {
		log.WithHost(host.Name).Warn().Str("reason", result.Message).Msg("host unreachable, skipping")
		if o.Events != nil {
			o.Events.Publish(&events.Event{Type: events.EventHostUnreachable, Message: result.Message,
				Metadata: map[string]string{"host": host.Name}})
		}
		return
	}

	group := o.groupMutex(host.Group())
	group.Lock()
	defer group.Unlock()

	volumeNames := make([]string, 0, len(host.Volumes))
	for name := range host.Volumes {
		volumeNames = append(volumeNames, name)
	}
	sort.Strings(volumeNames)

	for _, name := range volumeNames {
		volume := host.Volumes[name]
		if !volume.Selected(types.PurposeBackup) {
			continue
		}
		o.runVolume(ctx, host, volume)
	}
}

// runVolume implements §4.10 step 3 for a single volume: pre-hook, one
// backup attempt per configured device, post-hook.
func (o *Orchestrator) runVolume(ctx context.Context, host *types.Host, volume *types.Volume) {
	state, _ := o.hookOnce.LoadOrStore(volume, &volumeHookState{})
	hs := state.(*volumeHookState)

	effectivePath := volume.Path

	hs.mu.Lock()
	if !hs.ran {
		hs.ran = true
		path, skip, err := o.runVolumeHook(ctx, host, volume, volume.PreVolumeHook, "pre-volume-hook")
		if err != nil {
			log.WithVolume(host.Name, volume.Name).Error().Err(err).Msg("pre-volume hook failed")
			hs.ok = false
		} else if skip {
			log.WithVolume(host.Name, volume.Name).Info().Msg("pre-volume hook requested soft skip")
			hs.ok = false
		} else {
			hs.ok = true
			if path != "" {
				effectivePath = path
			}
		}
	}
	ok := hs.ok
	hs.mu.Unlock()

	if !ok && len(volume.PreVolumeHook) > 0 {
		return
	}

	defer func() {
		if !ok {
			return
		}
		if _, skip, err := o.runVolumeHook(ctx, host, volume, volume.PostVolumeHook, "post-volume-hook"); err != nil {
			log.WithVolume(host.Name, volume.Name).Warn().Err(err).Msg("post-volume hook failed")
		} else if skip {
			log.WithVolume(host.Name, volume.Name).Info().Msg("post-volume hook reported soft skip")
		}
	}()

	for _, device := range o.devicesFor(volume) {
		o.runDevice(ctx, host, volume, effectivePath, device)
	}
}

// devicesFor returns the names of every configured, identified, enabled
// device this volume accepts.
func (o *Orchestrator) devicesFor(volume *types.Volume) []string {
	var names []string
	for name, device := range o.Config.Devices {
		if device.Store == nil || !device.Store.Enabled {
			continue
		}
		if !volume.AcceptsDevice(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// runDevice prepares and runs a single backup attempt, honoring the
// global state lock discipline: held around the catalogue-touching
// Prepare call, released before the (possibly long) rsync subprocess
// wait inside Run.
func (o *Orchestrator) runDevice(ctx context.Context, host *types.Host, volume *types.Volume, effectivePath, device string) {
	e := &engine.BackupEngine{
		Catalogue: o.Catalogue, StoreRoot: o.StoreRoot,
		RsyncBinary: o.RsyncBinary, Force: o.Force, DryRun: o.DryRun, Events: o.Events,
	}

	original := volume.Path
	volume.Path = effectivePath
	defer func() { volume.Path = original }()

	o.globalMu.Lock()
	plan, err := e.Prepare(volume, device)
	o.globalMu.Unlock() // release: about to run rsync, which can take minutes.

	if err != nil {
		log.WithDevice(host.Name, volume.Name, device).Error().Err(err).Msg("failed to prepare backup")
		return
	}
	if plan == nil {
		return // admission policy declined; already logged by Prepare.
	}

	list := scheduler.NewList()
	if err := e.Run(ctx, list, plan); err != nil {
		log.WithDevice(host.Name, volume.Name, device).Error().Err(err).Msg("backup finished with a fatal error")
	}
}

// runVolumeHook runs a configured pre/post-volume hook synchronously,
// returning the trimmed stdout (a candidate replacement source path),
// whether the hook soft-skipped (exit 75), and any hard failure.
func (o *Orchestrator) runVolumeHook(ctx context.Context, host *types.Host, volume *types.Volume, hook []string, name string) (stdout string, softSkip bool, err error) {
	if len(hook) == 0 {
		return "", false, nil
	}
	cmd := &subprocess.Command{
		Name:    name + ":" + host.Name + ":" + volume.Name,
		Args:    hook,
		Timeout: volume.HookTimeout,
		Env: map[string]string{
			"RSBACKUP_ACT":           strconv.FormatBool(!o.DryRun),
			"RSBACKUP_HOOK":          name,
			"RSBACKUP_HOST":          host.Name,
			"RSBACKUP_GROUP":         host.Group(),
			"RSBACKUP_SSH_HOSTNAME":  hostNameOf(host),
			"RSBACKUP_SSH_USERNAME":  host.User,
			"RSBACKUP_SSH_TARGET":    host.Target(),
			"RSBACKUP_VOLUME":        volume.Name,
			"RSBACKUP_VOLUME_PATH":   volume.Path,
		},
	}
	runErr := cmd.Run(ctx)
	if cmd.ExitCode() == softSkipExitCode {
		return "", true, nil
	}
	if runErr != nil {
		return "", false, fmt.Errorf("%s: %w: %s", name, runErr, strings.TrimSpace(cmd.Stderr()))
	}
	return strings.TrimSpace(cmd.Stdout()), false, nil
}

func hostNameOf(host *types.Host) string {
	if host.HostName != "" {
		return host.HostName
	}
	return host.Name
}

// RunPrune runs one PruneEngine pass across every PurposePrune-selected
// volume of cfg, serialised under the same global state lock discipline
// as backups, but single-threaded: prune is a catalogue-wide sweep, not
// a per-host operation, so it does not fan out into per-host workers.
func (o *Orchestrator) RunPrune(ctx context.Context, incomplete bool, deadlineSeconds int) (int, error) {
	e := &engine.PruneEngine{
		Catalogue: o.Catalogue, StoreRoot: o.StoreRoot,
		PruneIncomplete: incomplete, Events: o.Events,
	}
	if deadlineSeconds > 0 {
		e.Deadline = time.Now().Add(time.Duration(deadlineSeconds) * time.Second)
	}

	o.globalMu.Lock()
	defer o.globalMu.Unlock()
	return e.Prune(o.Config)
}
