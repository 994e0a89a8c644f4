// Package store implements the device/store reconciliation layer
// (§4.5): identifying which physical device, if any, is currently
// mounted at each configured store path, arbitrating exclusive pairing,
// and driving the pre/post access hooks exactly once per process
// lifetime.
package store

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/rsbackup/pkg/log"
	"github.com/cuemby/rsbackup/pkg/rsberror"
	"github.com/cuemby/rsbackup/pkg/subprocess"
	"github.com/cuemby/rsbackup/pkg/types"
)

// HookRunner executes the pre/post device-access hooks. A nil Pre/Post
// command is a no-op.
type HookRunner struct {
	Pre, Post []string
	// Verbose controls whether hook output is also logged; the
	// underlying command always captures it.
	Verbose bool

	mu    sync.Mutex
	ready bool
	files []*os.File
}

func (r *HookRunner) run(ctx context.Context, cmd []string, hookName, act string, deviceNames []string) error {
	if len(cmd) == 0 {
		return nil
	}
	c := &subprocess.Command{
		Name: "device-access-hook:" + hookName,
		Args: cmd,
		Env: map[string]string{
			"RSBACKUP_HOOK":    hookName,
			"RSBACKUP_ACT":     act,
			"RSBACKUP_DEVICES": strings.Join(deviceNames, " "),
		},
	}
	err := c.Run(ctx)
	if r.Verbose {
		log.WithChannel(log.ChannelVerbose).Info().Str("hook", hookName).
			Str("stdout", c.Stdout()).Str("stderr", c.Stderr()).Msg("device access hook output")
	}
	return err
}

// PreAccess runs the pre-access hook exactly once per process lifetime,
// across every store reconciliation in the run.
func (r *HookRunner) PreAccess(ctx context.Context, cfg *types.Config, act string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return nil
	}
	if err := r.run(ctx, r.Pre, "pre-access-hook", act, deviceNames(cfg)); err != nil {
		return err
	}
	r.ready = true
	return nil
}

// PostAccess runs the post-access hook iff PreAccess previously ran,
// closing every file held open to prevent unmount first.
func (r *HookRunner) PostAccess(ctx context.Context, cfg *types.Config, act string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil
	}
	for _, f := range r.files {
		f.Close()
	}
	r.files = nil
	err := r.run(ctx, r.Post, "post-access-hook", act, deviceNames(cfg))
	r.ready = false
	return err
}

func (r *HookRunner) keepOpen(f *os.File) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = append(r.files, f)
}

func deviceNames(cfg *types.Config) []string {
	names := make([]string, 0, len(cfg.Devices))
	for name := range cfg.Devices {
		names = append(names, name)
	}
	return names
}

// Reconciler identifies devices at configured store paths.
type Reconciler struct {
	Hooks *HookRunner
	Cache *DeviceCache // optional; diagnostics only
}

// Identify attempts to pair store with whichever Device is physically
// present there (§4.5). On success it sets store.Device and
// device.Store to each other and keeps a file descriptor open at the
// store root until PostAccess runs, so the store cannot be unmounted
// out from under a live run.
func (r *Reconciler) Identify(ctx context.Context, cfg *types.Config, store *types.Store, act string) error {
	if store.Device != nil {
		return nil // already identified
	}

	info, err := os.Stat(store.Path)
	if err != nil {
		return &rsberror.UnavailableStoreError{Store: store.Path, Reason: "does not exist"}
	}

	if store.MountRequired {
		parentInfo, err := os.Stat(filepath.Join(store.Path, ".."))
		if err != nil {
			return &rsberror.FatalStoreError{Device: "", StoreA: store.Path, StoreB: ""}
		}
		if sameDevice(info, parentInfo) {
			return &rsberror.UnavailableStoreError{Store: store.Path, Reason: "is not mounted"}
		}
	}

	if r.Hooks != nil {
		if err := r.Hooks.PreAccess(ctx, cfg, act); err != nil {
			return err
		}
	}

	idPath := filepath.Join(store.Path, "device-id")
	f, err := os.Open(idPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &rsberror.UnavailableStoreError{Store: store.Path, Reason: "no device-id file"}
		}
		return &rsberror.BadStoreError{Store: store.Path, Reason: err.Error()}
	}

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		f.Close()
		return &rsberror.BadStoreError{Store: store.Path, Reason: "malformed device-id"}
	}
	deviceID := strings.TrimSpace(scanner.Text())
	f.Close()

	device, known := cfg.Devices[deviceID]
	if !known {
		log.WithChannel(log.ChannelUnknown).Warn().
			Str("store", store.Path).Str("device-id", deviceID).Msg("unknown device-id")
		if r.Cache != nil {
			r.Cache.Remember(store.Path, deviceID)
		}
		return &rsberror.BadStoreError{Store: store.Path, Reason: "unknown device-id " + deviceID}
	}

	if device.Store != nil {
		return &rsberror.FatalStoreError{Device: deviceID, StoreA: store.Path, StoreB: device.Store.Path}
	}

	if !cfg.PublicStoresAllowed && !store.Public {
		if info.Mode().Perm()&0o077 != 0 {
			return &rsberror.BadStoreError{Store: store.Path, Reason: "is not private"}
		}
		if owner, ok := fileOwnerUID(info); ok && owner != 0 {
			return &rsberror.BadStoreError{Store: store.Path, Reason: "not owned by root"}
		}
	}

	device.Store = store
	store.Device = device

	if r.Cache != nil {
		r.Cache.Remember(store.Path, deviceID)
	}

	keepOpen, err := os.Open(store.Path)
	if err == nil && r.Hooks != nil {
		r.Hooks.keepOpen(keepOpen)
	}
	return nil
}

// IdentifyAll reconciles every store in cfg whose Enabled state matches
// wantEnabled, continuing past non-fatal errors (Unavailable/Bad) but
// returning immediately on the first Fatal one, matching §4.5's "a
// duplicate device ID is a fatal error across the whole operation".
func (r *Reconciler) IdentifyAll(ctx context.Context, cfg *types.Config, wantEnabled bool, act string) (found int, err error) {
	for _, store := range cfg.Stores {
		if store.Enabled != wantEnabled {
			continue
		}
		ierr := r.Identify(ctx, cfg, store, act)
		switch {
		case ierr == nil:
			found++
		case isFatal(ierr):
			return found, ierr
		default:
			log.WithChannel(log.ChannelStore).Warn().Err(ierr).Str("store", store.Path).Msg("store unavailable")
		}
	}
	return found, nil
}

func isFatal(err error) bool {
	_, ok := err.(*rsberror.FatalStoreError)
	return ok
}
