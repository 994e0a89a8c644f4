// Package types holds the data model shared by every rsbackup component
// (§3): Hosts own Volumes, Volumes own Backups, Devices and Stores are
// paired at runtime by the reconciliation layer.
package types

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/rsbackup/pkg/textutil"
)

// ReachabilityStrategy selects how a Host's liveness is probed before a
// backup run attempts to use it.
type ReachabilityStrategy string

const (
	ReachabilitySSHProbe   ReachabilityStrategy = "ssh-probe"
	ReachabilityAlwaysUp   ReachabilityStrategy = "always-up"
	ReachabilityCustomExec ReachabilityStrategy = "exec"
)

// Host is a named machine to back up.
type Host struct {
	Name             string
	User             string
	HostName         string // network target; defaults to Name
	ConcurrencyGroup string // defaults to Name
	Reachability     ReachabilityStrategy
	ReachabilityCmd  []string // used when Reachability == ReachabilityCustomExec
	Priority         int

	Volumes map[string]*Volume
}

// Target returns the user@hostname rsync target, or just hostname if no
// user is configured, or "" for the implicit localhost host.
func (h *Host) Target() string {
	hostname := h.HostName
	if hostname == "" {
		hostname = h.Name
	}
	if hostname == "localhost" && h.User == "" {
		return ""
	}
	if h.User != "" {
		return h.User + "@" + hostname
	}
	return hostname
}

// Group returns the concurrency-group name volumes on this host
// serialise under, defaulting to the host's own name.
func (h *Host) Group() string {
	if h.ConcurrencyGroup != "" {
		return h.ConcurrencyGroup
	}
	return h.Name
}

// SelectionPurpose is one of the independent selection flags a Volume
// carries — a volume can be included for backup but excluded from prune
// or the history graph, and vice versa.
type SelectionPurpose int

const (
	PurposeBackup SelectionPurpose = iota
	PurposePrune
	PurposeGraph
	purposeMax
)

// Volume is a named data set on a Host.
type Volume struct {
	Parent *Host

	Name             string
	Path             string
	Exclude          []string
	TraverseMounts   bool
	CheckMountPoint  string
	CheckSentinel    string
	DeviceGlob       string // restricts which devices are eligible; "" means all

	BackupPolicy   string
	BackupParams   map[string]string
	PrunePolicy    string
	PruneParams    map[string]string

	PreVolumeHook  []string
	PostVolumeHook []string
	HookTimeout    time.Duration

	RsyncBaseOptions  []string
	RsyncExtraOptions []string
	RsyncPath         string // remote rsync binary path, if non-default
	RsyncTimeout      time.Duration
	BackupJobTimeout  time.Duration

	// EarliestSeconds/LatestSeconds bound the daily backup window in
	// seconds since local midnight. Both zero means unrestricted.
	EarliestSeconds int
	LatestSeconds   int

	selected [purposeMax]bool

	// Backups is keyed by device name, then ordered oldest-first by ID.
	Backups map[string][]*Backup

	stats statsCache
}

type statsCache struct {
	valid         bool
	oldest, newest time.Time
	completed     int
	perDevice     map[string]deviceStats
}

type deviceStats struct {
	count          int
	oldest, newest time.Time
}

// Valid reports whether name is an acceptable Host or Volume identifier:
// non-empty and free of path separators, matching the original's naming
// rule that names double as path components on disk.
func Valid(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r == '/' || r == '\\' {
			return false
		}
	}
	return true
}

// Selected reports whether the volume is currently included for the
// given purpose.
func (v *Volume) Selected(purpose SelectionPurpose) bool {
	return v.selected[purpose]
}

// Select sets or clears inclusion for the given purpose.
func (v *Volume) Select(purpose SelectionPurpose, sense bool) {
	v.selected[purpose] = sense
}

// InWindow reports whether secondsSinceMidnight falls within the
// volume's configured backup window (§3); a zero window is unrestricted.
func (v *Volume) InWindow(secondsSinceMidnight int) bool {
	if v.EarliestSeconds == 0 && v.LatestSeconds == 0 {
		return true
	}
	return secondsSinceMidnight >= v.EarliestSeconds && secondsSinceMidnight <= v.LatestSeconds
}

// AcceptsDevice reports whether this volume may be backed up to a device
// with the given name, per its DeviceGlob.
func (v *Volume) AcceptsDevice(device string) bool {
	if v.DeviceGlob == "" {
		return true
	}
	ok, _ := path.Match(v.DeviceGlob, device)
	return ok
}

// AddBackup attaches b to the volume's in-memory backup set (keyed by
// device, oldest-first) and invalidates the cached derived statistics.
func (v *Volume) AddBackup(b *Backup) {
	if v.Backups == nil {
		v.Backups = make(map[string][]*Backup)
	}
	list := append(v.Backups[b.Device], b)
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	v.Backups[b.Device] = list
	v.stats.valid = false
}

// RemoveBackup detaches b (matched by device+ID) from the in-memory set
// and invalidates cached statistics.
func (v *Volume) RemoveBackup(device, id string) {
	list := v.Backups[device]
	for i, b := range list {
		if b.ID == id {
			v.Backups[device] = append(list[:i], list[i+1:]...)
			v.stats.valid = false
			return
		}
	}
}

// MostRecentBackup returns the newest backup of this volume on device in
// any of the given statuses (newest first by ID), or nil.
func (v *Volume) MostRecentBackup(device string, statuses ...BackupStatus) *Backup {
	list := v.Backups[device]
	for i := len(list) - 1; i >= 0; i-- {
		if statusIn(list[i].Status, statuses) {
			return list[i]
		}
	}
	return nil
}

// MostRecentFailedBackup returns the newest Failed backup of this volume
// on device, or nil.
func (v *Volume) MostRecentFailedBackup(device string) *Backup {
	return v.MostRecentBackup(device, StatusFailed)
}

func statusIn(s BackupStatus, set []BackupStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, want := range set {
		if s == want {
			return true
		}
	}
	return false
}

// Calculate recomputes and returns the volume's derived statistics:
// overall oldest/newest backup time, count of Complete backups, and the
// same broken down per device. Cached until the next AddBackup/RemoveBackup.
func (v *Volume) Calculate() Stats {
	if v.stats.valid {
		return v.toStats()
	}
	var s statsCache
	s.valid = true
	s.perDevice = make(map[string]deviceStats)
	for device, backups := range v.Backups {
		var ds deviceStats
		for _, b := range backups {
			if b.Status != StatusComplete {
				continue
			}
			ds.count++
			if ds.oldest.IsZero() || b.Start.Before(ds.oldest) {
				ds.oldest = b.Start
			}
			if ds.newest.IsZero() || b.Start.After(ds.newest) {
				ds.newest = b.Start
			}
			s.completed++
			if s.oldest.IsZero() || b.Start.Before(s.oldest) {
				s.oldest = b.Start
			}
			if s.newest.IsZero() || b.Start.After(s.newest) {
				s.newest = b.Start
			}
		}
		s.perDevice[device] = ds
	}
	v.stats = s
	return v.toStats()
}

func (v *Volume) toStats() Stats {
	per := make(map[string]DeviceStats, len(v.stats.perDevice))
	for device, ds := range v.stats.perDevice {
		per[device] = DeviceStats{Count: ds.count, Oldest: ds.oldest, Newest: ds.newest}
	}
	return Stats{
		Oldest:    v.stats.oldest,
		Newest:    v.stats.newest,
		Completed: v.stats.completed,
		PerDevice: per,
	}
}

// Stats is the read-only view of Volume.Calculate's derived statistics.
type Stats struct {
	Oldest, Newest time.Time
	Completed      int
	PerDevice      map[string]DeviceStats
}

// DeviceStats is the per-device slice of Stats.
type DeviceStats struct {
	Count          int
	Oldest, Newest time.Time
}

// Device is a named removable backup target.
type Device struct {
	Name string

	// Store is the Store currently paired with this device, or nil.
	// Weak reference: cleared by the reconciliation layer without
	// requiring the Store to be destroyed.
	Store *Store
}

// Store is a configured filesystem path at which a Device may be
// mounted.
type Store struct {
	Path          string
	MountRequired bool
	Enabled       bool
	Public        bool // permits group/world-readable store roots

	// Device is the Device currently paired with this store, or nil.
	Device *Device
}

// BackupStatus is a Backup record's lifecycle state (§3).
type BackupStatus int

const (
	StatusUnknown BackupStatus = iota
	StatusUnderway
	StatusComplete
	StatusFailed
	StatusPruning
	StatusPruned
)

func (s BackupStatus) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusUnderway:
		return "underway"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusPruning:
		return "pruning"
	case StatusPruned:
		return "pruned"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Backup is a single attempt to copy a Volume to a Device (§3). Device is
// stored as a string rather than a *Device pointer because the
// configured device may have vanished from configuration by the time
// the record is read back.
type Backup struct {
	Volume *Volume

	Device string
	ID     string // canonically a UTC timestamp, see pkg/rsclock

	Start  time.Time
	Finish time.Time // zero for records written before this column existed
	Prune  time.Time // decision-time while Pruning, completion-time once Pruned

	WaitStatus int
	Status     BackupStatus
	Log        []byte
}

// Path returns the on-disk location of a completed backup directory
// under storeRoot: <store-path>/<host>/<volume>/<id>.
func (b *Backup) Path(storeRoot string) string {
	return path.Join(storeRoot, b.Volume.Parent.Name, b.Volume.Name, b.ID)
}

// IncompleteMarkerPath returns the sibling sentinel file that exists
// while the backup has not reached Complete.
func (b *Backup) IncompleteMarkerPath(storeRoot string) string {
	return b.Path(storeRoot) + ".incomplete"
}

// NoLinkPath returns the volume-level sentinel file whose presence
// suppresses --link-dest hardlink targets on the next backup.
func NoLinkPath(storeRoot string, v *Volume) string {
	return path.Join(storeRoot, v.Parent.Name, v.Name) + ".nolink"
}

// Config is the root configuration container: it exclusively owns
// Hosts, Devices, and Stores. Parsing config files is out of scope
// (§1); this struct is the in-memory target a loader populates.
type Config struct {
	Hosts   map[string]*Host
	Devices map[string]*Device
	Stores  map[string]*Store

	PublicStoresAllowed bool
	PruneLogRetention   time.Duration
	GlobalLock          string // path to the advisory whole-process lock file
}

// Selection is one entry of a host:volume selection expression (§6),
// e.g. "*:*" or "-host2:volume1".
type Selection struct {
	Host, Volume string
	Sense        bool
}

// ParseSelection parses a single selection token: an optional leading
// '-'/'!' for exclusion, then either "host" (implying volume "*") or
// "host:volume".
func ParseSelection(token string) (Selection, error) {
	if token == "" {
		return Selection{}, fmt.Errorf("types: invalid selection %q", token)
	}
	sense := true
	pos := 0
	switch token[0] {
	case '-', '!':
		sense = false
		pos = 1
	}
	rest := token[pos:]
	if rest == "" {
		return Selection{}, fmt.Errorf("types: invalid selection %q", token)
	}
	host, volume := rest, "*"
	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		host, volume = rest[:idx], rest[idx+1:]
	}
	if !Valid(host) && host != "*" {
		return Selection{}, fmt.Errorf("types: invalid host %q", host)
	}
	if !Valid(volume) && volume != "*" {
		return Selection{}, fmt.Errorf("types: invalid volume %q", volume)
	}
	if host == "*" && volume != "*" {
		return Selection{}, fmt.Errorf("types: invalid selection %q: host wildcard requires volume wildcard", token)
	}
	return Selection{Host: host, Volume: volume, Sense: sense}, nil
}

// Apply evaluates a glob selection against every host/volume in cfg for
// the given purpose, setting or clearing inclusion. currentSeconds, if
// non-nil, additionally restricts to volumes whose backup window
// contains it (used only for PurposeBackup).
func (s Selection) Apply(cfg *Config, purpose SelectionPurpose, currentSeconds *int) {
	names := make([]string, 0, len(cfg.Hosts))
	for name := range cfg.Hosts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return textutil.NameLess(names[i], names[j]) })
	for _, name := range names {
		host := cfg.Hosts[name]
		if ok, _ := path.Match(s.Host, host.Name); !ok {
			continue
		}
		volNames := make([]string, 0, len(host.Volumes))
		for vn := range host.Volumes {
			volNames = append(volNames, vn)
		}
		sort.Slice(volNames, func(i, j int) bool { return textutil.NameLess(volNames[i], volNames[j]) })
		for _, vn := range volNames {
			volume := host.Volumes[vn]
			if ok, _ := path.Match(s.Volume, volume.Name); !ok {
				continue
			}
			if currentSeconds != nil && !volume.InWindow(*currentSeconds) {
				continue
			}
			volume.Select(purpose, s.Sense)
		}
	}
}

// ApplyAll runs every selection in order for every purpose; an empty
// slice means "select everything", matching the CLI's default when no
// explicit selection arguments are given.
func ApplyAll(cfg *Config, selections []Selection, nowSecondsForBackup *int) {
	if len(selections) == 0 {
		all := Selection{Host: "*", Volume: "*", Sense: true}
		for purpose := SelectionPurpose(0); purpose < purposeMax; purpose++ {
			var cur *int
			if purpose == PurposeBackup {
				cur = nowSecondsForBackup
			}
			all.Apply(cfg, purpose, cur)
		}
		return
	}
	for _, sel := range selections {
		for purpose := SelectionPurpose(0); purpose < purposeMax; purpose++ {
			sel.Apply(cfg, purpose, nil)
		}
	}
}
