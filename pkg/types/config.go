package types

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/rsbackup/pkg/textutil"
)

// fileConfig is the YAML document shape. Parsing the real rsbackup
// config-file grammar (directives, ConfDirective.cc) is out of scope
// (§1); this is the minimal loader the CLI and tests use to populate a
// Config without hand-building the in-memory graph.
type fileConfig struct {
	PublicStoresAllowed bool              `yaml:"publicStoresAllowed"`
	PruneLogRetention   string            `yaml:"pruneLogRetention"`
	GlobalLock          string            `yaml:"globalLock"`
	Stores              map[string]fileStore  `yaml:"stores"`
	Devices             map[string]struct{}   `yaml:"devices"`
	Hosts               map[string]fileHost   `yaml:"hosts"`
}

type fileStore struct {
	Path          string `yaml:"path"`
	MountRequired bool   `yaml:"mountRequired"`
	Enabled       bool   `yaml:"enabled"`
	Public        bool   `yaml:"public"`
	Device        string `yaml:"device"` // initial pairing, if known up front
}

type fileHost struct {
	HostName         string              `yaml:"hostname"`
	User             string              `yaml:"user"`
	ConcurrencyGroup string              `yaml:"concurrencyGroup"`
	Reachability     string              `yaml:"reachability"`
	ReachabilityCmd  []string            `yaml:"reachabilityCmd"`
	Priority         int                 `yaml:"priority"`
	Volumes          map[string]fileVolume `yaml:"volumes"`
}

type fileVolume struct {
	Path              string            `yaml:"path"`
	Exclude           []string          `yaml:"exclude"`
	TraverseMounts    bool              `yaml:"traverseMounts"`
	CheckMountPoint   string            `yaml:"checkMountPoint"`
	CheckSentinel     string            `yaml:"checkSentinel"`
	DeviceGlob        string            `yaml:"deviceGlob"`
	BackupPolicy      string            `yaml:"backupPolicy"`
	BackupParams      map[string]string `yaml:"backupParams"`
	PrunePolicy       string            `yaml:"prunePolicy"`
	PruneParams       map[string]string `yaml:"pruneParams"`
	PreVolumeHook     []string          `yaml:"preVolumeHook"`
	PostVolumeHook    []string          `yaml:"postVolumeHook"`
	HookTimeout       string            `yaml:"hookTimeout"`
	RsyncBaseOptions  []string          `yaml:"rsyncBaseOptions"`
	RsyncExtraOptions []string          `yaml:"rsyncExtraOptions"`
	RsyncPath         string            `yaml:"rsyncPath"`
	RsyncTimeout      string            `yaml:"rsyncTimeout"`
	BackupJobTimeout  string            `yaml:"backupJobTimeout"`
	Earliest          string            `yaml:"earliest"` // "HH:MM"
	Latest            string            `yaml:"latest"`
}

// LoadConfig reads and parses a YAML config file at path into a Config,
// wiring Host/Volume parent pointers and Device/Store pairings.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("types: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML document already read into memory.
func ParseConfig(data []byte) (*Config, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("types: parse config: %w", err)
	}

	cfg := &Config{
		PublicStoresAllowed: fc.PublicStoresAllowed,
		GlobalLock:          fc.GlobalLock,
		Hosts:               make(map[string]*Host, len(fc.Hosts)),
		Devices:             make(map[string]*Device, len(fc.Devices)),
		Stores:              make(map[string]*Store, len(fc.Stores)),
	}

	if fc.PruneLogRetention != "" {
		d, err := time.ParseDuration(fc.PruneLogRetention)
		if err != nil {
			return nil, fmt.Errorf("types: pruneLogRetention: %w", err)
		}
		cfg.PruneLogRetention = d
	}

	for name := range fc.Devices {
		if !Valid(name) {
			return nil, fmt.Errorf("types: invalid device name %q", name)
		}
		cfg.Devices[name] = &Device{Name: name}
	}

	for name, fs := range fc.Stores {
		if !Valid(name) {
			return nil, fmt.Errorf("types: invalid store name %q", name)
		}
		if fs.Path == "" {
			return nil, fmt.Errorf("types: store %q: path is required", name)
		}
		store := &Store{Path: fs.Path, MountRequired: fs.MountRequired, Enabled: fs.Enabled, Public: fs.Public}
		cfg.Stores[name] = store
		if fs.Device != "" {
			device, ok := cfg.Devices[fs.Device]
			if !ok {
				return nil, fmt.Errorf("types: store %q: unknown device %q", name, fs.Device)
			}
			store.Device = device
			device.Store = store
		}
	}

	for hostName, fh := range fc.Hosts {
		if !Valid(hostName) {
			return nil, fmt.Errorf("types: invalid host name %q", hostName)
		}
		host := &Host{
			Name:             hostName,
			HostName:         fh.HostName,
			User:             fh.User,
			ConcurrencyGroup: fh.ConcurrencyGroup,
			Reachability:     ReachabilityStrategy(fh.Reachability),
			ReachabilityCmd:  fh.ReachabilityCmd,
			Priority:         fh.Priority,
			Volumes:          make(map[string]*Volume, len(fh.Volumes)),
		}
		if host.Reachability == "" {
			host.Reachability = ReachabilitySSHProbe
		}

		for volName, fv := range fh.Volumes {
			if !Valid(volName) {
				return nil, fmt.Errorf("types: invalid volume name %q on host %q", volName, hostName)
			}
			if fv.Path == "" {
				return nil, fmt.Errorf("types: host %q volume %q: path is required", hostName, volName)
			}
			volume := &Volume{
				Parent: host, Name: volName, Path: fv.Path,
				Exclude: fv.Exclude, TraverseMounts: fv.TraverseMounts,
				CheckMountPoint: fv.CheckMountPoint, CheckSentinel: fv.CheckSentinel,
				DeviceGlob: fv.DeviceGlob,
				BackupPolicy: fv.BackupPolicy, BackupParams: fv.BackupParams,
				PrunePolicy: fv.PrunePolicy, PruneParams: fv.PruneParams,
				PreVolumeHook: fv.PreVolumeHook, PostVolumeHook: fv.PostVolumeHook,
				RsyncBaseOptions: fv.RsyncBaseOptions, RsyncExtraOptions: fv.RsyncExtraOptions,
				RsyncPath: fv.RsyncPath,
			}
			durations := []struct {
				name string
				src  string
				dst  *time.Duration
			}{
				{"hookTimeout", fv.HookTimeout, &volume.HookTimeout},
				{"rsyncTimeout", fv.RsyncTimeout, &volume.RsyncTimeout},
				{"backupJobTimeout", fv.BackupJobTimeout, &volume.BackupJobTimeout},
			}
			for _, d := range durations {
				if d.src == "" {
					continue
				}
				parsed, err := time.ParseDuration(d.src)
				if err != nil {
					return nil, fmt.Errorf("types: host %q volume %q: %s: %w", hostName, volName, d.name, err)
				}
				*d.dst = parsed
			}
			if fv.Earliest != "" {
				secs, err := textutil.ParseTimeOfDay(fv.Earliest)
				if err != nil {
					return nil, fmt.Errorf("types: host %q volume %q: earliest: %w", hostName, volName, err)
				}
				volume.EarliestSeconds = secs
			}
			if fv.Latest != "" {
				secs, err := textutil.ParseTimeOfDay(fv.Latest)
				if err != nil {
					return nil, fmt.Errorf("types: host %q volume %q: latest: %w", hostName, volName, err)
				}
				volume.LatestSeconds = secs
			}
			host.Volumes[volName] = volume
		}
		cfg.Hosts[hostName] = host
	}

	return cfg, nil
}
