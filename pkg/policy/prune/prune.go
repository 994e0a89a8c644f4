// Package prune implements the prune policy registry (§4.7): named
// policies that decide, for the set of backups a volume has on one
// device, which of them are now prunable.
package prune

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/rsbackup/pkg/rsclock"
	"github.com/cuemby/rsbackup/pkg/subprocess"
	"github.com/cuemby/rsbackup/pkg/types"
)

const (
	defaultPruneAge   = 31
	defaultMinBackups = 1
	defaultDecayStart = 0
)

// Policy decides which of a device's backups of a volume are prunable.
type Policy interface {
	// Validate checks a volume's pruning parameters at config-load time.
	Validate(volume *types.Volume) error
	// Prunable returns the subset of onDevice (all belonging to the
	// same volume and device, ordered oldest-first by ID) that should be
	// pruned, each mapped to a human-readable reason. total is the
	// backup count across all devices for this volume, for policies
	// that want it (exec).
	Prunable(onDevice []*types.Backup, total int) (map[*types.Backup]string, error)
}

var registry = map[string]Policy{}

func register(name string, p Policy) {
	registry[name] = p
}

// Find looks up a registered policy by name.
func Find(name string) (Policy, error) {
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("prune: unrecognized policy %q", name)
	}
	return p, nil
}

// Validate looks up volume's configured prune policy and validates it.
func Validate(volume *types.Volume) error {
	p, err := Find(volume.PrunePolicy)
	if err != nil {
		return err
	}
	return p.Validate(volume)
}

func param(volume *types.Volume, name string) (string, bool) {
	v, ok := volume.PruneParams[name]
	return v, ok
}

func paramOr(volume *types.Volume, name, def string) string {
	if v, ok := param(volume, name); ok {
		return v
	}
	return def
}

func ageDays(backup *types.Backup, today time.Time) int {
	days := int(today.Sub(truncateToDay(backup.Start)).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return days
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func init() {
	register("never", neverPolicy{})
	register("age", agePolicy{})
	register("decay", decayPolicy{})
	register("exec", execPolicy{})
}

// neverPolicy never prunes anything.
type neverPolicy struct{}

func (neverPolicy) Validate(*types.Volume) error { return nil }

func (neverPolicy) Prunable([]*types.Backup, int) (map[*types.Backup]string, error) {
	return map[*types.Backup]string{}, nil
}

// agePolicy prunes backups older than prune-age days, stopping once
// only min-backups would remain. Candidates are walked youngest-first
// so the "remaining" count only falls as actual pruning happens,
// rather than being skewed by how old the oldest survivor already is.
type agePolicy struct{}

func (agePolicy) Validate(volume *types.Volume) error {
	if _, err := parsePositiveInt(paramOr(volume, "prune-age", strconv.Itoa(defaultPruneAge)), "prune-age", volume.Name); err != nil {
		return err
	}
	if _, err := parsePositiveInt(paramOr(volume, "min-backups", strconv.Itoa(defaultMinBackups)), "min-backups", volume.Name); err != nil {
		return err
	}
	return nil
}

func (agePolicy) Prunable(onDevice []*types.Backup, _ int) (map[*types.Backup]string, error) {
	result := map[*types.Backup]string{}
	if len(onDevice) == 0 {
		return result, nil
	}
	volume := onDevice[0].Volume
	pruneAge, err := parsePositiveInt(paramOr(volume, "prune-age", strconv.Itoa(defaultPruneAge)), "prune-age", volume.Name)
	if err != nil {
		return nil, err
	}
	minBackups, err := parsePositiveInt(paramOr(volume, "min-backups", strconv.Itoa(defaultMinBackups)), "min-backups", volume.Name)
	if err != nil {
		return nil, err
	}

	ordered := append([]*types.Backup(nil), onDevice...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start.After(ordered[j].Start) })

	today := rsclock.Today()
	left := len(ordered)
	for _, b := range ordered {
		age := ageDays(b, today)
		if age <= pruneAge {
			continue
		}
		if left <= minBackups {
			continue
		}
		result[b] = fmt.Sprintf("older than %d days", pruneAge)
		left--
	}
	return result, nil
}

// decayPolicy buckets backups by age into exponentially-widening
// windows, keeping only the oldest survivor in each bucket.
type decayPolicy struct{}

func (decayPolicy) Validate(volume *types.Volume) error {
	w, err := parsePositiveFloat(paramOr(volume, "window", "7"), "window", volume.Name)
	if err != nil {
		return err
	}
	if w <= 0 {
		return fmt.Errorf("prune: volume %q: window must be positive", volume.Name)
	}
	s, err := parsePositiveFloat(paramOr(volume, "scale", "2"), "scale", volume.Name)
	if err != nil {
		return err
	}
	if s <= 1 {
		return fmt.Errorf("prune: volume %q: scale must exceed 1", volume.Name)
	}
	if _, err := parsePositiveInt(paramOr(volume, "decay-start", strconv.Itoa(defaultDecayStart)), "decay-start", volume.Name); err != nil {
		return err
	}
	if _, err := parsePositiveInt(paramOr(volume, "decay-limit", strconv.Itoa(defaultPruneAge)), "decay-limit", volume.Name); err != nil {
		return err
	}
	return nil
}

func decayBucket(w, s float64, a int, decayStart int) int {
	age := float64(a - decayStart)
	if age <= 0 {
		return 0
	}
	return int(math.Ceil(math.Log(((s-1)*age/w)+1)/math.Log(s))) - 1
}

func (decayPolicy) Prunable(onDevice []*types.Backup, _ int) (map[*types.Backup]string, error) {
	result := map[*types.Backup]string{}
	if len(onDevice) == 0 {
		return result, nil
	}
	volume := onDevice[0].Volume
	w, err := parsePositiveFloat(paramOr(volume, "window", "7"), "window", volume.Name)
	if err != nil {
		return nil, err
	}
	s, err := parsePositiveFloat(paramOr(volume, "scale", "2"), "scale", volume.Name)
	if err != nil {
		return nil, err
	}
	decayStart, err := parsePositiveInt(paramOr(volume, "decay-start", strconv.Itoa(defaultDecayStart)), "decay-start", volume.Name)
	if err != nil {
		return nil, err
	}
	decayLimit, err := parsePositiveInt(paramOr(volume, "decay-limit", strconv.Itoa(defaultPruneAge)), "decay-limit", volume.Name)
	if err != nil {
		return nil, err
	}

	today := rsclock.Today()

	// Pass 1: unconditional prune of anything past decay-limit,
	// provided the device holds more than one backup.
	var candidates []*types.Backup
	for _, b := range onDevice {
		age := ageDays(b, today)
		if age > decayLimit && len(onDevice) > 1 {
			result[b] = fmt.Sprintf("older than decay-limit %d days", decayLimit)
			continue
		}
		candidates = append(candidates, b)
	}

	// Pass 2: bucket the survivors, keep the oldest per bucket.
	oldestInBucket := map[int]*types.Backup{}
	for _, b := range candidates {
		age := ageDays(b, today)
		if age <= decayStart {
			continue // too young to be bucketed at all; never pruned here
		}
		bucket := decayBucket(w, s, age, decayStart)
		incumbent, ok := oldestInBucket[bucket]
		if !ok || b.Start.Before(incumbent.Start) {
			oldestInBucket[bucket] = b
		}
	}
	kept := map[*types.Backup]bool{}
	for _, b := range oldestInBucket {
		kept[b] = true
	}
	for _, b := range candidates {
		age := ageDays(b, today)
		if age <= decayStart {
			continue
		}
		if !kept[b] {
			bucket := decayBucket(w, s, age, decayStart)
			result[b] = fmt.Sprintf("decayed out of bucket %d", bucket)
		}
	}
	return result, nil
}

// execPolicy delegates the decision to an external program, passing
// per-volume PRUNE_* environment variables and parsing an "age:reason"
// record per line of its stdout.
type execPolicy struct{}

func (execPolicy) Validate(volume *types.Volume) error {
	if _, err := requireParam(volume, "path"); err != nil {
		return err
	}
	for name := range volume.PruneParams {
		for _, ch := range name {
			if ch != '_' && !isAlnum(ch) {
				return fmt.Errorf("prune: invalid pruning parameter %q for volume %q", name, volume.Name)
			}
		}
	}
	return nil
}

func isAlnum(ch rune) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func requireParam(volume *types.Volume, name string) (string, error) {
	v, ok := param(volume, name)
	if !ok {
		return "", fmt.Errorf("prune: missing parameter %q for volume %q", name, volume.Name)
	}
	return v, nil
}

func (execPolicy) Prunable(onDevice []*types.Backup, total int) (map[*types.Backup]string, error) {
	result := map[*types.Backup]string{}
	if len(onDevice) == 0 {
		return result, nil
	}
	volume := onDevice[0].Volume
	path, err := requireParam(volume, "path")
	if err != nil {
		return nil, err
	}

	today := rsclock.Today()
	ages := make([]string, len(onDevice))
	byAge := map[int][]*types.Backup{}
	for i, b := range onDevice {
		age := ageDays(b, today)
		ages[i] = strconv.Itoa(age)
		byAge[age] = append(byAge[age], b)
	}

	cmd := &subprocess.Command{
		Name: "prune-exec:" + volume.Name,
		Args: []string{path},
		Env: map[string]string{
			"PRUNE_ONDEVICE": strings.Join(ages, " "),
			"PRUNE_TOTAL":    strconv.Itoa(total),
			"PRUNE_HOST":     volume.Parent.Name,
			"PRUNE_VOLUME":   volume.Name,
			"PRUNE_DEVICE":   onDevice[0].Device,
		},
	}
	for name, value := range volume.PruneParams {
		cmd.Env["PRUNE_"+name] = value
	}
	if err := cmd.Run(context.Background()); err != nil {
		return nil, fmt.Errorf("prune: exec policy for volume %q: %w", volume.Name, err)
	}

	scanner := bufio.NewScanner(strings.NewReader(cmd.Stdout()))
	assigned := map[*types.Backup]bool{}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("prune: exec policy for volume %q: malformed line %q", volume.Name, line)
		}
		age, err := strconv.Atoi(line[:colon])
		if err != nil {
			return nil, fmt.Errorf("prune: exec policy for volume %q: bad age in %q", volume.Name, line)
		}
		reason := line[colon+1:]
		matches, ok := byAge[age]
		if !ok {
			return nil, fmt.Errorf("prune: exec policy for volume %q: nonexistent entry for age %d", volume.Name, age)
		}
		found := false
		for _, b := range matches {
			if assigned[b] {
				continue
			}
			if found {
				break
			}
			result[b] = reason
			assigned[b] = true
			found = true
		}
		if !found {
			return nil, fmt.Errorf("prune: exec policy for volume %q: duplicate entry for age %d", volume.Name, age)
		}
	}
	return result, nil
}

// parsePositiveInt parses prune-age/min-backups/decay-start/decay-limit,
// which are plain non-negative integers (a day count or a backup
// count), not general time intervals.
func parsePositiveInt(raw, name, volume string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("prune: volume %q: %s must be an integer: %w", volume, name, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("prune: volume %q: %s must not be negative", volume, name)
	}
	return v, nil
}

func parsePositiveFloat(raw, name, volume string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("prune: volume %q: %s must be numeric: %w", volume, name, err)
	}
	return v, nil
}
