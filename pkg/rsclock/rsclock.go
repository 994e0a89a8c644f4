// Package rsclock centralises the time-override environment variables
// (§6 "Time overrides") so that tests can pin "now" and "today" without
// depending on the wall clock, exactly as rsbackup's original Date class
// did via getenv("RSBACKUP_TODAY") and friends.
package rsclock

import (
	"os"
	"time"

	"github.com/google/uuid"
)

const timestampLayout = "2006-01-02T15:04:05"

// Now returns the current UTC time, honouring RSBACKUP_TIME_<tag> and
// falling back to RSBACKUP_TIME, for a tagged instant such as "BACKUP",
// "FINISH" or "PRUNE".
func Now(tag string) time.Time {
	if v, ok := os.LookupEnv("RSBACKUP_TIME_" + tag); ok {
		if t, err := time.Parse(timestampLayout, v); err == nil {
			return t.UTC()
		}
	}
	if v, ok := os.LookupEnv("RSBACKUP_TIME"); ok {
		if t, err := time.Parse(timestampLayout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// Overridden reports whether the given tagged instant (or the blanket
// RSBACKUP_TIME override) was set in the environment.
func Overridden(tag string) bool {
	if _, ok := os.LookupEnv("RSBACKUP_TIME_" + tag); ok {
		return true
	}
	_, ok := os.LookupEnv("RSBACKUP_TIME")
	return ok
}

// Today returns the current local calendar date, honouring RSBACKUP_TODAY.
func Today() time.Time {
	if v, ok := os.LookupEnv("RSBACKUP_TODAY"); ok {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			return t
		}
	}
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
}

// BackupID formats a canonical backup ID: a UTC timestamp in
// YYYY-MM-DDTHH:MM:SS form, as used for both the opaque Backup.ID and the
// on-disk directory name.
func BackupID(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseBackupID parses a backup ID back into a time, for age calculations.
func ParseBackupID(id string) (time.Time, error) {
	return time.Parse(timestampLayout, id)
}

// UniqueBackupID returns BackupID(t), unless taken reports that ID is
// already in use (two backups of the same volume/device starting
// within the same wall-clock second, which this format's one-second
// resolution cannot otherwise distinguish), in which case it falls
// back to a random UUID so the catalogue's (volume, device, id)
// identity still holds.
func UniqueBackupID(t time.Time, taken func(id string) bool) string {
	id := BackupID(t)
	if taken == nil || !taken(id) {
		return id
	}
	return uuid.NewString()
}
