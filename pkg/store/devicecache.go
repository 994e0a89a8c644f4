package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketDeviceIDs = []byte("device_ids")

// DeviceCache remembers, across process invocations, which device ID
// was last seen at each configured store path. It is consulted only for
// diagnostics (telling an operator what used to be mounted where when
// a store has gone missing); identification itself always re-reads the
// live device-id file, never this cache, since the cache can go stale
// the moment a device is swapped.
type DeviceCache struct {
	db *bolt.DB
}

// OpenDeviceCache opens (creating if necessary) the bbolt-backed cache
// at path.
func OpenDeviceCache(path string) (*DeviceCache, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open device cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDeviceIDs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init device cache: %w", err)
	}
	return &DeviceCache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *DeviceCache) Close() error {
	return c.db.Close()
}

// Remember records the device ID last seen at storePath.
func (c *DeviceCache) Remember(storePath, deviceID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeviceIDs).Put([]byte(storePath), []byte(deviceID))
	})
}

// LastSeen returns the device ID last recorded for storePath, and
// whether one was found.
func (c *DeviceCache) LastSeen(storePath string) (string, bool) {
	var id string
	var found bool
	c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDeviceIDs).Get([]byte(storePath))
		if v != nil {
			id = string(v)
			found = true
		}
		return nil
	})
	return id, found
}

// Forget removes any cached entry for storePath, used once a store is
// removed from configuration.
func (c *DeviceCache) Forget(storePath string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeviceIDs).Delete([]byte(storePath))
	})
}
