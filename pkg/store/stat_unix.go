package store

import (
	"os"
	"syscall"
)

// sameDevice reports whether a and b live on the same filesystem, used
// to detect "nothing is mounted here" (store path and its parent share
// a device number).
func sameDevice(a, b os.FileInfo) bool {
	as, aok := a.Sys().(*syscall.Stat_t)
	bs, bok := b.Sys().(*syscall.Stat_t)
	if !aok || !bok {
		return false
	}
	return as.Dev == bs.Dev
}

// fileOwnerUID returns the owning UID of fi, if the platform exposes one.
func fileOwnerUID(fi os.FileInfo) (uint32, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return st.Uid, true
}
