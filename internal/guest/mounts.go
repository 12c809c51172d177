package guest

import (
	"log"
	"os"
	"syscall"
)

const (
	depsDevice     = "/dev/vdb"
	depsMountPoint = "/mnt/deps"
)

// MountDependencies probes for the dependency block device attached by the
// orchestrator (fixed drive id "deps" on the host side) and mounts it
// read-only if present. It reports whether the mount succeeded so the
// caller can compose PYTHONPATH accordingly; a missing device is not an
// error -- most tasks have no extra dependencies.
func MountDependencies() bool {
	if _, err := os.Stat(depsDevice); err != nil {
		return false
	}

	log.Printf("found dependency drive at %s, mounting read-only", depsDevice)
	if err := os.MkdirAll(depsMountPoint, 0o755); err != nil {
		log.Printf("create mount point: %v", err)
		return false
	}

	if err := syscall.Mount(depsDevice, depsMountPoint, "ext4", syscall.MS_RDONLY, ""); err != nil {
		log.Printf("mount %s: %v", depsDevice, err)
		return false
	}

	log.Printf("dependencies mounted at %s", depsMountPoint)
	return true
}
