//go:build linux

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// mountSystem prepares the minimal filesystems the agent needs when
// running as init on a bare rootfs: devtmpfs so /dev/vdb appears, procfs
// for the Python runtime, and a writable tmpfs since the rootfs is
// mounted read-only.
func mountSystem() {
	if os.Getenv("PULSAR_SKIP_MOUNT") == "true" {
		fmt.Println("[agent] PULSAR_SKIP_MOUNT=true, skipping system mounts")
		return
	}

	_ = os.MkdirAll("/dev", 0755)
	if err := unix.Mount("devtmpfs", "/dev", "devtmpfs", 0, ""); err != nil && !errors.Is(err, unix.EBUSY) {
		fmt.Fprintf(os.Stderr, "[agent] Mount devtmpfs: %v\n", err)
		os.Exit(1)
	}

	_ = os.MkdirAll("/proc", 0755)
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil && !errors.Is(err, unix.EBUSY) {
		fmt.Fprintf(os.Stderr, "[agent] Mount procfs: %v\n", err)
		os.Exit(1)
	}

	if err := unix.Mount("tmpfs", "/tmp", "tmpfs", 0, "mode=1777,size=64m"); err != nil && !errors.Is(err, unix.EBUSY) {
		fmt.Fprintf(os.Stderr, "[agent] Mount tmpfs /tmp: %v\n", err)
		os.Exit(1)
	}
}

// mountDepsDrive mounts the dependency image at /mnt/deps read-only if
// the drive was attached. The device can lag the boot by a moment, so
// probe with a short retry loop. A task with no third-party dependencies
// has no drive; that is not an error.
func mountDepsDrive() bool {
	if os.Getenv("PULSAR_SKIP_MOUNT") == "true" {
		return false
	}

	const depDev = "/dev/vdb"

	var lastErr error
	for i := 0; i < 40; i++ { // ~2s total
		if _, err := os.Stat(depDev); err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		_ = os.MkdirAll(depsMountPoint, 0755)
		err := unix.Mount(depDev, depsMountPoint, "ext4", unix.MS_RDONLY, "")
		if err == nil || errors.Is(err, unix.EBUSY) {
			fmt.Printf("[agent] Dependencies mounted at %s\n", depsMountPoint)
			return true
		}
		lastErr = err
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENXIO) {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		break
	}

	if lastErr != nil {
		fmt.Fprintf(os.Stderr, "[agent] Mount %s failed: %v\n", depDev, lastErr)
	} else {
		fmt.Println("[agent] No dependency drive attached")
	}
	return false
}
