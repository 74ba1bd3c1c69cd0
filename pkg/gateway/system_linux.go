//go:build linux

package gateway

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

func isPrivileged() (bool, error) {
	return unix.Geteuid() == 0, nil
}

// freeBytes returns the space available to unprivileged users on the
// volume holding path. A path that does not exist yet is measured at its
// closest existing ancestor.
func freeBytes(path string) (uint64, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return 0, err
	}
	for {
		var stat unix.Statfs_t
		err := unix.Statfs(p, &stat)
		if err == nil {
			return stat.Bavail * uint64(stat.Bsize), nil //nolint:gosec
		}
		parent := filepath.Dir(p)
		if !errors.Is(err, unix.ENOENT) || parent == p {
			return 0, err
		}
		p = parent
	}
}

// onACPower reads the power_supply class under sysfsRoot. A host without
// any mains supply listed (a desktop or a VM) is treated as on AC.
func onACPower(sysfsRoot string) (bool, error) {
	dir := filepath.Join(sysfsRoot, "class", "power_supply")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	sawMains := false
	for _, e := range entries {
		kind, err := readTrimmed(filepath.Join(dir, e.Name(), "type"))
		if err != nil || kind != "Mains" {
			continue
		}
		sawMains = true
		online, err := readTrimmed(filepath.Join(dir, e.Name(), "online"))
		if err != nil {
			continue
		}
		if online == "1" {
			return true, nil
		}
	}
	return !sawMains, nil
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
