// Package sysfs reads the attributes the kernel publishes for UIO devices
// under /sys/class/uio.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ehrlich-b/go-uio/internal/constants"
)

// Map describes one memory window of a UIO device (maps/mapN).
type Map struct {
	Index  int    `json:"index"`
	Name   string `json:"name,omitempty"`
	Addr   uint64 `json:"addr"`
	Size   uint64 `json:"size"`
	Offset uint64 `json:"offset"`
}

// Info describes a UIO device as seen through sysfs.
type Info struct {
	Device  string `json:"device"`  // e.g. "uio0"
	Name    string `json:"name"`    // driver-supplied name
	Version string `json:"version"` // driver version string
	Event   uint64 `json:"event"`   // interrupts delivered so far
	Maps    []Map  `json:"maps"`
}

// DeviceName extracts the uioN name from a device node path.
func DeviceName(path string) (string, error) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, constants.DeviceNamePrefix) {
		return "", fmt.Errorf("%s is not a uio device node", path)
	}
	if _, err := strconv.ParseUint(strings.TrimPrefix(base, constants.DeviceNamePrefix), 10, 32); err != nil {
		return "", fmt.Errorf("%s is not a uio device node", path)
	}
	return base, nil
}

// Lookup reads the sysfs attributes of device dev (e.g. "uio0") under root.
func Lookup(root, dev string) (*Info, error) {
	dir := filepath.Join(root, dev)

	name, err := readString(filepath.Join(dir, "name"))
	if err != nil {
		return nil, err
	}

	info := &Info{
		Device: dev,
		Name:   name,
	}

	// version and event are optional for our purposes
	if v, err := readString(filepath.Join(dir, "version")); err == nil {
		info.Version = v
	}
	if ev, err := readUint(filepath.Join(dir, "event")); err == nil {
		info.Event = ev
	}

	maps, err := readMaps(filepath.Join(dir, "maps"))
	if err != nil {
		return nil, err
	}
	info.Maps = maps

	return info, nil
}

// MapSize returns the size of map index of device dev.
func MapSize(root, dev string, index int) (uint64, error) {
	info, err := Lookup(root, dev)
	if err != nil {
		return 0, err
	}
	for _, m := range info.Maps {
		if m.Index == index {
			return m.Size, nil
		}
	}
	return 0, fmt.Errorf("%s has no map%d", dev, index)
}

func readMaps(dir string) ([]Map, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		// Devices without memory windows are legal (interrupt only).
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var maps []Map
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "map") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(e.Name(), "map"))
		if err != nil {
			continue
		}

		mdir := filepath.Join(dir, e.Name())
		m := Map{Index: idx}

		if m.Addr, err = readUint(filepath.Join(mdir, "addr")); err != nil {
			return nil, err
		}
		if m.Size, err = readUint(filepath.Join(mdir, "size")); err != nil {
			return nil, err
		}
		// name and offset are missing on older kernels
		if n, err := readString(filepath.Join(mdir, "name")); err == nil {
			m.Name = n
		}
		if off, err := readUint(filepath.Join(mdir, "offset")); err == nil {
			m.Offset = off
		}

		maps = append(maps, m)
	}

	sort.Slice(maps, func(i, j int) bool { return maps[i].Index < maps[j].Index })
	return maps, nil
}

func readString(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// readUint parses decimal or 0x-prefixed hex attributes.
func readUint(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}
