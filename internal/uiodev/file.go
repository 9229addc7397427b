// Package uiodev implements the UIO device node over raw Linux syscalls
package uiodev

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-uio/internal/constants"
	"github.com/ehrlich-b/go-uio/internal/sysfs"
)

// Config selects which memory window of the device is mapped and where its
// sysfs attributes live.
type Config struct {
	MapIndex  int    // UIO map number (mapN); mapped at offset N*pagesize
	SysfsRoot string // defaults to /sys/class/uio
}

// File is an opened /dev/uioN node.
type File struct {
	fd        int
	path      string
	mapIndex  int
	sysfsRoot string
}

// Open opens the device node read/write.
func Open(path string, config Config) (*File, error) {
	var fd int
	var err error
	for {
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	root := config.SysfsRoot
	if root == "" {
		root = constants.SysfsClassPath
	}

	return &File{
		fd:        fd,
		path:      path,
		mapIndex:  config.MapIndex,
		sysfsRoot: root,
	}, nil
}

// Fd returns the raw descriptor
func (f *File) Fd() int {
	return f.fd
}

// Path returns the device node path
func (f *File) Path() string {
	return f.path
}

// Read implements interfaces.Node
func (f *File) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(f.fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// Write implements interfaces.Node
func (f *File) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(f.fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// Map implements interfaces.Node. UIO selects the memory window through the
// mmap offset: map N lives at N pages.
func (f *File) Map(length int) ([]byte, error) {
	offset := int64(f.mapIndex) * int64(os.Getpagesize())
	region, err := unix.Mmap(f.fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s map%d len=%d: %w", f.path, f.mapIndex, length, err)
	}
	return region, nil
}

// Unmap implements interfaces.Node
func (f *File) Unmap(region []byte) error {
	return unix.Munmap(region)
}

// WindowSize implements interfaces.WindowSizer using sysfs
func (f *File) WindowSize() (int, error) {
	name, err := sysfs.DeviceName(f.path)
	if err != nil {
		return 0, err
	}
	size, err := sysfs.MapSize(f.sysfsRoot, name, f.mapIndex)
	if err != nil {
		return 0, err
	}
	return int(size), nil
}

// Describe implements interfaces.Describer using sysfs
func (f *File) Describe() (string, string, error) {
	name, err := sysfs.DeviceName(f.path)
	if err != nil {
		return "", "", err
	}
	info, err := sysfs.Lookup(f.sysfsRoot, name)
	if err != nil {
		return "", "", err
	}
	return info.Name, info.Version, nil
}

// Close implements interfaces.Node
func (f *File) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}
