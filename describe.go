package uio

import (
	"github.com/ehrlich-b/go-uio/internal/constants"
	"github.com/ehrlich-b/go-uio/internal/sysfs"
)

// DeviceDescription is what the kernel publishes about a UIO device under
// /sys/class/uio: driver name, version, interrupt count and memory windows.
type DeviceDescription = sysfs.Info

// MapDescription describes one memory window of a device
type MapDescription = sysfs.Map

// Describe reads the sysfs attributes of a /dev/uioN node
func Describe(path string) (*DeviceDescription, error) {
	return DescribeAt(constants.SysfsClassPath, path)
}

// DescribeAt is Describe with an alternative sysfs class directory
func DescribeAt(sysfsRoot, path string) (*DeviceDescription, error) {
	dev, err := sysfs.DeviceName(path)
	if err != nil {
		return nil, &Error{Op: "DESCRIBE", Path: path, Offset: -1, Code: ErrCodeOpen, Msg: err.Error(), Inner: err}
	}
	info, err := sysfs.Lookup(sysfsRoot, dev)
	if err != nil {
		return nil, WrapError("DESCRIBE", path, ErrCodeOpen, err)
	}
	return info, nil
}
