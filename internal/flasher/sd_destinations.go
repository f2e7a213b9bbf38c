package flasher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	udisksService    = "org.freedesktop.UDisks2"
	udisksPath       = "/org/freedesktop/UDisks2"
	udisksDriveIface = "org.freedesktop.UDisks2.Drive"
	udisksBlockIface = "org.freedesktop.UDisks2.Block"
	udisksPartIface  = "org.freedesktop.UDisks2.Partition"
)

// SdCardDestinations enumerates removable drives via UDisks2 on the system
// bus. Only drives with removable media qualify; the host's fixed disks are
// never offered as flash targets.
func SdCardDestinations() ([]Target, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := conn.Object(udisksService, udisksPath)
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		return nil, fmt.Errorf("failed to query UDisks2: %w", err)
	}

	type driveInfo struct {
		id   string
		size int64
	}
	drives := make(map[dbus.ObjectPath]driveInfo)
	for path, ifaces := range managed {
		props, ok := ifaces[udisksDriveIface]
		if !ok {
			continue
		}
		if !variantBool(props["Removable"]) || !variantBool(props["MediaRemovable"]) {
			continue
		}
		info := driveInfo{id: variantString(props["Id"])}
		if v, ok := props["Size"]; ok {
			if sz, ok := v.Value().(uint64); ok {
				info.size = int64(sz)
			}
		}
		drives[path] = info
	}

	var targets []Target
	for _, ifaces := range managed {
		block, ok := ifaces[udisksBlockIface]
		if !ok {
			continue
		}
		if _, isPartition := ifaces[udisksPartIface]; isPartition {
			continue // whole devices only, never individual partitions
		}

		drivePath, ok := block["Drive"].Value().(dbus.ObjectPath)
		if !ok {
			continue
		}
		drive, ok := drives[drivePath]
		if !ok {
			continue
		}

		device := variantBytesAsString(block["Device"])
		if device == "" {
			continue
		}

		targets = append(targets, Target{
			Name: drive.id,
			Path: device,
			Size: drive.size,
		})
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].Path < targets[j].Path })
	return targets, nil
}

func variantBool(v dbus.Variant) bool {
	b, _ := v.Value().(bool)
	return b
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

// variantBytesAsString decodes UDisks2's NUL-terminated byte-array paths.
func variantBytesAsString(v dbus.Variant) string {
	b, ok := v.Value().([]byte)
	if !ok {
		return ""
	}
	return strings.TrimRight(string(b), "\x00")
}
