// Package udev enumerates DRM devices from the udev database. The interface
// is the narrow slice the distributor's startup scan needs; the production
// implementation sits on libudev, and discovery tests substitute fakes.
package udev

import (
	"fmt"

	libudev "github.com/jochenvg/go-udev"
)

// Device is one enumerated udev device record.
type Device interface {
	// Sysname is the kernel device name, e.g. "card0" or "card0-HDMI-A-1".
	Sysname() string
	// Devnode is the device node path, e.g. "/dev/dri/card0". Empty for
	// devices without a node (connectors).
	Devnode() string
	// Devtype distinguishes "drm_minor" from "drm_connector".
	Devtype() string
	// Property looks up a udev property, e.g. "ID_SEAT". Empty when unset.
	Property(key string) string
	// Parent resolves the parent device, or nil at the top of the tree.
	Parent() Device
}

// Filter narrows an enumeration. Devtypes and Properties are OR-ed within
// themselves, matching libudev semantics.
type Filter struct {
	Subsystem       string
	Devtypes        []string
	Properties      map[string]string
	InitializedOnly bool
}

// Enumerator lists present devices matching a filter.
type Enumerator interface {
	Devices(f Filter) ([]Device, error)
}

// New returns the libudev-backed enumerator.
func New() Enumerator {
	return &libudevEnumerator{udev: &libudev.Udev{}}
}

type libudevEnumerator struct {
	udev *libudev.Udev
}

func (l *libudevEnumerator) Devices(f Filter) ([]Device, error) {
	e := l.udev.NewEnumerate()
	if f.Subsystem != "" {
		if err := e.AddMatchSubsystem(f.Subsystem); err != nil {
			return nil, fmt.Errorf("match subsystem %q: %w", f.Subsystem, err)
		}
	}
	for _, devtype := range f.Devtypes {
		if err := e.AddMatchProperty("DEVTYPE", devtype); err != nil {
			return nil, fmt.Errorf("match devtype %q: %w", devtype, err)
		}
	}
	for key, value := range f.Properties {
		if err := e.AddMatchProperty(key, value); err != nil {
			return nil, fmt.Errorf("match property %s=%q: %w", key, value, err)
		}
	}
	if f.InitializedOnly {
		if err := e.AddMatchIsInitialized(); err != nil {
			return nil, fmt.Errorf("match initialized: %w", err)
		}
	}

	devices, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("scan devices: %w", err)
	}
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, &libudevDevice{dev: d})
	}
	return out, nil
}

type libudevDevice struct {
	dev *libudev.Device
}

func (d *libudevDevice) Sysname() string { return d.dev.Sysname() }
func (d *libudevDevice) Devnode() string { return d.dev.Devnode() }
func (d *libudevDevice) Devtype() string { return d.dev.Devtype() }

func (d *libudevDevice) Property(key string) string {
	return d.dev.PropertyValue(key)
}

func (d *libudevDevice) Parent() Device {
	p := d.dev.Parent()
	if p == nil {
		return nil
	}
	return &libudevDevice{dev: p}
}
