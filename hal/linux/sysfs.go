//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ardnew/softqmi/hal"
)

// =============================================================================
// Device Information
// =============================================================================

// usbDeviceInfo holds information about a USB device discovered via sysfs.
type usbDeviceInfo struct {
	sysfsPath string    // Path in /sys/bus/usb/devices
	devfsPath string    // Path in /dev/bus/usb
	busNum    uint8     // Bus number
	devNum    uint8     // Device number
	vendorID  uint16    // USB Vendor ID
	productID uint16    // USB Product ID
	speed     hal.Speed // Device speed
}

// Selector chooses the modem and its QMI control interface.
// Either Bus and Device, or VendorID and ProductID, must be set.
type Selector struct {
	Bus       uint8
	Device    uint8
	VendorID  uint16
	ProductID uint16
	Interface uint8

	// InterruptEndpoint overrides sysfs endpoint discovery when non-zero.
	InterruptEndpoint uint8
}

// ParseSelector parses "bus/dev" (decimal, e.g. "001/004") or "vid:pid"
// (hex, e.g. "22b8:2a70").
func ParseSelector(s string, iface uint8) (Selector, error) {
	sel := Selector{Interface: iface}
	if a, b, ok := strings.Cut(s, ":"); ok {
		vid, err := strconv.ParseUint(a, 16, 16)
		if err != nil {
			return sel, fmt.Errorf("bad vendor id %q: %w", a, err)
		}
		pid, err := strconv.ParseUint(b, 16, 16)
		if err != nil {
			return sel, fmt.Errorf("bad product id %q: %w", b, err)
		}
		sel.VendorID, sel.ProductID = uint16(vid), uint16(pid)
		return sel, nil
	}
	if a, b, ok := strings.Cut(s, "/"); ok {
		bus, err := strconv.ParseUint(a, 10, 8)
		if err != nil {
			return sel, fmt.Errorf("bad bus number %q: %w", a, err)
		}
		dev, err := strconv.ParseUint(b, 10, 8)
		if err != nil {
			return sel, fmt.Errorf("bad device number %q: %w", b, err)
		}
		sel.Bus, sel.Device = uint8(bus), uint8(dev)
		return sel, nil
	}
	return sel, fmt.Errorf("device selector %q is neither bus/dev nor vid:pid", s)
}

func (s Selector) matches(info usbDeviceInfo) bool {
	if s.Bus != 0 || s.Device != 0 {
		return info.busNum == s.Bus && info.devNum == s.Device
	}
	return info.vendorID == s.VendorID && info.productID == s.ProductID
}

// =============================================================================
// Sysfs Parsing
// =============================================================================

// findDevice scans sysfs for the first device matching the selector.
func findDevice(sel Selector) (usbDeviceInfo, error) {
	entries, err := os.ReadDir(SysfsUSBPath)
	if err != nil {
		return usbDeviceInfo{}, err
	}

	for _, entry := range entries {
		name := entry.Name()

		// Skip root hubs (usb1) and interfaces (1-1:1.0).
		if strings.HasPrefix(name, "usb") || strings.Contains(name, ":") {
			continue
		}

		info, err := parseUSBDevice(filepath.Join(SysfsUSBPath, name))
		if err != nil {
			continue
		}
		if sel.matches(info) {
			return info, nil
		}
	}
	return usbDeviceInfo{}, os.ErrNotExist
}

// parseUSBDevice parses USB device information from sysfs.
func parseUSBDevice(sysfsPath string) (usbDeviceInfo, error) {
	info := usbDeviceInfo{sysfsPath: sysfsPath}

	busNum, err := readSysfsUint8(filepath.Join(sysfsPath, "busnum"))
	if err != nil {
		return info, err
	}
	info.busNum = busNum

	devNum, err := readSysfsUint8(filepath.Join(sysfsPath, "devnum"))
	if err != nil {
		return info, err
	}
	info.devNum = devNum
	info.devfsPath = formatDevfsPath(info.busNum, info.devNum)

	if v, err := readSysfsHex(filepath.Join(sysfsPath, "idVendor"), 16); err == nil {
		info.vendorID = uint16(v)
	}
	if v, err := readSysfsHex(filepath.Join(sysfsPath, "idProduct"), 16); err == nil {
		info.productID = uint16(v)
	}
	if s, err := readSysfsString(filepath.Join(sysfsPath, "speed")); err == nil {
		info.speed = parseSpeed(s)
	}
	return info, nil
}

// findInterruptEndpoint returns the interrupt IN endpoint of an interface.
// Endpoint directories are named ep_XX under the interface directory
// (e.g. 1-1:1.5/ep_87).
func findInterruptEndpoint(info usbDeviceInfo, iface uint8) (uint8, error) {
	dir, err := interfaceDir(info, iface)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "ep_") {
			continue
		}
		epPath := filepath.Join(dir, name)
		typ, _ := readSysfsString(filepath.Join(epPath, "type"))
		direction, _ := readSysfsString(filepath.Join(epPath, "direction"))
		if typ != "Interrupt" || direction != "in" {
			continue
		}
		addr, err := readSysfsHex(filepath.Join(epPath, "bEndpointAddress"), 8)
		if err != nil {
			continue
		}
		return uint8(addr), nil
	}
	return 0, fmt.Errorf("interface %d: %w", iface, os.ErrNotExist)
}

// interfaceDir finds the sysfs directory of interface iface in the active
// configuration.
func interfaceDir(info usbDeviceInfo, iface uint8) (string, error) {
	base := filepath.Base(info.sysfsPath)
	entries, err := os.ReadDir(info.sysfsPath)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, base+":") {
			continue
		}
		p := filepath.Join(info.sysfsPath, name)
		n, err := readSysfsHex(filepath.Join(p, "bInterfaceNumber"), 8)
		if err == nil && uint8(n) == iface {
			return p, nil
		}
	}
	return "", fmt.Errorf("interface %d: %w", iface, os.ErrNotExist)
}

// =============================================================================
// Sysfs Read Helpers
// =============================================================================

func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func readSysfsUint8(path string) (uint8, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(s, 10, 8)
	return uint8(v), err
}

func readSysfsHex(path string, bitSize int) (uint64, error) {
	s, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 16, bitSize)
}

// formatDevfsPath returns /dev/bus/usb/BBB/DDD.
func formatDevfsPath(busNum, devNum uint8) string {
	return filepath.Join(DevfsUSBPath, fmt.Sprintf("%03d", busNum), fmt.Sprintf("%03d", devNum))
}

// parseSpeed converts the sysfs speed string (Mbit/s) to hal.Speed.
func parseSpeed(s string) hal.Speed {
	switch s {
	case "1.5":
		return hal.SpeedLow
	case "12":
		return hal.SpeedFull
	case "480", "5000", "10000", "20000":
		return hal.SpeedHigh
	default:
		return hal.SpeedUnknown
	}
}
