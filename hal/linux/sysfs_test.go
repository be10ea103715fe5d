//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softqmi/hal"
)

// =============================================================================
// Fake sysfs Tree
// =============================================================================

func writeAttr(t *testing.T, dir, name, value string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644))
}

// fakeSysfs builds a sysfs tree with a root hub and one modem at 1-1
// exposing a QMI interface 5 with an interrupt IN endpoint 0x87.
func fakeSysfs(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	writeAttr(t, filepath.Join(root, "usb1"), "busnum", "1")

	dev := filepath.Join(root, "1-1")
	writeAttr(t, dev, "busnum", "1")
	writeAttr(t, dev, "devnum", "4")
	writeAttr(t, dev, "idVendor", "22b8")
	writeAttr(t, dev, "idProduct", "2a70")
	writeAttr(t, dev, "speed", "480")

	iface := filepath.Join(dev, "1-1:1.5")
	writeAttr(t, iface, "bInterfaceNumber", "05")

	bulk := filepath.Join(iface, "ep_02")
	writeAttr(t, bulk, "type", "Bulk")
	writeAttr(t, bulk, "direction", "out")
	writeAttr(t, bulk, "bEndpointAddress", "02")

	intr := filepath.Join(iface, "ep_87")
	writeAttr(t, intr, "type", "Interrupt")
	writeAttr(t, intr, "direction", "in")
	writeAttr(t, intr, "bEndpointAddress", "87")

	other := filepath.Join(dev, "1-1:1.0")
	writeAttr(t, other, "bInterfaceNumber", "00")

	return root
}

func withSysfs(t *testing.T, root string) {
	t.Helper()
	saved := SysfsUSBPath
	SysfsUSBPath = root
	t.Cleanup(func() { SysfsUSBPath = saved })
}

// =============================================================================
// Discovery Tests
// =============================================================================

func TestFindDevice_ByVIDPID(t *testing.T) {
	withSysfs(t, fakeSysfs(t))

	info, err := findDevice(Selector{VendorID: 0x22b8, ProductID: 0x2a70})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), info.busNum)
	assert.Equal(t, uint8(4), info.devNum)
	assert.Equal(t, hal.SpeedHigh, info.speed)
	assert.Equal(t, filepath.Join(DevfsUSBPath, "001", "004"), info.devfsPath)
}

func TestFindDevice_ByBusDev(t *testing.T) {
	withSysfs(t, fakeSysfs(t))

	_, err := findDevice(Selector{Bus: 1, Device: 4})
	require.NoError(t, err)

	_, err = findDevice(Selector{Bus: 2, Device: 4})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFindInterruptEndpoint(t *testing.T) {
	withSysfs(t, fakeSysfs(t))

	info, err := findDevice(Selector{VendorID: 0x22b8, ProductID: 0x2a70})
	require.NoError(t, err)

	ep, err := findInterruptEndpoint(info, 5)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x87), ep)

	_, err = findInterruptEndpoint(info, 0)
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = findInterruptEndpoint(info, 9)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// =============================================================================
// Parsing Tests
// =============================================================================

func TestParseSelector(t *testing.T) {
	sel, err := ParseSelector("22b8:2a70", 5)
	require.NoError(t, err)
	assert.Equal(t, Selector{VendorID: 0x22b8, ProductID: 0x2a70, Interface: 5}, sel)

	sel, err = ParseSelector("001/012", 8)
	require.NoError(t, err)
	assert.Equal(t, Selector{Bus: 1, Device: 12, Interface: 8}, sel)

	for _, bad := range []string{"", "22b8", "zz:01", "1/300", "x/1"} {
		_, err := ParseSelector(bad, 0)
		assert.Error(t, err, bad)
	}
}

func TestParseSpeed(t *testing.T) {
	assert.Equal(t, hal.SpeedLow, parseSpeed("1.5"))
	assert.Equal(t, hal.SpeedFull, parseSpeed("12"))
	assert.Equal(t, hal.SpeedHigh, parseSpeed("480"))
	assert.Equal(t, hal.SpeedHigh, parseSpeed("5000"))
	assert.Equal(t, hal.SpeedUnknown, parseSpeed("bogus"))
}

func TestIoctlNumbers(t *testing.T) {
	// USBDEVFS_CONNECT is _IO('U', 23) on every architecture.
	assert.Equal(t, uintptr(0x5517), ioctlConnect)
	// USBDEVFS_RELEASEINTERFACE is _IOR('U', 16, unsigned int).
	assert.Equal(t, uintptr(0x80045510), ioctlReleaseIface)
	// USBDEVFS_DISCONNECT_CLAIM is _IOR('U', 27, struct usbdevfs_disconnect_claim).
	assert.Equal(t, uintptr(0x8108551b), ioctlDisconnectClaim)
}
