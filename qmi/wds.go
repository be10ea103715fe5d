package qmi

import (
	"context"
	"fmt"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
)

// Transaction IDs used by the WDS watcher.
const (
	wdsEventReportTID  = 1
	wdsServiceStatusTID = 2
)

// watchWDS allocates a WDS client, enables event reports, queries the
// packet service status and arms wdsHook. The client stays registered for
// the lifetime of the device.
func (d *Device) watchWDS(ctx context.Context) error {
	cid, err := d.Allocate(ctx, qmux.ServiceWDS)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.wdsCID = cid
	d.mu.Unlock()

	if err := d.Write(ctx, cid, qmux.NewWDSSetEventReport(wdsEventReportTID)); err != nil {
		return fmt.Errorf("set event report: %w", err)
	}
	if err := d.Write(ctx, cid, qmux.NewWDSGetPacketServiceStatus(wdsServiceStatusTID)); err != nil {
		return fmt.Errorf("get packet service status: %w", err)
	}
	return d.ReadAsync(cid, 0, wdsHook)
}

// WDSClient returns the cid of the link watcher, or false if it is not
// running.
func (d *Device) WDSClient() (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wdsCID == 0 {
		return 0, false
	}
	_, ok := d.clients[d.wdsCID]
	return d.wdsCID, ok
}

// wdsHook consumes WDS reports and re-arms itself.
func wdsHook(d *Device, cid uint16, o Outcome) {
	if o == Discarded {
		pkg.LogDebug(pkg.ComponentDevice, "wds watcher stopped", "cid", cidAttr(cid))
		return
	}

	for {
		data, err := d.Take(cid, 0)
		if err != nil {
			break
		}
		ev, err := qmux.ParseWDSEvent(data)
		if err != nil {
			pkg.LogDebug(pkg.ComponentDevice, "wds message ignored", "error", err, "data", pkg.Hex(data))
			continue
		}
		d.applyWDSEvent(ev)
	}

	if err := d.ReadAsync(cid, 0, wdsHook); err != nil {
		pkg.LogDebug(pkg.ComponentDevice, "wds watcher not re-armed", "error", err)
	}
}
