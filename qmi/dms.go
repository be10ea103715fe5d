package qmi

import (
	"context"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
)

const dmsSerialNumbersTID = 1

// readMEID queries the modem's MEID through a short-lived DMS client. A
// response without an MEID leaves DefaultMEID in place.
func (d *Device) readMEID(ctx context.Context) error {
	cid, err := d.Allocate(ctx, qmux.ServiceDMS)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Release(ctx, cid); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "dms release failed", "error", err)
		}
	}()

	resp, err := d.SendAndWait(ctx, cid,
		qmux.NewDMSGetDeviceSerialNumbers(dmsSerialNumbersTID), dmsSerialNumbersTID)
	if err != nil {
		return err
	}

	meid, err := qmux.ParseDMSMEID(resp)
	if err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "MEID not reported", "error", err)
		return nil
	}

	d.mu.Lock()
	d.meid = meid
	d.mu.Unlock()
	return nil
}
