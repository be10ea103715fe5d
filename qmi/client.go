package qmi

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
)

// qmiErrClientIDsExhausted is the CTL error for a full client table.
const qmiErrClientIDsExhausted = 0x0005

// Allocate registers a client for svc and returns its cid. The control
// service maps directly to cid 0; every other service obtains its cid from
// the modem through the control client.
func (d *Device) Allocate(ctx context.Context, svc qmux.Service) (uint16, error) {
	if !d.Valid() {
		return 0, pkg.ErrDeviceGone
	}

	var cid uint16
	if svc != qmux.ServiceCTL {
		tid := d.nextCTLTID()
		resp, err := d.ctlTransact(ctx, qmux.NewCTLGetClientID(tid, svc), tid, qmux.MsgCTLGetClientID)
		if err != nil {
			return 0, fmt.Errorf("get client id for %v: %w", svc, err)
		}
		cid, err = qmux.ParseCTLGetClientIDResponse(resp)
		if err != nil {
			var qe *pkg.QMIError
			if errors.As(err, &qe) && qe.Code == qmiErrClientIDsExhausted {
				return 0, fmt.Errorf("get client id for %v: %w: %w", svc, pkg.ErrNoMemory, err)
			}
			return 0, fmt.Errorf("get client id for %v: %w", svc, err)
		}
	}

	d.mu.Lock()
	err := d.insert(cid)
	d.mu.Unlock()
	if err != nil {
		pkg.LogWarn(pkg.ComponentClient, "client registration failed",
			"service", svc, "cid", cidAttr(cid), "error", err)
		return 0, err
	}

	pkg.LogInfo(pkg.ComponentClient, "client allocated", "service", svc, "cid", cidAttr(cid))
	return cid, nil
}

// Release returns cid to the modem and removes it. Queued messages are
// dropped and every pending notification fires with Discarded. Failures of
// the in-band release are logged and do not stop the removal.
func (d *Device) Release(ctx context.Context, cid uint16) error {
	d.mu.Lock()
	_, err := d.lookup(cid)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if cid != qmux.CIDControl {
		if err := d.releaseInBand(ctx, cid); err != nil {
			pkg.LogWarn(pkg.ComponentClient, "in-band release failed",
				"cid", cidAttr(cid), "error", err)
		}
	}

	d.remove(cid)
	pkg.LogInfo(pkg.ComponentClient, "client released", "cid", cidAttr(cid))
	return nil
}

func (d *Device) releaseInBand(ctx context.Context, cid uint16) error {
	tid := d.nextCTLTID()
	resp, err := d.ctlTransact(ctx, qmux.NewCTLReleaseClientID(tid, cid), tid, qmux.MsgCTLReleaseClientID)
	if err != nil {
		return err
	}
	return qmux.ParseCTLReleaseClientIDResponse(resp)
}

// ctlTransact sends a control request and waits for its reply. The 8-bit
// control tid wraps, so a late reply to an earlier request can carry the
// same tid; replies for another message are dropped and the wait resumes.
func (d *Device) ctlTransact(ctx context.Context, sdu []byte, tid uint8, msg uint16) ([]byte, error) {
	if err := d.Write(ctx, qmux.CIDControl, sdu); err != nil {
		return nil, err
	}
	for {
		resp, err := d.Read(ctx, qmux.CIDControl, uint16(tid))
		if err != nil {
			return nil, err
		}
		var s qmux.SDU
		if err := qmux.ParseSDU(qmux.ServiceCTL, resp, &s); err == nil && s.Message != msg {
			pkg.LogDebug(pkg.ComponentClient, "stale control reply dropped",
				"tid", tid, "message", s.Message)
			continue
		}
		return resp, nil
	}
}

// remove drops cid from the registry, cancels its writes and fires its
// notifications with Discarded.
func (d *Device) remove(cid uint16) {
	d.mu.Lock()
	c, ok := d.clients[cid]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.clients, cid)
	d.metrics.clients.Dec()
	notifies, cancels := c.drain()
	d.mu.Unlock()

	d.discard(cid, notifies, cancels)
}

func (d *Device) discard(cid uint16, notifies []*notification, cancels []context.CancelFunc) {
	for _, cancel := range cancels {
		cancel()
	}
	fs := make([]firing, len(notifies))
	for i, n := range notifies {
		fs[i] = firing{cid: cid, n: n}
	}
	d.fire(fs, Discarded)
}
