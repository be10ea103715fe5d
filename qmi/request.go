package qmi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
)

// Write frames sdu for cid and blocks until the transport has accepted it.
// The write is tracked on the client and cancelled if the client is
// released or the device torn down first.
func (d *Device) Write(ctx context.Context, cid uint16, sdu []byte) error {
	frame := qmux.Frame(cid, sdu)

	d.mu.Lock()
	c, err := d.lookup(cid)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	wctx, cancel := context.WithCancel(ctx)
	d.writeSeq++
	id := d.writeSeq
	c.writes[id] = cancel
	d.mu.Unlock()

	pkg.LogDebug(pkg.ComponentCorrelator, "write", "cid", cidAttr(cid), "len", len(frame))
	err = d.tr.Write(wctx, frame)

	d.mu.Lock()
	_, tracked := c.writes[id]
	delete(c.writes, id)
	d.mu.Unlock()
	cancel()

	d.metrics.write(err)
	if !d.Valid() {
		return pkg.ErrDeviceGone
	}
	if err == nil {
		return nil
	}
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", pkg.ErrInterrupted, ctx.Err())
	case !tracked:
		return pkg.ErrClientReleased
	case errors.Is(err, pkg.ErrTransportFailure):
		return err
	default:
		return fmt.Errorf("%w: %w", pkg.ErrTransportFailure, err)
	}
}

// Read blocks until a message matching tid is queued on cid and returns
// it. Zero matches any message.
//
// Read fails with ErrInterrupted when ctx is done, ErrDeviceGone when the
// device is invalidated, and ErrClientReleased when the client is released
// while waiting. A cancelled Read leaves no registration behind.
func (d *Device) Read(ctx context.Context, cid, tid uint16) ([]byte, error) {
	start := time.Now()
	defer func() { d.metrics.syncWait.Observe(time.Since(start).Seconds()) }()

	for {
		d.mu.Lock()
		c, err := d.lookup(cid)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		if data, ok := c.take(tid); ok {
			d.mu.Unlock()
			return data, nil
		}

		wake := make(chan Outcome, 1)
		n := &notification{tid: tid, hook: func(_ *Device, _ uint16, o Outcome) {
			wake <- o
		}}
		c.notifies = append(c.notifies, n)
		d.mu.Unlock()

		select {
		case o := <-wake:
			if o == Discarded {
				if !d.Valid() {
					return nil, pkg.ErrDeviceGone
				}
				return nil, pkg.ErrClientReleased
			}

		case <-d.gone:
			d.unregister(cid, n)
			return nil, pkg.ErrDeviceGone

		case <-ctx.Done():
			if !d.unregister(cid, n) {
				// Fired concurrently: pass the wake on.
				if o := <-wake; o == Delivered {
					d.redeliver(cid)
				}
			}
			pkg.LogDebug(pkg.ComponentCorrelator, "read interrupted",
				"cid", cidAttr(cid), "tid", tid)
			return nil, fmt.Errorf("%w: %w", pkg.ErrInterrupted, ctx.Err())
		}
	}
}

// SendAndWait writes sdu on cid and blocks for the reply carrying tid.
func (d *Device) SendAndWait(ctx context.Context, cid uint16, sdu []byte, tid uint16) ([]byte, error) {
	if err := d.Write(ctx, cid, sdu); err != nil {
		return nil, err
	}
	return d.Read(ctx, cid, tid)
}
