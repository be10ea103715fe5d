package qmi

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
)

// nextCTLTID returns the next control transaction ID. The counter wraps
// at 8 bits and never yields zero.
func (d *Device) nextCTLTID() uint8 {
	for {
		if tid := uint8(d.ctlTID.Add(1)); tid != 0 {
			return tid
		}
	}
}

// waitReady probes the modem with GetVersionInfo until it answers or the
// ready timeout elapses. Probes are paced by the poll interval.
func (d *Device) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(d.opts.readyTimeout)
	rctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(d.opts.pollInterval), 1)
	var probes []uint16

	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(rctx); err != nil {
			return readyFailed(ctx, deadline, attempt, err)
		}

		tid := uint16(d.nextCTLTID())
		probes = append(probes, tid)

		wake := make(chan Outcome, 1)
		unregister, err := d.RegisterNotification(qmux.CIDControl, tid,
			func(_ *Device, _ uint16, o Outcome) { wake <- o })
		if err != nil {
			return err
		}

		if err := d.Write(rctx, qmux.CIDControl, qmux.NewCTLGetVersionInfo(uint8(tid))); err != nil {
			pkg.LogDebug(pkg.ComponentCTL, "version probe not sent", "tid", tid, "error", err)
		}

		timer := time.NewTimer(d.opts.pollInterval)
		var o Outcome
		fired := false
		select {
		case o = <-wake:
			fired = true
		case <-timer.C:
			if !unregister() {
				o, fired = <-wake, true
			}
		case <-rctx.Done():
			if !unregister() {
				o, fired = <-wake, true
			}
		}
		timer.Stop()

		if fired {
			if o == Discarded {
				return pkg.ErrDeviceGone
			}
			d.dropProbes(probes)
			pkg.LogDebug(pkg.ComponentCTL, "modem answered version probe",
				"tid", tid, "attempts", attempt)
			return nil
		}
		if rctx.Err() != nil {
			return readyFailed(ctx, deadline, attempt, rctx.Err())
		}
	}
}

// readyFailed reports ErrInterrupted when the caller's context ended or
// would end before the ready deadline, and ErrTimeout otherwise.
func readyFailed(parent context.Context, deadline time.Time, attempts int, cause error) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrInterrupted, err)
	}
	if pd, ok := parent.Deadline(); ok && pd.Before(deadline) {
		return fmt.Errorf("%w: %w", pkg.ErrInterrupted, cause)
	}
	return fmt.Errorf("no version reply after %d probes: %w: %w", attempts, pkg.ErrTimeout, cause)
}

// dropProbes removes queued replies to readiness probes from the control
// client.
func (d *Device) dropProbes(tids []uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, err := d.lookup(qmux.CIDControl)
	if err != nil {
		return
	}
	for _, tid := range tids {
		for {
			if _, ok := c.take(tid); !ok {
				break
			}
		}
	}
}
