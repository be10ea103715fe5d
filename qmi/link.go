package qmi

import (
	"sync"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
	"github.com/ardnew/softqmi/transport"
)

// DownReason is one cause for the data link being down. The link is up
// only while no reason is set.
type DownReason uint8

// Down reasons.
const (
	DownNoNDISConnection   DownReason = iota // No packet data session
	DownCDCConnectionSpeed                   // Modem reported a zero bit rate
)

// String returns the reason name.
func (r DownReason) String() string {
	switch r {
	case DownNoNDISConnection:
		return "no NDIS connection"
	case DownCDCConnectionSpeed:
		return "CDC connection speed"
	default:
		return "unknown"
	}
}

// LinkStats are the data link counters reported by the WDS service.
type LinkStats struct {
	TxPackets    uint64
	RxPackets    uint64
	TxErrors     uint64
	RxErrors     uint64
	TxFIFOErrors uint64
	RxFIFOErrors uint64
	TxBytes      uint64
	RxBytes      uint64
}

// link tracks the down-reason bitset and its observers.
type link struct {
	mu        sync.Mutex
	down      uint32
	stats     LinkStats
	observers []func(up bool)
}

// SetDown records reason and takes the link down.
func (d *Device) SetDown(reason DownReason) {
	d.link.mu.Lock()
	d.link.down |= 1 << reason
	observers := d.link.observers
	d.link.mu.Unlock()

	pkg.LogDebug(pkg.ComponentDevice, "link down", "reason", reason)
	for _, fn := range observers {
		fn(false)
	}
}

// ClearDown clears reason and brings the link up if no reason remains.
func (d *Device) ClearDown(reason DownReason) {
	d.link.mu.Lock()
	d.link.down &^= 1 << reason
	up := d.link.down == 0
	observers := d.link.observers
	d.link.mu.Unlock()

	if !up {
		return
	}
	pkg.LogDebug(pkg.ComponentDevice, "link up", "cleared", reason)
	for _, fn := range observers {
		fn(true)
	}
}

// IsDown reports whether reason is set.
func (d *Device) IsDown(reason DownReason) bool {
	d.link.mu.Lock()
	defer d.link.mu.Unlock()
	return d.link.down&(1<<reason) != 0
}

// LinkUp reports whether no down reason is set.
func (d *Device) LinkUp() bool {
	d.link.mu.Lock()
	defer d.link.mu.Unlock()
	return d.link.down == 0
}

// OnLinkChange registers fn to be called whenever the link is taken down
// or brought up. fn runs on the goroutine that changed the state.
func (d *Device) OnLinkChange(fn func(up bool)) {
	d.link.mu.Lock()
	defer d.link.mu.Unlock()
	d.link.observers = append(d.link.observers, fn)
}

// Stats returns the last reported link counters.
func (d *Device) Stats() LinkStats {
	d.link.mu.Lock()
	defer d.link.mu.Unlock()
	return d.link.stats
}

// LinkChanged implements transport.Handler.
func (d *Device) LinkChanged(ev transport.LinkEvent) {
	if !d.Valid() {
		return
	}
	if ev.Up() {
		pkg.LogInfo(pkg.ComponentDevice, "resuming traffic due to connection speed change")
		d.ClearDown(DownCDCConnectionSpeed)
		return
	}
	pkg.LogInfo(pkg.ComponentDevice, "stopping traffic due to connection speed change")
	d.SetDown(DownCDCConnectionSpeed)
}

// applyWDSEvent folds a WDS report into the counters and link state.
func (d *Device) applyWDSEvent(ev qmux.WDSEvent) {
	d.link.mu.Lock()
	st := &d.link.stats
	if ev.Valid&qmux.StatTxOverflows != 0 {
		st.TxFIFOErrors = uint64(ev.Stats.TxOverflows)
	}
	if ev.Valid&qmux.StatRxOverflows != 0 {
		st.RxFIFOErrors = uint64(ev.Stats.RxOverflows)
	}
	if ev.Valid&qmux.StatTxErrors != 0 {
		st.TxErrors = uint64(ev.Stats.TxErrors)
	}
	if ev.Valid&qmux.StatRxErrors != 0 {
		st.RxErrors = uint64(ev.Stats.RxErrors)
	}
	// Packet totals include the errored packets.
	if ev.Valid&qmux.StatTxOK != 0 {
		st.TxPackets = uint64(ev.Stats.TxOK) + st.TxErrors
	}
	if ev.Valid&qmux.StatRxOK != 0 {
		st.RxPackets = uint64(ev.Stats.RxOK) + st.RxErrors
	}
	if ev.Valid&qmux.StatTxBytes != 0 {
		st.TxBytes = ev.Stats.TxBytes
	}
	if ev.Valid&qmux.StatRxBytes != 0 {
		st.RxBytes = ev.Stats.RxBytes
	}
	d.link.mu.Unlock()

	if !ev.HasStatus {
		return
	}
	switch {
	case ev.Reconfigure:
		pkg.LogInfo(pkg.ComponentDevice, "net device link reset")
		d.SetDown(DownNoNDISConnection)
		d.ClearDown(DownNoNDISConnection)
	case ev.Connected:
		pkg.LogInfo(pkg.ComponentDevice, "net device link is connected")
		d.ClearDown(DownNoNDISConnection)
	default:
		pkg.LogInfo(pkg.ComponentDevice, "net device link is disconnected")
		d.SetDown(DownNoNDISConnection)
	}
}
