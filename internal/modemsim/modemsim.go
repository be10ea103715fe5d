// Package modemsim simulates a QMI modem behind a CDC control interface.
//
// Modem implements hal.ControlHAL entirely in memory. Frames written with
// SEND_ENCAPSULATED_COMMAND are answered by a small CTL, DMS and WDS
// service model; replies are announced on the interrupt endpoint with
// RESPONSE_AVAILABLE and fetched with GET_ENCAPSULATED_RESPONSE, exactly
// as on hardware. Tests and the qmid --simulate mode drive it directly.
package modemsim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ardnew/softqmi/hal"
	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi/qmux"
	"github.com/ardnew/softqmi/transport/cdc"
)

// Simulated identity.
const (
	VendorID          = 0x22b8
	ProductID         = 0x2a70
	Interface         = 5
	InterruptEndpoint = 0x87
)

// DefaultMEID is the MEID reported by a new Modem.
const DefaultMEID = "A10000009296F2"

// qmiErrInvalidClientID is returned when releasing an unknown client.
const qmiErrInvalidClientID = 0x0022

// Modem is a simulated QMI modem.
type Modem struct {
	identity hal.Identity

	mu        sync.Mutex
	responses [][]byte
	clients   map[uint16]bool
	next      map[qmux.Service]uint8
	meid      string
	connected bool
	stats     qmux.TransferStats
	ignore    int
	probes    int
	requests  int
	closed    bool
	unplugged bool

	notify chan []byte
	done   chan struct{}
}

// Option configures a Modem.
type Option func(*Modem)

// WithMEID sets the reported MEID. An empty string omits the MEID TLV.
func WithMEID(meid string) Option {
	return func(m *Modem) { m.meid = meid }
}

// WithConnected sets the initial packet data session state.
func WithConnected(connected bool) Option {
	return func(m *Modem) { m.connected = connected }
}

// WithIgnoredProbes makes the modem ignore the first n readiness probes.
func WithIgnoredProbes(n int) Option {
	return func(m *Modem) { m.ignore = n }
}

// New creates a modem that answers readiness probes immediately and has an
// active data session.
func New(opts ...Option) *Modem {
	m := &Modem{
		identity: hal.Identity{
			VendorID:          VendorID,
			ProductID:         ProductID,
			Interface:         Interface,
			InterruptEndpoint: InterruptEndpoint,
			Speed:             hal.SpeedHigh,
		},
		clients:   make(map[uint16]bool),
		next:      make(map[qmux.Service]uint8),
		meid:      DefaultMEID,
		connected: true,
		notify:    make(chan []byte, 64),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Identity implements hal.ControlHAL.
func (m *Modem) Identity() hal.Identity {
	return m.identity
}

// ControlTransfer implements hal.ControlHAL.
func (m *Modem) ControlTransfer(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.unplugged {
		return 0, pkg.ErrNoDevice
	}
	if setup.Index != uint16(m.identity.Interface) {
		return 0, pkg.ErrStall
	}

	switch {
	case setup.RequestType == cdc.RequestTypeHostToInterface &&
		setup.Request == cdc.RequestSendEncapsulatedCommand:
		n := min(int(setup.Length), len(data))
		m.handleFrame(data[:n])
		return n, nil

	case setup.RequestType == cdc.RequestTypeInterfaceToHost &&
		setup.Request == cdc.RequestGetEncapsulatedResponse:
		if len(m.responses) == 0 {
			return 0, nil
		}
		resp := m.responses[0]
		if len(resp) > len(data) || len(resp) > int(setup.Length) {
			return 0, pkg.ErrOverrun
		}
		m.responses = m.responses[1:]
		return copy(data, resp), nil
	}

	pkg.LogDebug(pkg.ComponentHAL, "simulated modem stalled request",
		"requestType", setup.RequestType, "request", setup.Request)
	return 0, pkg.ErrStall
}

// InterruptTransfer implements hal.ControlHAL.
func (m *Modem) InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	if endpoint != m.identity.InterruptEndpoint {
		return 0, pkg.ErrStall
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-m.done:
		return 0, pkg.ErrNoDevice
	case pkt := <-m.notify:
		if len(pkt) > len(data) {
			return 0, pkg.ErrOverrun
		}
		return copy(data, pkt), nil
	}
}

// Close implements hal.ControlHAL.
func (m *Modem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		if !m.unplugged {
			close(m.done)
		}
	}
	return nil
}

// Unplug simulates removal of the device. Pending and future transfers fail
// with ErrNoDevice.
func (m *Modem) Unplug() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unplugged || m.closed {
		return
	}
	m.unplugged = true
	close(m.done)
}

// =============================================================================
// Injection
// =============================================================================

// Indicate sends an unsolicited SDU to cid. Use client 0xFF to broadcast.
func (m *Modem) Indicate(cid uint16, sdu []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.send(cid, sdu)
}

// SetConnected changes the packet data session state and broadcasts a
// packet service status indication to WDS clients.
func (m *Modem) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
	m.send(qmux.CID(qmux.ServiceWDS, qmux.ClientBroadcast),
		qmux.Indication(qmux.ServiceWDS, qmux.MsgWDSGetPacketServiceStatus,
			qmux.PacketServiceTLV(connected, false)))
}

// ReportStats broadcasts a WDS event report carrying every counter.
func (m *Modem) ReportStats(st qmux.TransferStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = st
	m.send(qmux.CID(qmux.ServiceWDS, qmux.ClientBroadcast),
		qmux.EncodeWDSEventReport(st, 0xFF))
}

// SetSpeed sends a CONNECTION_SPEED_CHANGE notification. A zero rate takes
// the link down.
func (m *Modem) SetSpeed(downstream, upstream uint32) {
	m.post(cdc.EncodeConnectionSpeedChange(m.identity.Interface, downstream, upstream))
}

// Clients returns the client IDs the modem has allocated.
func (m *Modem) Clients() []uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint16, 0, len(m.clients))
	for cid := range m.clients {
		out = append(out, cid)
	}
	return out
}

// Probes returns the number of readiness probes received.
func (m *Modem) Probes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes
}

// Requests returns the number of service requests received, excluding
// readiness probes.
func (m *Modem) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// =============================================================================
// Service Model (m.mu held)
// =============================================================================

func (m *Modem) handleFrame(frame []byte) {
	h, body, err := qmux.Split(frame)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "simulated modem got bad frame", "error", err)
		return
	}
	var s qmux.SDU
	if err := qmux.ParseSDU(h.Service, body, &s); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "simulated modem got bad SDU", "error", err)
		return
	}
	if s.Type != qmux.TypeRequest {
		return
	}

	cid := h.CID()
	if h.Service == qmux.ServiceCTL {
		m.handleCTL(s)
		return
	}

	m.requests++
	if !m.clients[cid] {
		m.send(cid, qmux.Response(h.Service, s.TID, s.Message,
			qmux.ResultFailure, qmiErrInvalidClientID, nil))
		return
	}

	switch h.Service {
	case qmux.ServiceDMS:
		m.handleDMS(cid, s)
	case qmux.ServiceWDS:
		m.handleWDS(cid, s)
	default:
		// Echo the request TLVs back in a successful response.
		m.send(cid, qmux.Response(h.Service, s.TID, s.Message, qmux.ResultSuccess, 0, s.TLVs))
	}
}

func (m *Modem) handleCTL(s qmux.SDU) {
	switch s.Message {
	case qmux.MsgCTLGetVersionInfo:
		m.probes++
		if m.probes <= m.ignore {
			return
		}
		versions := []byte{2}
		versions = append(versions, serviceVersion(qmux.ServiceWDS, 1, 12)...)
		versions = append(versions, serviceVersion(qmux.ServiceDMS, 1, 5)...)
		m.send(qmux.CIDControl, qmux.Response(qmux.ServiceCTL, s.TID, s.Message,
			qmux.ResultSuccess, 0, qmux.AppendTLV(nil, qmux.TLVCTLServiceVersions, versions)))

	case qmux.MsgCTLGetClientID:
		m.requests++
		v, ok := qmux.FindTLV(s.TLVs, qmux.TLVCTLRequestedService)
		if !ok || len(v) < 1 {
			m.send(qmux.CIDControl, qmux.Response(qmux.ServiceCTL, s.TID, s.Message,
				qmux.ResultFailure, 0x0001, nil))
			return
		}
		svc := qmux.Service(v[0])
		n := m.next[svc] + 1
		if n == qmux.ClientBroadcast {
			m.send(qmux.CIDControl, qmux.Response(qmux.ServiceCTL, s.TID, s.Message,
				qmux.ResultFailure, 0x0005, nil))
			return
		}
		m.next[svc] = n
		m.clients[qmux.CID(svc, n)] = true
		m.send(qmux.CIDControl, qmux.Response(qmux.ServiceCTL, s.TID, s.Message,
			qmux.ResultSuccess, 0,
			qmux.AppendTLV(nil, qmux.TLVCTLAllocationInfo, []byte{byte(svc), n})))

	case qmux.MsgCTLReleaseClientID:
		m.requests++
		v, ok := qmux.FindTLV(s.TLVs, qmux.TLVCTLAllocationInfo)
		if !ok || len(v) < 2 || !m.clients[qmux.CID(qmux.Service(v[0]), v[1])] {
			m.send(qmux.CIDControl, qmux.Response(qmux.ServiceCTL, s.TID, s.Message,
				qmux.ResultFailure, qmiErrInvalidClientID, nil))
			return
		}
		delete(m.clients, qmux.CID(qmux.Service(v[0]), v[1]))
		m.send(qmux.CIDControl, qmux.Response(qmux.ServiceCTL, s.TID, s.Message,
			qmux.ResultSuccess, 0, qmux.AppendTLV(nil, qmux.TLVCTLAllocationInfo, v[:2])))

	default:
		m.send(qmux.CIDControl, qmux.Response(qmux.ServiceCTL, s.TID, s.Message,
			qmux.ResultFailure, 0x0047, nil))
	}
}

func (m *Modem) handleDMS(cid uint16, s qmux.SDU) {
	switch s.Message {
	case qmux.MsgDMSGetDeviceSerialNumbers:
		tlvs := qmux.AppendTLV(nil, qmux.TLVDMSESN, []byte("8086F2A1"))
		tlvs = qmux.AppendTLV(tlvs, qmux.TLVDMSIMEI, []byte("990000862471854"))
		if m.meid != "" {
			tlvs = qmux.AppendTLV(tlvs, qmux.TLVDMSMEID, []byte(m.meid))
		}
		m.send(cid, qmux.Response(qmux.ServiceDMS, s.TID, s.Message, qmux.ResultSuccess, 0, tlvs))
	default:
		m.send(cid, qmux.Response(qmux.ServiceDMS, s.TID, s.Message, qmux.ResultFailure, 0x0047, nil))
	}
}

func (m *Modem) handleWDS(cid uint16, s qmux.SDU) {
	switch s.Message {
	case qmux.MsgWDSSetEventReport:
		m.send(cid, qmux.Response(qmux.ServiceWDS, s.TID, s.Message, qmux.ResultSuccess, 0, nil))
	case qmux.MsgWDSGetPacketServiceStatus:
		m.send(cid, qmux.Response(qmux.ServiceWDS, s.TID, s.Message, qmux.ResultSuccess, 0,
			qmux.PacketServiceTLV(m.connected, false)))
	default:
		m.send(cid, qmux.Response(qmux.ServiceWDS, s.TID, s.Message, qmux.ResultFailure, 0x0047, nil))
	}
}

// send queues a modem-originated frame and announces it.
func (m *Modem) send(cid uint16, sdu []byte) {
	if m.closed || m.unplugged {
		return
	}
	m.responses = append(m.responses, qmux.ServiceFrame(cid, sdu))
	m.post(cdc.EncodeResponseAvailable(m.identity.Interface))
}

// post queues an interrupt packet, dropping it if the host is not reading.
func (m *Modem) post(pkt []byte) {
	select {
	case m.notify <- pkt:
	default:
		pkg.LogWarn(pkg.ComponentHAL, "simulated modem dropped notification")
	}
}

func serviceVersion(svc qmux.Service, major, minor uint16) []byte {
	b := make([]byte, 5)
	b[0] = byte(svc)
	binary.LittleEndian.PutUint16(b[1:3], major)
	binary.LittleEndian.PutUint16(b[3:5], minor)
	return b
}

// String describes the modem for logs.
func (m *Modem) String() string {
	return fmt.Sprintf("modemsim %04x:%04x if%d", m.identity.VendorID, m.identity.ProductID, m.identity.Interface)
}

var _ hal.ControlHAL = (*Modem)(nil)
