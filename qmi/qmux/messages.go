package qmux

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softqmi/pkg"
)

// CTL messages.
const (
	MsgCTLGetVersionInfo   = 0x0021
	MsgCTLGetClientID      = 0x0022
	MsgCTLReleaseClientID  = 0x0023
	TLVCTLAllocationInfo   = 0x01
	TLVCTLServiceVersions  = 0x01
	TLVCTLRequestedService = 0x01
)

// DMS messages.
const (
	MsgDMSGetDeviceSerialNumbers = 0x0025
	TLVDMSESN                    = 0x10
	TLVDMSIMEI                   = 0x11
	TLVDMSMEID                   = 0x12
)

// MEIDLength is the length of an MEID in characters.
const MEIDLength = 14

// DefaultMEID is reported when the modem does not return an MEID.
const DefaultMEID = "00000000000000"

// WDS messages.
const (
	MsgWDSSetEventReport         = 0x0001
	MsgWDSEventReport            = 0x0001
	MsgWDSGetPacketServiceStatus = 0x0022

	TLVWDSChannelRate     = 0x10 // SetEventReport: report channel rate
	TLVWDSTransferStats   = 0x11 // SetEventReport: statistics period and mask
	TLVWDSTxOK            = 0x10
	TLVWDSRxOK            = 0x11
	TLVWDSTxErrors        = 0x12
	TLVWDSRxErrors        = 0x13
	TLVWDSTxOverflows     = 0x14
	TLVWDSRxOverflows     = 0x15
	TLVWDSTxBytesOK       = 0x19
	TLVWDSRxBytesOK       = 0x1A
	TLVWDSPacketService   = 0x01
	WDSConnectionStatusOn = 0x02

	// wdsStatsPeriod is the reporting period requested in seconds.
	wdsStatsPeriod = 5
	// wdsStatsMask selects packet, error, overflow and byte counters.
	wdsStatsMask = 0xFF
)

// =============================================================================
// Generic Builders
// =============================================================================

// Request encodes a request SDU.
func Request(svc Service, tid uint16, msg uint16, tlvs []byte) []byte {
	s := SDU{Type: TypeRequest, TID: tid, Message: msg, TLVs: tlvs}
	return s.Marshal(svc)
}

// Response encodes a response SDU with a result TLV prepended to tlvs.
func Response(svc Service, tid uint16, msg uint16, result, code uint16, tlvs []byte) []byte {
	body := AppendTLV(nil, TLVResult, ResultTLV(result, code))
	s := SDU{Type: TypeResponse, TID: tid, Message: msg, TLVs: append(body, tlvs...)}
	return s.Marshal(svc)
}

// Indication encodes an indication SDU.
func Indication(svc Service, msg uint16, tlvs []byte) []byte {
	s := SDU{Type: TypeIndication, Message: msg, TLVs: tlvs}
	return s.Marshal(svc)
}

// parseResponse decodes sdu and checks its message ID and result TLV.
func parseResponse(svc Service, sdu []byte, msg uint16) (SDU, error) {
	var s SDU
	if err := ParseSDU(svc, sdu, &s); err != nil {
		return s, err
	}
	if s.Message != msg {
		return s, fmt.Errorf("%v: message 0x%04X, want 0x%04X: %w",
			svc, s.Message, msg, pkg.ErrMalformed)
	}
	if err := CheckResult(s.TLVs); err != nil {
		return s, err
	}
	return s, nil
}

// =============================================================================
// CTL
// =============================================================================

// NewCTLGetVersionInfo builds the readiness probe.
func NewCTLGetVersionInfo(tid uint8) []byte {
	return Request(ServiceCTL, uint16(tid), MsgCTLGetVersionInfo, nil)
}

// NewCTLGetClientID requests a client ID for svc.
func NewCTLGetClientID(tid uint8, svc Service) []byte {
	tlvs := AppendTLV(nil, TLVCTLRequestedService, []byte{byte(svc)})
	return Request(ServiceCTL, uint16(tid), MsgCTLGetClientID, tlvs)
}

// ParseCTLGetClientIDResponse returns the allocated client ID.
func ParseCTLGetClientIDResponse(sdu []byte) (uint16, error) {
	s, err := parseResponse(ServiceCTL, sdu, MsgCTLGetClientID)
	if err != nil {
		return 0, err
	}
	v, ok := FindTLV(s.TLVs, TLVCTLAllocationInfo)
	if !ok || len(v) < 2 {
		return 0, fmt.Errorf("allocation info missing: %w", pkg.ErrMalformed)
	}
	return CID(Service(v[0]), v[1]), nil
}

// NewCTLReleaseClientID releases cid.
func NewCTLReleaseClientID(tid uint8, cid uint16) []byte {
	svc, client := SplitCID(cid)
	tlvs := AppendTLV(nil, TLVCTLAllocationInfo, []byte{byte(svc), client})
	return Request(ServiceCTL, uint16(tid), MsgCTLReleaseClientID, tlvs)
}

// ParseCTLReleaseClientIDResponse checks a release response.
func ParseCTLReleaseClientIDResponse(sdu []byte) error {
	_, err := parseResponse(ServiceCTL, sdu, MsgCTLReleaseClientID)
	return err
}

// =============================================================================
// DMS
// =============================================================================

// NewDMSGetDeviceSerialNumbers requests the ESN, IMEI and MEID.
func NewDMSGetDeviceSerialNumbers(tid uint16) []byte {
	return Request(ServiceDMS, tid, MsgDMSGetDeviceSerialNumbers, nil)
}

// ParseDMSMEID extracts the MEID from a GetDeviceSerialNumbers response.
func ParseDMSMEID(sdu []byte) (string, error) {
	s, err := parseResponse(ServiceDMS, sdu, MsgDMSGetDeviceSerialNumbers)
	if err != nil {
		return "", err
	}
	v, ok := FindTLV(s.TLVs, TLVDMSMEID)
	if !ok || len(v) < MEIDLength {
		return "", fmt.Errorf("meid tlv missing: %w", pkg.ErrMalformed)
	}
	return string(v[:MEIDLength]), nil
}

// =============================================================================
// WDS
// =============================================================================

// NewWDSSetEventReport enables channel rate and transfer statistics
// indications.
func NewWDSSetEventReport(tid uint16) []byte {
	tlvs := AppendTLV(nil, TLVWDSChannelRate, []byte{1})
	stats := make([]byte, 5)
	stats[0] = wdsStatsPeriod
	binary.LittleEndian.PutUint32(stats[1:], wdsStatsMask)
	tlvs = AppendTLV(tlvs, TLVWDSTransferStats, stats)
	return Request(ServiceWDS, tid, MsgWDSSetEventReport, tlvs)
}

// NewWDSGetPacketServiceStatus queries the packet data connection status.
func NewWDSGetPacketServiceStatus(tid uint16) []byte {
	return Request(ServiceWDS, tid, MsgWDSGetPacketServiceStatus, nil)
}

// StatMask records which counters a WDS event carried.
type StatMask uint8

// Counter bits.
const (
	StatTxOK StatMask = 1 << iota
	StatRxOK
	StatTxErrors
	StatRxErrors
	StatTxOverflows
	StatRxOverflows
	StatTxBytes
	StatRxBytes
)

// TransferStats are the WDS packet counters.
type TransferStats struct {
	TxOK, RxOK               uint32
	TxErrors, RxErrors       uint32
	TxOverflows, RxOverflows uint32
	TxBytes, RxBytes         uint64
}

// WDSEvent is a decoded event report or packet service status.
type WDSEvent struct {
	Stats TransferStats
	Valid StatMask

	// HasStatus is set when the message carried a packet service status.
	HasStatus   bool
	Connected   bool
	Reconfigure bool
}

// ParseWDSEvent decodes an event report indication, or the response or
// indication of GetPacketServiceStatus. Responses carrying a failed result
// return the *pkg.QMIError.
func ParseWDSEvent(sdu []byte) (WDSEvent, error) {
	var ev WDSEvent
	var s SDU
	if err := ParseSDU(ServiceWDS, sdu, &s); err != nil {
		return ev, err
	}
	if s.Type == TypeResponse {
		if err := CheckResult(s.TLVs); err != nil {
			return ev, err
		}
	}

	switch s.Message {
	case MsgWDSEventReport:
		u32 := []struct {
			tlv  uint8
			bit  StatMask
			dest *uint32
		}{
			{TLVWDSTxOK, StatTxOK, &ev.Stats.TxOK},
			{TLVWDSRxOK, StatRxOK, &ev.Stats.RxOK},
			{TLVWDSTxErrors, StatTxErrors, &ev.Stats.TxErrors},
			{TLVWDSRxErrors, StatRxErrors, &ev.Stats.RxErrors},
			{TLVWDSTxOverflows, StatTxOverflows, &ev.Stats.TxOverflows},
			{TLVWDSRxOverflows, StatRxOverflows, &ev.Stats.RxOverflows},
		}
		for _, f := range u32 {
			if v, ok := FindTLV(s.TLVs, f.tlv); ok && len(v) >= 4 {
				*f.dest = binary.LittleEndian.Uint32(v)
				ev.Valid |= f.bit
			}
		}
		if v, ok := FindTLV(s.TLVs, TLVWDSTxBytesOK); ok && len(v) >= 8 {
			ev.Stats.TxBytes = binary.LittleEndian.Uint64(v)
			ev.Valid |= StatTxBytes
		}
		if v, ok := FindTLV(s.TLVs, TLVWDSRxBytesOK); ok && len(v) >= 8 {
			ev.Stats.RxBytes = binary.LittleEndian.Uint64(v)
			ev.Valid |= StatRxBytes
		}

	case MsgWDSGetPacketServiceStatus:
		v, ok := FindTLV(s.TLVs, TLVWDSPacketService)
		if !ok || len(v) < 1 {
			return ev, fmt.Errorf("packet service status missing: %w", pkg.ErrMalformed)
		}
		ev.HasStatus = true
		ev.Connected = v[0] == WDSConnectionStatusOn
		ev.Reconfigure = len(v) > 1 && v[1] != 0

	default:
		return ev, fmt.Errorf("wds message 0x%04X: %w", s.Message, pkg.ErrNotSupported)
	}
	return ev, nil
}

// EncodeWDSEventReport builds an event report indication carrying the
// counters selected by mask.
func EncodeWDSEventReport(st TransferStats, mask StatMask) []byte {
	var tlvs []byte
	u32 := func(tlv uint8, bit StatMask, v uint32) {
		if mask&bit != 0 {
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, v)
			tlvs = AppendTLV(tlvs, tlv, b)
		}
	}
	u64 := func(tlv uint8, bit StatMask, v uint64) {
		if mask&bit != 0 {
			b := make([]byte, 8)
			binary.LittleEndian.PutUint64(b, v)
			tlvs = AppendTLV(tlvs, tlv, b)
		}
	}
	u32(TLVWDSTxOK, StatTxOK, st.TxOK)
	u32(TLVWDSRxOK, StatRxOK, st.RxOK)
	u32(TLVWDSTxErrors, StatTxErrors, st.TxErrors)
	u32(TLVWDSRxErrors, StatRxErrors, st.RxErrors)
	u32(TLVWDSTxOverflows, StatTxOverflows, st.TxOverflows)
	u32(TLVWDSRxOverflows, StatRxOverflows, st.RxOverflows)
	u64(TLVWDSTxBytesOK, StatTxBytes, st.TxBytes)
	u64(TLVWDSRxBytesOK, StatRxBytes, st.RxBytes)
	return Indication(ServiceWDS, MsgWDSEventReport, tlvs)
}

// PacketServiceTLV encodes the packet service status TLV.
func PacketServiceTLV(connected, reconfigure bool) []byte {
	v := []byte{0x01, 0x00}
	if connected {
		v[0] = WDSConnectionStatusOn
	}
	if reconfigure {
		v[1] = 1
	}
	return AppendTLV(nil, TLVWDSPacketService, v)
}
