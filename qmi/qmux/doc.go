// Package qmux encodes and decodes QMI frames.
//
// A frame on the control channel is a QMUX header followed by one service
// data unit (SDU):
//
//	+------+--------+-------+---------+--------+
//	| 0x01 | len:16 | flags | service | client |   QMUX header (6 bytes)
//	+------+--------+-------+---------+--------+
//	| flags | tid:8/16 | msgid:16 | tlvlen:16 |     SDU header
//	+-------+----------+----------+-----------+
//	| type:8 | len:16 | value ... |               TLVs
//	+--------+--------+-----------+
//
// All multi-byte fields are little-endian. The transaction ID is one byte
// wide for the control service (CTL) and two bytes wide for every other
// service. A client ID (cid) packs the service number in its low byte and
// the client number in its high byte; client number 0xFF addresses every
// client of the service.
package qmux
