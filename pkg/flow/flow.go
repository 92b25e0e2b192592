// Package flow holds the normalized in-memory flow record and the template
// types NetFlow v9 exporters describe themselves with. A Flow value is the
// superset of every field any supported wire version can carry, plus a
// Fields bitmask recording which of those fields are semantically present.
package flow

import (
	"fmt"
	"time"

	"flowd/pkg/xaddr"
)

// FieldMask is the bit-per-field presence mask, shared between the
// in-memory Flow and the on-disk store record: bit N here is exactly bit N
// of a stored record's field mask (§6 of the spec), so the same constants
// serve both layers.
type FieldMask uint32

const (
	FieldTag FieldMask = 1 << iota
	FieldRecvTime
	FieldProtoFlagsTos
	FieldAgentAddr4
	FieldAgentAddr6
	FieldSrcAddr4
	FieldSrcAddr6
	FieldDstAddr4
	FieldDstAddr6
	FieldGatewayAddr4
	FieldGatewayAddr6
	FieldSrcDstPort
	FieldPackets
	FieldOctets
	FieldIfIndices
	FieldAgentInfo
	FieldFlowTimes
	FieldAsInfo
	FieldFlowEngineInfo
	// bits 19-29 reserved for future fields, matching the C header's
	// "... more one day" gap before CRC32/RESERVED at 30/31.
)

const (
	FieldCrc32    FieldMask = 1 << 30
	FieldReserved FieldMask = 1 << 31
)

// FieldAll is every currently-defined field bit (0..18) plus CRC32,
// mirroring STORE_FIELD_ALL in the original store.h.
const FieldAll FieldMask = (1<<19 - 1) | FieldCrc32

// FieldDisplayBrief mirrors STORE_DISPLAY_BRIEF: the subset the reader's
// non-verbose mode prints.
const FieldDisplayBrief = FieldTag | FieldRecvTime | FieldProtoFlagsTos |
	FieldSrcDstPort | FieldPackets | FieldOctets |
	FieldSrcAddr4 | FieldSrcAddr6 | FieldDstAddr4 | FieldDstAddr6 |
	FieldAgentAddr4 | FieldAgentAddr6

// Has reports whether every bit in other is set in m.
func (m FieldMask) Has(other FieldMask) bool { return m&other == other }

// Any reports whether at least one bit in other is set in m.
func (m FieldMask) Any(other FieldMask) bool { return m&other != 0 }

// Flow is the normalized superset flow record (spec §3).
type Flow struct {
	Fields FieldMask

	Tag      uint32
	RecvSecs uint32

	Proto    uint8
	TCPFlags uint8
	TOS      uint8

	AgentAddr   xaddr.Addr
	SrcAddr     xaddr.Addr
	DstAddr     xaddr.Addr
	GatewayAddr xaddr.Addr

	SrcPort uint16
	DstPort uint16

	Octets  uint64
	Packets uint64

	IfIn  uint16
	IfOut uint16

	SysUptimeMs    uint32
	TimeSec        uint32
	TimeNanosec    uint32
	NetflowVersion uint16

	FlowStart  uint32
	FlowFinish uint32

	SrcAS   uint16
	DstAS   uint16
	SrcMask uint8
	DstMask uint8

	EngineType   uint8
	EngineID     uint8
	FlowSequence uint32

	Crc32 uint32
}

// AddrFamiliesConsistent is the spec §3 invariant: if SrcAddr is present
// its family must match DstAddr's.
func (f *Flow) AddrFamiliesConsistent() bool {
	if f.Fields.Any(FieldSrcAddr4|FieldSrcAddr6) && f.Fields.Any(FieldDstAddr4|FieldDstAddr6) {
		return f.SrcAddr.AF() == f.DstAddr.AF()
	}
	return true
}

// ProtoName renders the IP protocol number as a short mnemonic, falling
// back to the bare number.
func (f *Flow) ProtoName() string {
	switch f.Proto {
	case 1:
		return "ICMP"
	case 6:
		return "TCP"
	case 17:
		return "UDP"
	case 47:
		return "GRE"
	case 50:
		return "ESP"
	case 51:
		return "AH"
	case 58:
		return "ICMPv6"
	case 89:
		return "OSPF"
	case 132:
		return "SCTP"
	default:
		return fmt.Sprintf("%d", f.Proto)
	}
}

// TCPFlagsString renders the cumulative TCP flags as a short letter code,
// "-" when the flow isn't TCP and "." when no flags are set.
func (f *Flow) TCPFlagsString() string {
	if f.Proto != 6 {
		return "-"
	}
	out := ""
	if f.TCPFlags&0x01 != 0 {
		out += "F"
	}
	if f.TCPFlags&0x02 != 0 {
		out += "S"
	}
	if f.TCPFlags&0x04 != 0 {
		out += "R"
	}
	if f.TCPFlags&0x08 != 0 {
		out += "P"
	}
	if f.TCPFlags&0x10 != 0 {
		out += "A"
	}
	if f.TCPFlags&0x20 != 0 {
		out += "U"
	}
	if out == "" {
		out = "."
	}
	return out
}

// RecvTime interprets RecvSecs as a wall-clock time.
func (f *Flow) RecvTime() time.Time {
	return time.Unix(int64(f.RecvSecs), 0)
}

// TmplField is one field descriptor inside a NetFlow v9 template: the
// exporter's IANA field type and its chosen (possibly narrowed) width.
type TmplField struct {
	Type uint16
	Len  uint16
}

// Tmpl is a cached NetFlow v9 template: the ordered field layout that
// subsequent data records for the same (SourceID, TemplateID) follow.
type Tmpl struct {
	PeerKey     string
	SourceID    uint32
	TemplateID  uint16
	Fields      []TmplField
	TotalLen    int
	LastUsedSeq uint64
}
