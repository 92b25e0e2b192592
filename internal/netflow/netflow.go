// Package netflow decodes NetFlow v1/v5/v7 (fixed-layout) and v9
// (template-driven) UDP datagrams into the normalized flow.Flow record
// (spec §4.E). Grounded on the teacher's internal/parser package
// (netflow5.go's byte-offset layout, netflow9.go's template/data flowset
// walk and variable-width field reader), generalized to the full set of
// versions and validation rules spec.md §4.E calls for.
package netflow

import (
	"encoding/binary"
	"errors"
	"time"

	"flowd/internal/peer"
	"flowd/pkg/flow"
	"flowd/pkg/xaddr"
)

// ErrInvalidDatagram is returned for any malformed wire input: short,
// length-inconsistent, or a template violation. Reserved v9 flowsets
// (ids 2-255) are skipped, not reported. The caller (the collector loop) bumps the peer's n_invalid and
// logs at warning level, rate limited; the datagram is always discarded
// whole (spec §7 tier 1). Decode never returns a fatal-tier error.
var ErrInvalidDatagram = errors.New("netflow: invalid datagram")

const (
	maxFlowsPerVersion = 30 // generous bound on fixed-layout record counts
	// hardTemplateLenCeiling is an absolute sanity bound on a v9 template's
	// total record length, independent of the operator-configured
	// max_template_len (peer.Registry.MaxTemplateLen): it exists so a
	// misconfigured or zero-value bound can never make the decoder trust an
	// unbounded length from the wire.
	hardTemplateLenCeiling = 16 * 1024
	maxDataRecords         = 16 * 1024
)

// Decode dispatches on the common 2-byte version field and returns the
// flows carried by one UDP datagram. agent is the exporter's source
// address, stamped onto every decoded flow's AgentAddr.
func Decode(data []byte, agent xaddr.Addr, p *peer.Peer, reg *peer.Registry) ([]*flow.Flow, error) {
	if len(data) < 2 {
		return nil, ErrInvalidDatagram
	}
	version := binary.BigEndian.Uint16(data[0:2])
	switch version {
	case 1:
		return decodeFixed(data, agent, fixedLayoutV1)
	case 5:
		return decodeFixed(data, agent, fixedLayoutV5)
	case 7:
		return decodeFixed(data, agent, fixedLayoutV7)
	case 9:
		return decodeV9(data, agent, p, reg)
	default:
		return nil, ErrInvalidDatagram
	}
}

// fixedLayout describes one fixed-width NetFlow version's header and
// record geometry (spec §4.E: "fixed per-version flow-record width,
// preceded by a fixed header").
type fixedLayout struct {
	version    uint16
	headerSize int
	recordSize int
	hasASInfo  bool // v1 has no AS/engine/interface fields per spec §4.E
	decodeRec  func(record []byte, bootTime time.Time, l fixedLayout) *flow.Flow
}

var (
	fixedLayoutV1 = fixedLayout{version: 1, headerSize: 16, recordSize: 48, hasASInfo: false, decodeRec: decodeV5ShapedRecord}
	fixedLayoutV5 = fixedLayout{version: 5, headerSize: 24, recordSize: 48, hasASInfo: true, decodeRec: decodeV5ShapedRecord}
	fixedLayoutV7 = fixedLayout{version: 7, headerSize: 24, recordSize: 52, hasASInfo: true, decodeRec: decodeV5ShapedRecord}
)

// decodeFixed implements the common v1/v5/v7 envelope: reject if count==0,
// count exceeds the sane bound, or the datagram length doesn't exactly
// equal header_size + count*flow_width (spec §4.E).
func decodeFixed(data []byte, agent xaddr.Addr, l fixedLayout) ([]*flow.Flow, error) {
	if len(data) < l.headerSize {
		return nil, ErrInvalidDatagram
	}
	count := binary.BigEndian.Uint16(data[2:4])
	if count == 0 || int(count) > maxFlowsPerVersion {
		return nil, ErrInvalidDatagram
	}
	expected := l.headerSize + int(count)*l.recordSize
	if len(data) != expected {
		return nil, ErrInvalidDatagram
	}

	sysUptime := binary.BigEndian.Uint32(data[4:8])
	unixSecs := binary.BigEndian.Uint32(data[8:12])
	var unixNsecs uint32
	if l.headerSize >= 16 {
		unixNsecs = binary.BigEndian.Uint32(data[12:16])
	}
	baseTime := time.Unix(int64(unixSecs), int64(unixNsecs))
	bootTime := baseTime.Add(-time.Duration(sysUptime) * time.Millisecond)

	var engineType, engineID uint8
	if l.headerSize >= 22 {
		engineType = data[20]
		engineID = data[21]
	}

	flows := make([]*flow.Flow, 0, count)
	for i := 0; i < int(count); i++ {
		off := l.headerSize + i*l.recordSize
		record := data[off : off+l.recordSize]
		f := l.decodeRec(record, bootTime, l)
		f.AgentAddr = agent
		f.NetflowVersion = l.version
		f.SysUptimeMs = sysUptime
		f.TimeSec = unixSecs
		f.TimeNanosec = unixNsecs
		if l.hasASInfo {
			f.EngineType = engineType
			f.EngineID = engineID
			f.Fields |= flow.FieldFlowEngineInfo
		}
		f.Fields |= flow.FieldAgentInfo | flow.FieldFlowTimes
		flows = append(flows, f)
	}
	return flows, nil
}

// decodeV5ShapedRecord decodes the common 48-byte record body shared by
// v1/v5 (and the first 48 bytes of v7's 52-byte record): source/dest/
// next-hop addresses, interface indices, packet/octet counts, flow
// timestamps, ports, protocol/TOS/flags, and (v5/v7 only) AS numbers and
// masks. v1 carries the same byte layout with its AS/mask bytes unused
// (spec §4.E: those fields "appear only from v5 onward").
func decodeV5ShapedRecord(record []byte, bootTime time.Time, l fixedLayout) *flow.Flow {
	f := &flow.Flow{}
	f.SrcAddr = xaddr.FromIPv4([4]byte(record[0:4]))
	f.DstAddr = xaddr.FromIPv4([4]byte(record[4:8]))
	f.GatewayAddr = xaddr.FromIPv4([4]byte(record[8:12]))
	f.IfIn = binary.BigEndian.Uint16(record[12:14])
	f.IfOut = binary.BigEndian.Uint16(record[14:16])
	f.Packets = uint64(binary.BigEndian.Uint32(record[16:20]))
	f.Octets = uint64(binary.BigEndian.Uint32(record[20:24]))

	firstUptime := binary.BigEndian.Uint32(record[24:28])
	lastUptime := binary.BigEndian.Uint32(record[28:32])
	f.FlowStart = uint32(bootTime.Add(time.Duration(firstUptime) * time.Millisecond).Unix())
	f.FlowFinish = uint32(bootTime.Add(time.Duration(lastUptime) * time.Millisecond).Unix())

	f.SrcPort = binary.BigEndian.Uint16(record[32:34])
	f.DstPort = binary.BigEndian.Uint16(record[34:36])
	f.TCPFlags = record[37]
	f.Proto = record[38]
	f.TOS = record[39]

	f.Fields = flow.FieldSrcAddr4 | flow.FieldDstAddr4 | flow.FieldGatewayAddr4 |
		flow.FieldIfIndices | flow.FieldPackets | flow.FieldOctets |
		flow.FieldSrcDstPort | flow.FieldProtoFlagsTos

	if l.hasASInfo {
		f.SrcAS = binary.BigEndian.Uint16(record[40:42])
		f.DstAS = binary.BigEndian.Uint16(record[42:44])
		f.SrcMask = record[44]
		f.DstMask = record[45]
		f.Fields |= flow.FieldAsInfo
	}
	return f
}
