package netflow

import (
	"encoding/binary"
	"fmt"

	"flowd/internal/peer"
	"flowd/pkg/flow"
	"flowd/pkg/xaddr"
)

const v9HeaderSize = 20

// IANA-assigned NetFlow v9 field type IDs this decoder understands (spec
// §4.E's validation table). Grounded on the teacher's netflow9.go NF9_*
// constants, extended with ENGINE_TYPE/ENGINE_ID/masks per the spec table.
const (
	fieldInBytes       = 1
	fieldInPkts        = 2
	fieldProtocol      = 4
	fieldSrcTos        = 5
	fieldTCPFlags      = 6
	fieldL4SrcPort     = 7
	fieldIPv4SrcAddr   = 8
	fieldSrcMask       = 9
	fieldInputSNMP     = 10
	fieldL4DstPort     = 11
	fieldIPv4DstAddr   = 12
	fieldDstMask       = 13
	fieldOutputSNMP    = 14
	fieldIPv4NextHop   = 15
	fieldSrcAS         = 16
	fieldDstAS         = 17
	fieldLastSwitched  = 21
	fieldFirstSwitched = 22
	fieldIPv6SrcAddr   = 27
	fieldIPv6DstAddr   = 28
	fieldIPv6NextHop   = 62
	fieldEngineType    = 38
	fieldEngineID      = 39
)

// lengthRule is one row of spec §4.E's field-length validation table:
// either the field must be exactly Exact bytes, or it may be narrowed by
// the exporter down to any width from 1 up to Max bytes.
type lengthRule struct {
	exact int
	max   int
}

var lengthRules = map[uint16]lengthRule{
	fieldInBytes:       {max: 8},
	fieldInPkts:        {max: 8},
	fieldProtocol:      {exact: 1},
	fieldSrcTos:        {exact: 1},
	fieldTCPFlags:      {exact: 1},
	fieldSrcMask:       {exact: 1},
	fieldDstMask:       {exact: 1},
	fieldEngineType:    {exact: 1},
	fieldEngineID:      {exact: 1},
	fieldL4SrcPort:     {exact: 2},
	fieldL4DstPort:     {exact: 2},
	fieldIPv4SrcAddr:   {exact: 4},
	fieldIPv4DstAddr:   {exact: 4},
	fieldIPv4NextHop:   {exact: 4},
	fieldInputSNMP:     {max: 2},
	fieldOutputSNMP:    {max: 2},
	fieldSrcAS:         {max: 2},
	fieldDstAS:         {max: 2},
	fieldLastSwitched:  {max: 4},
	fieldFirstSwitched: {max: 4},
	fieldIPv6SrcAddr:   {exact: 16},
	fieldIPv6DstAddr:   {exact: 16},
	fieldIPv6NextHop:   {exact: 16},
}

// validFieldLength applies spec §4.E's table: a known type must match its
// exact width or fall within 1..max; an unknown type only needs to be a
// plausible generic width (0 < len <= maxLen).
func validFieldLength(fieldType, length uint16, maxLen int) bool {
	if length == 0 || int(length) > maxLen {
		return false
	}
	rule, known := lengthRules[fieldType]
	if !known {
		return true
	}
	if rule.exact != 0 {
		return int(length) == rule.exact
	}
	return int(length) <= rule.max
}

// decodeV9 implements the template-driven path (spec §4.E).
func decodeV9(data []byte, agent xaddr.Addr, p *peer.Peer, reg *peer.Registry) ([]*flow.Flow, error) {
	if len(data) < v9HeaderSize {
		return nil, ErrInvalidDatagram
	}
	count := binary.BigEndian.Uint16(data[2:4])
	sysUptime := binary.BigEndian.Uint32(data[4:8])
	unixSecs := binary.BigEndian.Uint32(data[8:12])
	seq := binary.BigEndian.Uint32(data[12:16])
	sourceID := binary.BigEndian.Uint32(data[16:20])

	var flows []*flow.Flow
	offset := v9HeaderSize

	for i := 0; i < int(count); i++ {
		if offset+4 > len(data) {
			// fewer flowsets remain than count claims: with none parsed
			// yet the datagram is invalid; otherwise decoding stops
			// after the last complete flowset and returns its flows.
			if i == 0 {
				return nil, ErrInvalidDatagram
			}
			break
		}
		flowsetID := binary.BigEndian.Uint16(data[offset:])
		flowsetLen := binary.BigEndian.Uint16(data[offset+2:])
		if flowsetLen < 4 || offset+int(flowsetLen) > len(data) {
			return nil, ErrInvalidDatagram
		}
		body := data[offset+4 : offset+int(flowsetLen)]

		switch {
		case flowsetID == 0:
			if err := parseV9Templates(body, sourceID, agent.String(), seq, reg, p); err != nil {
				return nil, err
			}
		case flowsetID == 1:
			// options flowset: parsed for length only, contents ignored.
		case flowsetID >= 256:
			fs, err := decodeV9DataFlowSet(body, sourceID, flowsetID, agent, p, reg)
			if err != nil {
				return nil, err
			}
			if fs == nil {
				reg.IncrNoTemplate(p)
			} else {
				for _, f := range fs {
					f.SysUptimeMs = sysUptime
					f.TimeSec = unixSecs
					f.NetflowVersion = 9
					f.Fields |= flow.FieldAgentInfo
				}
				flows = append(flows, fs...)
			}
		default:
			// 2-255 reserved: skipped without decoding. Nothing is
			// logged and the datagram is not marked invalid.
		}

		offset += int(flowsetLen)
	}

	if offset == len(data) {
		return flows, nil
	}
	// cursor didn't land exactly at the end: the last flowset's header
	// claimed a length that undershot the datagram. Per spec this isn't
	// itself fatal as long as every flowset we did parse was
	// self-consistent; trailing garbage is simply unparsed.
	return flows, nil
}

// effectiveMaxTemplateLen resolves the operator-configured max_template_len
// (peer.Registry.MaxTemplateLen) against hardTemplateLenCeiling: the
// configured bound governs as long as it's positive and no larger than the
// ceiling, so a zero-value Registry (e.g. built without going through
// config.Load's defaulting) still gets a sane bound instead of accepting
// arbitrarily long templates.
func effectiveMaxTemplateLen(reg *peer.Registry) int {
	configured := reg.MaxTemplateLen()
	if configured <= 0 || configured > hardTemplateLenCeiling {
		return hardTemplateLenCeiling
	}
	return configured
}

// parseV9Templates implements the template flowset case of spec §4.E.
func parseV9Templates(data []byte, sourceID uint32, peerKey string, seq uint32, reg *peer.Registry, p *peer.Peer) error {
	maxLen := effectiveMaxTemplateLen(reg)

	offset := 0
	for offset+4 <= len(data) {
		templateID := binary.BigEndian.Uint16(data[offset:])
		fieldCount := binary.BigEndian.Uint16(data[offset+2:])
		offset += 4

		if fieldCount == 0 {
			return ErrInvalidDatagram
		}
		if offset+int(fieldCount)*4 > len(data) {
			return ErrInvalidDatagram
		}

		fields := make([]flow.TmplField, fieldCount)
		totalLen := 0
		for i := 0; i < int(fieldCount); i++ {
			ftype := binary.BigEndian.Uint16(data[offset:])
			flen := binary.BigEndian.Uint16(data[offset+2:])
			if !validFieldLength(ftype, flen, maxLen) {
				return ErrInvalidDatagram
			}
			fields[i] = flow.TmplField{Type: ftype, Len: flen}
			totalLen += int(flen)
			offset += 4
		}
		if totalLen > maxLen {
			return ErrInvalidDatagram
		}

		reg.TemplateUpsert(p, &flow.Tmpl{
			PeerKey:     peerKey,
			SourceID:    sourceID,
			TemplateID:  templateID,
			Fields:      fields,
			TotalLen:    totalLen,
			LastUsedSeq: uint64(seq),
		})
	}
	return nil
}

// decodeV9DataFlowSet implements the data flowset case of spec §4.E.
// Returns (nil, nil) when no matching template is cached yet -- that's
// not an error, it's the "increment n_no_template and continue" path.
func decodeV9DataFlowSet(body []byte, sourceID uint32, templateID uint16, agent xaddr.Addr, p *peer.Peer, reg *peer.Registry) ([]*flow.Flow, error) {
	tmpl := reg.TemplateFind(p, sourceID, templateID)
	if tmpl == nil {
		return nil, nil
	}
	if tmpl.TotalLen <= 0 {
		return nil, ErrInvalidDatagram
	}

	quotient := len(body) / tmpl.TotalLen
	if quotient == 0 || quotient > maxDataRecords {
		return nil, ErrInvalidDatagram
	}

	flows := make([]*flow.Flow, 0, quotient)
	for i := 0; i < quotient; i++ {
		rec := body[i*tmpl.TotalLen : (i+1)*tmpl.TotalLen]
		f, err := decodeV9Record(rec, tmpl)
		if err != nil {
			return nil, err
		}
		f.AgentAddr = agent
		flows = append(flows, f)
	}
	return flows, nil
}

// decodeV9Record walks a data record's bytes in template field order,
// copying each field right-aligned into its Flow slot (spec §4.E: "a
// 2-byte IN_BYTES is the low 16 bits of octets").
func decodeV9Record(record []byte, tmpl *flow.Tmpl) (*flow.Flow, error) {
	f := &flow.Flow{}
	off := 0
	for _, fd := range tmpl.Fields {
		if off+int(fd.Len) > len(record) {
			return nil, fmt.Errorf("netflow: v9 record shorter than template declares")
		}
		raw := record[off : off+int(fd.Len)]
		applyV9Field(f, fd.Type, raw)
		off += int(fd.Len)
	}
	return f, nil
}

// copyRightAligned copies src into the low-order (rightmost) bytes of a
// dst-width big-endian field, generalizing the teacher's readUint from its
// four hardcoded widths (1/2/4/8) to any exporter-chosen width.
func copyRightAligned(dst, src []byte) {
	if len(src) >= len(dst) {
		copy(dst, src[len(src)-len(dst):])
		return
	}
	copy(dst[len(dst)-len(src):], src)
}

func readRightAlignedU64(src []byte) uint64 {
	var buf [8]byte
	copyRightAligned(buf[:], src)
	return binary.BigEndian.Uint64(buf[:])
}

func readRightAlignedU16(src []byte) uint16 {
	var buf [2]byte
	copyRightAligned(buf[:], src)
	return binary.BigEndian.Uint16(buf[:])
}

func applyV9Field(f *flow.Flow, fieldType uint16, raw []byte) {
	switch fieldType {
	case fieldIPv4SrcAddr:
		f.SrcAddr = xaddr.FromIPv4([4]byte(raw))
		f.Fields |= flow.FieldSrcAddr4
	case fieldIPv4DstAddr:
		f.DstAddr = xaddr.FromIPv4([4]byte(raw))
		f.Fields |= flow.FieldDstAddr4
	case fieldIPv4NextHop:
		f.GatewayAddr = xaddr.FromIPv4([4]byte(raw))
		f.Fields |= flow.FieldGatewayAddr4
	case fieldIPv6SrcAddr:
		f.SrcAddr = xaddr.FromIPv6([16]byte(raw))
		f.Fields |= flow.FieldSrcAddr6
	case fieldIPv6DstAddr:
		f.DstAddr = xaddr.FromIPv6([16]byte(raw))
		f.Fields |= flow.FieldDstAddr6
	case fieldIPv6NextHop:
		f.GatewayAddr = xaddr.FromIPv6([16]byte(raw))
		f.Fields |= flow.FieldGatewayAddr6
	case fieldL4SrcPort:
		f.SrcPort = binary.BigEndian.Uint16(raw)
		f.Fields |= flow.FieldSrcDstPort
	case fieldL4DstPort:
		f.DstPort = binary.BigEndian.Uint16(raw)
		f.Fields |= flow.FieldSrcDstPort
	case fieldProtocol:
		f.Proto = raw[0]
		f.Fields |= flow.FieldProtoFlagsTos
	case fieldSrcTos:
		f.TOS = raw[0]
		f.Fields |= flow.FieldProtoFlagsTos
	case fieldTCPFlags:
		f.TCPFlags = raw[0]
		f.Fields |= flow.FieldProtoFlagsTos
	case fieldSrcMask:
		f.SrcMask = raw[0]
		f.Fields |= flow.FieldAsInfo
	case fieldDstMask:
		f.DstMask = raw[0]
		f.Fields |= flow.FieldAsInfo
	case fieldEngineType:
		f.EngineType = raw[0]
		f.Fields |= flow.FieldFlowEngineInfo
	case fieldEngineID:
		f.EngineID = raw[0]
		f.Fields |= flow.FieldFlowEngineInfo
	case fieldInBytes:
		f.Octets = readRightAlignedU64(raw)
		f.Fields |= flow.FieldOctets
	case fieldInPkts:
		f.Packets = readRightAlignedU64(raw)
		f.Fields |= flow.FieldPackets
	case fieldInputSNMP:
		f.IfIn = readRightAlignedU16(raw)
		f.Fields |= flow.FieldIfIndices
	case fieldOutputSNMP:
		f.IfOut = readRightAlignedU16(raw)
		f.Fields |= flow.FieldIfIndices
	case fieldSrcAS:
		f.SrcAS = readRightAlignedU16(raw)
		f.Fields |= flow.FieldAsInfo
	case fieldDstAS:
		f.DstAS = readRightAlignedU16(raw)
		f.Fields |= flow.FieldAsInfo
	case fieldFirstSwitched:
		f.FlowStart = uint32(readRightAlignedU64(raw))
		f.Fields |= flow.FieldFlowTimes
	case fieldLastSwitched:
		f.FlowFinish = uint32(readRightAlignedU64(raw))
		f.Fields |= flow.FieldFlowTimes
	default:
		// unknown-but-length-valid field: per spec §4.E this is
		// accepted at the template level but has no normalized Flow
		// slot, so it's silently dropped from the in-memory record.
	}
}
