package netflow

import (
	"encoding/binary"
	"testing"
	"time"

	"flowd/internal/peer"
	"flowd/pkg/flow"
	"flowd/pkg/xaddr"
)

func newRegistry() *peer.Registry {
	return peer.New(peer.Config{MaxPeers: 8, MaxTemplates: 64, MaxSources: 8, MaxTemplateLen: hardTemplateLenCeiling}, func() time.Time { return time.Unix(0, 0) })
}

func putU16(b []byte, off int, v uint16) { binary.BigEndian.PutUint16(b[off:], v) }
func putU32(b []byte, off int, v uint32) { binary.BigEndian.PutUint32(b[off:], v) }

func buildV5Datagram() []byte {
	buf := make([]byte, 24+48)
	putU16(buf, 0, 5)
	putU16(buf, 2, 1) // count
	putU32(buf, 4, 1000) // uptime_ms
	putU32(buf, 8, 0x61000000) // unix_secs
	putU32(buf, 12, 0) // unix_nsecs
	putU32(buf, 16, 42) // seq
	buf[20] = 1 // engine_type
	buf[21] = 2 // engine_id

	r := buf[24:]
	copy(r[0:4], []byte{10, 0, 0, 1})
	copy(r[4:8], []byte{10, 0, 0, 2})
	copy(r[8:12], []byte{10, 0, 0, 3})
	putU16(r, 12, 3)   // if_in
	putU16(r, 14, 4)   // if_out
	putU32(r, 16, 7)   // packets
	putU32(r, 20, 1200) // octets
	putU32(r, 24, 500) // first (sysuptime ms)
	putU32(r, 28, 900) // last (sysuptime ms)
	putU16(r, 32, 1234) // src_port
	putU16(r, 34, 80)   // dst_port
	r[37] = 0x18         // tcp flags
	r[38] = 6            // proto
	r[39] = 0            // tos
	putU16(r, 40, 65001) // src_as
	putU16(r, 42, 65002) // dst_as
	r[44] = 24           // src_mask
	r[45] = 24           // dst_mask
	return buf
}

func TestDecodeV5(t *testing.T) {
	data := buildV5Datagram()
	reg := newRegistry()
	flows, err := Decode(data, xaddr.FromIPv4([4]byte{192, 168, 1, 1}), nil, reg)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(flows) != 1 {
		t.Fatalf("got %d flows, want 1", len(flows))
	}
	f := flows[0]

	wantAddr := func(got xaddr.Addr, want [4]byte) {
		t.Helper()
		if !got.Equal(xaddr.FromIPv4(want), 0) {
			t.Fatalf("address mismatch: got %v want %v", got, xaddr.FromIPv4(want))
		}
	}
	wantAddr(f.SrcAddr, [4]byte{10, 0, 0, 1})
	wantAddr(f.DstAddr, [4]byte{10, 0, 0, 2})
	wantAddr(f.GatewayAddr, [4]byte{10, 0, 0, 3})

	if f.IfIn != 3 || f.IfOut != 4 {
		t.Fatalf("got ifin=%d ifout=%d", f.IfIn, f.IfOut)
	}
	if f.Packets != 7 || f.Octets != 1200 {
		t.Fatalf("got packets=%d octets=%d", f.Packets, f.Octets)
	}
	if f.SrcPort != 1234 || f.DstPort != 80 {
		t.Fatalf("got sport=%d dport=%d", f.SrcPort, f.DstPort)
	}
	if f.Proto != 6 || f.TOS != 0 || f.TCPFlags != 0x18 {
		t.Fatalf("got proto=%d tos=%d flags=%x", f.Proto, f.TOS, f.TCPFlags)
	}
	if f.SrcAS != 65001 || f.DstAS != 65002 || f.SrcMask != 24 || f.DstMask != 24 {
		t.Fatalf("got srcas=%d dstas=%d srcmask=%d dstmask=%d", f.SrcAS, f.DstAS, f.SrcMask, f.DstMask)
	}
	if f.EngineType != 1 || f.EngineID != 2 {
		t.Fatalf("got enginetype=%d engineid=%d", f.EngineType, f.EngineID)
	}

	want := flow.FieldSrcAddr4 | flow.FieldDstAddr4 | flow.FieldGatewayAddr4 |
		flow.FieldIfIndices | flow.FieldPackets | flow.FieldOctets |
		flow.FieldSrcDstPort | flow.FieldProtoFlagsTos | flow.FieldAsInfo |
		flow.FieldAgentInfo | flow.FieldFlowTimes | flow.FieldFlowEngineInfo
	if f.Fields != want {
		t.Fatalf("fields: got %v want %v", f.Fields, want)
	}
	if f.Fields.Any(flow.FieldTag | flow.FieldSrcAddr6 | flow.FieldDstAddr6 | flow.FieldCrc32) {
		t.Fatalf("unexpected bits set: %v", f.Fields)
	}
}

func TestDecodeV1ShortPacketMarksInvalid(t *testing.T) {
	// S2: claim count=2 but provide only one flow's worth of body.
	buf := make([]byte, 16+48) // header + a single record, but count says 2
	putU16(buf, 0, 1)
	putU16(buf, 2, 2) // count = 2, datagram only has room for 1
	putU32(buf, 4, 0)
	putU32(buf, 8, 0)
	putU32(buf, 12, 0)

	reg := newRegistry()
	p, _ := reg.FindOrAdmit("192.0.2.1:2055")

	_, err := Decode(buf, xaddr.FromIPv4([4]byte{192, 0, 2, 1}), p, reg)
	if err != ErrInvalidDatagram {
		t.Fatalf("got err=%v, want ErrInvalidDatagram", err)
	}

	reg.Update(p, 0, 1, true)
	if p.NInvalid != 1 {
		t.Fatalf("got n_invalid=%d, want 1", p.NInvalid)
	}
}

func buildV9TemplateDatagram(sourceID uint32, templateID uint16) []byte {
	fields := [][2]uint16{
		{fieldIPv4SrcAddr, 4},
		{fieldIPv4DstAddr, 4},
		{fieldInBytes, 4},
	}
	flowsetBody := make([]byte, 4+len(fields)*4)
	putU16(flowsetBody, 0, templateID)
	putU16(flowsetBody, 2, uint16(len(fields)))
	for i, fd := range fields {
		putU16(flowsetBody, 4+i*4, fd[0])
		putU16(flowsetBody, 4+i*4+2, fd[1])
	}

	flowsetLen := 4 + len(flowsetBody)
	buf := make([]byte, v9HeaderSize+flowsetLen)
	putU16(buf, 0, 9)
	putU16(buf, 2, 1) // count = 1 flowset
	putU32(buf, 4, 0)
	putU32(buf, 8, 0)
	putU32(buf, 12, 1) // seq
	putU32(buf, 16, sourceID)

	fs := buf[v9HeaderSize:]
	putU16(fs, 0, 0) // flowset_id = 0 (template)
	putU16(fs, 2, uint16(flowsetLen))
	copy(fs[4:], flowsetBody)
	return buf
}

func buildV9DataDatagram(sourceID uint32, templateID uint16, records [][3]uint32) []byte {
	recLen := 12 // 4+4+4
	body := make([]byte, len(records)*recLen)
	for i, rec := range records {
		off := i * recLen
		putU32(body, off, rec[0])   // src addr as uint32
		putU32(body, off+4, rec[1]) // dst addr as uint32
		putU32(body, off+8, rec[2]) // octets
	}

	flowsetLen := 4 + len(body)
	buf := make([]byte, v9HeaderSize+flowsetLen)
	putU16(buf, 0, 9)
	putU16(buf, 2, 1)
	putU32(buf, 4, 0)
	putU32(buf, 8, 0)
	putU32(buf, 12, 2)
	putU32(buf, 16, sourceID)

	fs := buf[v9HeaderSize:]
	putU16(fs, 0, templateID)
	putU16(fs, 2, uint16(flowsetLen))
	copy(fs[4:], body)
	return buf
}

func ipToU32(b [4]byte) uint32 { return binary.BigEndian.Uint32(b[:]) }

func TestDecodeV9TemplateThenData(t *testing.T) {
	// S3: template (source_id=1, template_id=256) with fields
	// [(IPV4_SRC_ADDR,4),(IPV4_DST_ADDR,4),(IN_BYTES,4)]; data flowset of
	// two records -> two flows with src_addr, dst_addr, octets populated
	// and all other fields absent.
	reg := newRegistry()
	agent := xaddr.FromIPv4([4]byte{203, 0, 113, 1})
	p, _ := reg.FindOrAdmit(agent.String())

	tmplPkt := buildV9TemplateDatagram(1, 256)
	flows, err := Decode(tmplPkt, agent, p, reg)
	if err != nil {
		t.Fatalf("template Decode: %v", err)
	}
	if len(flows) != 0 {
		t.Fatalf("expected no flows from a template-only packet, got %d", len(flows))
	}

	dataPkt := buildV9DataDatagram(1, 256, [][3]uint32{
		{ipToU32([4]byte{10, 1, 1, 1}), ipToU32([4]byte{10, 1, 1, 2}), 500},
		{ipToU32([4]byte{10, 1, 1, 3}), ipToU32([4]byte{10, 1, 1, 4}), 600},
	})
	flows, err = Decode(dataPkt, agent, p, reg)
	if err != nil {
		t.Fatalf("data Decode: %v", err)
	}
	if len(flows) != 2 {
		t.Fatalf("got %d flows, want 2", len(flows))
	}
	for i, f := range flows {
		want := flow.FieldSrcAddr4 | flow.FieldDstAddr4 | flow.FieldOctets | flow.FieldAgentInfo
		if f.Fields != want {
			t.Fatalf("flow %d fields: got %v want %v", i, f.Fields, want)
		}
	}
	if flows[0].Octets != 500 || flows[1].Octets != 600 {
		t.Fatalf("got octets %d, %d", flows[0].Octets, flows[1].Octets)
	}
}

func TestDecodeV9DataWithoutTemplate(t *testing.T) {
	// S4: data flowset arrives first -> n_no_template == 1, zero flows;
	// subsequent matching template + data produces flows normally.
	reg := newRegistry()
	agent := xaddr.FromIPv4([4]byte{203, 0, 113, 2})
	p, _ := reg.FindOrAdmit(agent.String())

	dataPkt := buildV9DataDatagram(1, 300, [][3]uint32{
		{ipToU32([4]byte{10, 2, 2, 1}), ipToU32([4]byte{10, 2, 2, 2}), 42},
	})
	flows, err := Decode(dataPkt, agent, p, reg)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(flows) != 0 {
		t.Fatalf("expected zero flows before a template arrives, got %d", len(flows))
	}
	if p.NNoTemplate != 1 {
		t.Fatalf("got n_no_template=%d, want 1", p.NNoTemplate)
	}

	tmplPkt := buildV9TemplateDatagram(1, 300)
	if _, err := Decode(tmplPkt, agent, p, reg); err != nil {
		t.Fatalf("template Decode: %v", err)
	}

	flows, err = Decode(dataPkt, agent, p, reg)
	if err != nil {
		t.Fatalf("second data Decode: %v", err)
	}
	if len(flows) != 1 || flows[0].Octets != 42 {
		t.Fatalf("got flows=%+v, want one flow with octets=42", flows)
	}
}

func TestDecodeV9TemplateRejectsOverConfiguredMaxTemplateLen(t *testing.T) {
	// The template built by buildV9TemplateDatagram has a 12-byte total
	// record length (three 4-byte fields); a Registry configured with a
	// smaller max_template_len than that must reject it, proving the bound
	// is actually read from the registry rather than a fixed constant.
	reg := peer.New(peer.Config{MaxPeers: 8, MaxTemplates: 64, MaxSources: 8, MaxTemplateLen: 8},
		func() time.Time { return time.Unix(0, 0) })
	agent := xaddr.FromIPv4([4]byte{203, 0, 113, 3})
	p, _ := reg.FindOrAdmit(agent.String())

	tmplPkt := buildV9TemplateDatagram(1, 400)
	if _, err := Decode(tmplPkt, agent, p, reg); err != ErrInvalidDatagram {
		t.Fatalf("got err=%v, want ErrInvalidDatagram from a template exceeding the configured max_template_len", err)
	}
}
