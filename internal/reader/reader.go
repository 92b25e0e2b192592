// Package reader renders stored flow.Flow records as the single-line
// textual format flowd-reader prints (spec §6, grounded on
// original_source/flowd-reader.c's store_format_flow call and its
// "-v" / default STORE_DISPLAY_ALL / STORE_DISPLAY_BRIEF distinction).
package reader

import (
	"fmt"
	"strings"
	"time"

	"flowd/pkg/flow"
)

// TimeMode selects UTC or local rendering of timestamps (flowd-reader's
// -U flag).
type TimeMode int

const (
	Local TimeMode = iota
	UTC
)

func (m TimeMode) render(t time.Time) string {
	if m == UTC {
		t = t.UTC()
	} else {
		t = t.Local()
	}
	return t.Format("2006-01-02T15:04:05")
}

// FormatFlow renders one flow. verbose selects FieldAll-equivalent detail
// (flowd-reader -v / STORE_DISPLAY_ALL); otherwise only
// flow.FieldDisplayBrief's fields are shown (STORE_DISPLAY_BRIEF).
func FormatFlow(f *flow.Flow, mode TimeMode, verbose bool) string {
	mask := flow.FieldDisplayBrief
	if verbose {
		mask = flow.FieldAll
	}
	fields := f.Fields & mask

	var b strings.Builder
	fmt.Fprintf(&b, "FLOW recv=%s", mode.render(f.RecvTime()))

	if fields.Has(flow.FieldAgentAddr4) || fields.Has(flow.FieldAgentAddr6) {
		fmt.Fprintf(&b, " agent=[%s]", f.AgentAddr)
	}
	if fields.Has(flow.FieldProtoFlagsTos) {
		fmt.Fprintf(&b, " proto=%s flags=%s tos=%#x", f.ProtoName(), f.TCPFlagsString(), f.TOS)
	}
	if fields.Has(flow.FieldSrcAddr4) || fields.Has(flow.FieldSrcAddr6) {
		fmt.Fprintf(&b, " src=[%s]", f.SrcAddr)
	}
	if fields.Has(flow.FieldDstAddr4) || fields.Has(flow.FieldDstAddr6) {
		fmt.Fprintf(&b, " dst=[%s]", f.DstAddr)
	}
	if fields.Has(flow.FieldSrcDstPort) {
		fmt.Fprintf(&b, " sport=%d dport=%d", f.SrcPort, f.DstPort)
	}
	if fields.Has(flow.FieldGatewayAddr4) || fields.Has(flow.FieldGatewayAddr6) {
		fmt.Fprintf(&b, " gateway=[%s]", f.GatewayAddr)
	}
	if fields.Has(flow.FieldPackets) {
		fmt.Fprintf(&b, " packets=%d", f.Packets)
	}
	if fields.Has(flow.FieldOctets) {
		fmt.Fprintf(&b, " octets=%d", f.Octets)
	}
	if fields.Has(flow.FieldIfIndices) {
		fmt.Fprintf(&b, " if_in=%d if_out=%d", f.IfIn, f.IfOut)
	}
	if fields.Has(flow.FieldFlowTimes) {
		fmt.Fprintf(&b, " start=%d finish=%d", f.FlowStart, f.FlowFinish)
	}
	if fields.Has(flow.FieldAsInfo) {
		fmt.Fprintf(&b, " src_as=%d dst_as=%d src_mask=%d dst_mask=%d", f.SrcAS, f.DstAS, f.SrcMask, f.DstMask)
	}
	if fields.Has(flow.FieldFlowEngineInfo) {
		fmt.Fprintf(&b, " engine_type=%d engine_id=%d seq=%d", f.EngineType, f.EngineID, f.FlowSequence)
	}
	if fields.Has(flow.FieldAgentInfo) {
		fmt.Fprintf(&b, " nf_version=%d", f.NetflowVersion)
	}
	if fields.Has(flow.FieldTag) {
		fmt.Fprintf(&b, " tag=%d", f.Tag)
	}
	return b.String()
}

// FormatLogfileHeader renders the "LOGFILE ... started at ..." banner
// flowd-reader prints once per file, before its flow records.
func FormatLogfileHeader(path string, startTime uint32, mode TimeMode) string {
	return fmt.Sprintf("LOGFILE %s started at %s", path, mode.render(time.Unix(int64(startTime), 0)))
}
