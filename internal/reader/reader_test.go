package reader

import (
	"strings"
	"testing"

	"flowd/pkg/flow"
	"flowd/pkg/xaddr"
)

func TestFormatFlowBriefOmitsFieldsOutsideBriefMask(t *testing.T) {
	f := &flow.Flow{
		Fields:   flow.FieldAll,
		Proto:    6,
		SrcAddr:  xaddr.FromIPv4([4]byte{10, 0, 0, 1}),
		DstAddr:  xaddr.FromIPv4([4]byte{10, 0, 0, 2}),
		SrcAS:    100,
		DstAS:    200,
	}
	out := FormatFlow(f, Local, false)
	if strings.Contains(out, "src_as=") {
		t.Fatalf("expected brief mode to omit AS info, got %q", out)
	}
	if !strings.Contains(out, "proto=TCP") {
		t.Fatalf("expected proto in brief output, got %q", out)
	}
}

func TestFormatFlowVerboseIncludesAsInfo(t *testing.T) {
	f := &flow.Flow{
		Fields: flow.FieldAll,
		Proto:  6,
		SrcAS:  100,
		DstAS:  200,
	}
	out := FormatFlow(f, Local, true)
	if !strings.Contains(out, "src_as=100") {
		t.Fatalf("expected AS info in verbose output, got %q", out)
	}
}

func TestFormatLogfileHeader(t *testing.T) {
	out := FormatLogfileHeader("/var/log/flowd.log", 0, UTC)
	if !strings.HasPrefix(out, "LOGFILE /var/log/flowd.log started at ") {
		t.Fatalf("got %q", out)
	}
}
