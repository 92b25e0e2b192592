package filter

import (
	"net"
	"testing"

	"flowd/pkg/flow"
	"flowd/pkg/xaddr"
)

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatalf("ParseCIDR(%q): %v", s, err)
	}
	return n
}

func u8(v uint8) *uint8 { return &v }

func TestEvaluateFirstMatchWins(t *testing.T) {
	// S5: [ discard proto=1; accept-with-tag=7 dst-port=80 ] against
	// (proto=6, dst_port=80) -> Accept, tag=7.
	rules := []Rule{
		{Proto: u8(1), Action: Discard},
		{DstPort: &PortRange{Lo: 80, Hi: 80}, Action: AcceptWithTag, Tag: 7},
	}
	l := NewList(rules)

	f := &flow.Flow{Proto: 6, DstPort: 80}
	res := l.Evaluate(f)
	if res.Action != Accept || !res.Tagged || res.Tag != 7 {
		t.Fatalf("got %+v, want Accept tag=7", res)
	}
}

func TestEvaluateNoMatchAcceptsUnchanged(t *testing.T) {
	l := NewList([]Rule{{Proto: u8(1), Action: Discard}})
	f := &flow.Flow{Proto: 6, Tag: 42, Fields: flow.FieldTag}
	if res := l.Evaluate(f); res.Action != Accept || res.Tagged {
		t.Fatalf("got %+v, want plain Accept", res)
	}
	if f.Tag != 42 {
		t.Fatalf("tag mutated on no-match: got %d", f.Tag)
	}
}

func TestEvaluateDiscard(t *testing.T) {
	l := NewList([]Rule{{Proto: u8(1), Action: Discard}})
	f := &flow.Flow{Proto: 1}
	if res := l.Evaluate(f); res.Action != Discard {
		t.Fatalf("got %+v, want Discard", res)
	}
}

func TestInsertingRuleBeforeMatchOverridesFirstMatch(t *testing.T) {
	// Invariant 6: inserting a rule before a matching rule can override
	// the action, but the result is still governed by whichever rule is
	// now first to match -- never some blend of both.
	base := []Rule{{Proto: u8(6), Action: Accept}}
	f := &flow.Flow{Proto: 6, DstPort: 80}

	before := NewList(base).Evaluate(f)
	if before.Action != Accept {
		t.Fatalf("baseline got %+v", before)
	}

	withInsert := NewList(append([]Rule{
		{Proto: u8(6), Action: Discard},
	}, base...))
	after := withInsert.Evaluate(f)
	if after.Action != Discard {
		t.Fatalf("got %+v, want Discard once an earlier rule matches first", after)
	}
}

func TestMatchesCIDR(t *testing.T) {
	r := Rule{SrcCIDR: mustCIDR(t, "10.0.0.0/8"), Action: Discard}
	l := NewList([]Rule{r})

	inside := &flow.Flow{SrcAddr: xaddr.FromIPv4([4]byte{10, 1, 2, 3})}
	if res := l.Evaluate(inside); res.Action != Discard {
		t.Fatalf("expected in-CIDR match to discard, got %+v", res)
	}

	outside := &flow.Flow{SrcAddr: xaddr.FromIPv4([4]byte{192, 168, 1, 1})}
	if res := l.Evaluate(outside); res.Action != Accept {
		t.Fatalf("expected out-of-CIDR to fall through to accept, got %+v", res)
	}
}

func TestMatchesTCPFlagsMask(t *testing.T) {
	mask := u8(0x02)  // SYN
	value := u8(0x02) // must be set
	r := Rule{TCPFlagsMask: mask, TCPFlagsValue: value, Action: Discard}
	l := NewList([]Rule{r})

	syn := &flow.Flow{Proto: 6, TCPFlags: 0x02}
	if res := l.Evaluate(syn); res.Action != Discard {
		t.Fatalf("expected SYN match to discard, got %+v", res)
	}

	noSyn := &flow.Flow{Proto: 6, TCPFlags: 0x10}
	if res := l.Evaluate(noSyn); res.Action != Accept {
		t.Fatalf("expected non-SYN to accept, got %+v", res)
	}
}

func TestApplyMutatesTagAndFields(t *testing.T) {
	l := NewList([]Rule{{Action: AcceptWithTag, Tag: 99}})
	f := &flow.Flow{}
	if ok := Apply(l, f); !ok {
		t.Fatal("expected Apply to return true (not discarded)")
	}
	if f.Tag != 99 || f.Fields&flow.FieldTag == 0 {
		t.Fatalf("expected tag=99 and FieldTag set, got tag=%d fields=%v", f.Tag, f.Fields)
	}
}

func TestApplyDiscardReturnsFalse(t *testing.T) {
	l := NewList([]Rule{{Action: Discard}})
	if ok := Apply(l, &flow.Flow{}); ok {
		t.Fatal("expected Apply to return false on discard")
	}
}
