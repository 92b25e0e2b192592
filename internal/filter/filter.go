// Package filter implements the collector's ordered accept/discard/tag
// rule list (spec §4.C). Rules are evaluated in order and the first match
// wins; an unmatched flow is accepted unchanged. The predicate shape is
// new relative to the teacher (whose only "filter" is a string-expression
// query DSL over already-stored flows, serving a live-query feature this
// collector doesn't implement), but the CIDR-containment matching idiom is
// carried over from it.
package filter

import (
	"net"

	"flowd/pkg/flow"
)

// Action is the outcome of a matched rule.
type Action int

const (
	Accept Action = iota
	Discard
	AcceptWithTag
)

// PortRange is an inclusive [Lo, Hi] port range; Lo == Hi matches a single
// port.
type PortRange struct {
	Lo, Hi uint16
}

// Contains reports whether p falls within the range.
func (r PortRange) Contains(p uint16) bool { return p >= r.Lo && p <= r.Hi }

// Rule is one ordered entry of a List. Every predicate field is a
// pointer so a nil field means "don't care" (matches anything).
type Rule struct {
	SrcCIDR, DstCIDR, AgentCIDR *net.IPNet
	Proto                       *uint8
	SrcPort, DstPort            *PortRange
	TCPFlagsMask, TCPFlagsValue *uint8
	TOSMask, TOSValue           *uint8
	IfIn, IfOut                 *uint16

	Action Action
	Tag    uint32
}

// matches reports whether f satisfies every non-nil predicate on r.
func (r *Rule) matches(f *flow.Flow) bool {
	if r.SrcCIDR != nil && !r.SrcCIDR.Contains(f.SrcAddr.NetIP()) {
		return false
	}
	if r.DstCIDR != nil && !r.DstCIDR.Contains(f.DstAddr.NetIP()) {
		return false
	}
	if r.AgentCIDR != nil && !r.AgentCIDR.Contains(f.AgentAddr.NetIP()) {
		return false
	}
	if r.Proto != nil && f.Proto != *r.Proto {
		return false
	}
	if r.SrcPort != nil && !r.SrcPort.Contains(f.SrcPort) {
		return false
	}
	if r.DstPort != nil && !r.DstPort.Contains(f.DstPort) {
		return false
	}
	if r.TCPFlagsMask != nil {
		value := uint8(0)
		if r.TCPFlagsValue != nil {
			value = *r.TCPFlagsValue
		}
		if f.TCPFlags&*r.TCPFlagsMask != value&*r.TCPFlagsMask {
			return false
		}
	}
	if r.TOSMask != nil {
		value := uint8(0)
		if r.TOSValue != nil {
			value = *r.TOSValue
		}
		if f.TOS&*r.TOSMask != value&*r.TOSMask {
			return false
		}
	}
	if r.IfIn != nil && f.IfIn != *r.IfIn {
		return false
	}
	if r.IfOut != nil && f.IfOut != *r.IfOut {
		return false
	}
	return true
}

// Result is the outcome of evaluating a List against one flow.
type Result struct {
	Action Action // Accept or Discard; AcceptWithTag collapses to Accept here
	Tag    uint32 // set iff a matching rule was AcceptWithTag
	Tagged bool
}

// List is an ordered, first-match-wins rule chain.
type List struct {
	rules []Rule
}

// NewList builds a List from an ordered rule slice. The slice is copied so
// later mutation by the caller doesn't alias the list's evaluation order.
func NewList(rules []Rule) *List {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &List{rules: cp}
}

// Rules returns the ordered rule slice (a defensive copy).
func (l *List) Rules() []Rule {
	cp := make([]Rule, len(l.rules))
	copy(cp, l.rules)
	return cp
}

// Evaluate walks the rule list in order and returns the first match's
// outcome, or an implicit Accept if nothing matches (spec §4.C).
func (l *List) Evaluate(f *flow.Flow) Result {
	for i := range l.rules {
		r := &l.rules[i]
		if !r.matches(f) {
			continue
		}
		switch r.Action {
		case Discard:
			return Result{Action: Discard}
		case AcceptWithTag:
			return Result{Action: Accept, Tag: r.Tag, Tagged: true}
		default:
			return Result{Action: Accept}
		}
	}
	return Result{Action: Accept}
}

// Apply evaluates the list and, for an AcceptWithTag match, mutates f's Tag
// and Fields to record the new tag (spec §4.C: "adds TAG to flow.fields").
// It returns false iff the flow should be discarded.
func Apply(l *List, f *flow.Flow) bool {
	res := l.Evaluate(f)
	if res.Action == Discard {
		return false
	}
	if res.Tagged {
		f.Tag = res.Tag
		f.Fields |= flow.FieldTag
	}
	return true
}
