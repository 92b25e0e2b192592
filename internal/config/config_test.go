package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"flowd/pkg/flow"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowd.yaml")
	if err := os.WriteFile(path, []byte("listen_addrs: [\"0.0.0.0:2055\"]\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogFile != defaultLogFile {
		t.Fatalf("got log file %q", cfg.LogFile)
	}
	if cfg.PeerBounds.MaxPeers != defaultMaxPeers {
		t.Fatalf("got max_peers %d", cfg.PeerBounds.MaxPeers)
	}
	if cfg.StoreMask != flow.FieldAll {
		t.Fatalf("got store_mask %v, want FieldAll", cfg.StoreMask)
	}
	if len(cfg.ListenAddrs) != 1 || cfg.ListenAddrs[0] != "0.0.0.0:2055" {
		t.Fatalf("got listen_addrs %v", cfg.ListenAddrs)
	}
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flowd.yaml")
	body := "log_file: /tmp/custom.log\npeer_bounds:\n  max_peers: 10\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogFile != "/tmp/custom.log" {
		t.Fatalf("got %q", cfg.LogFile)
	}
	if cfg.PeerBounds.MaxPeers != 10 {
		t.Fatalf("got %d", cfg.PeerBounds.MaxPeers)
	}
}

func TestApplyMacroOverridesLogFile(t *testing.T) {
	cfg := &Config{}
	if err := ApplyMacro(cfg, "log_file=/tmp/override.log"); err != nil {
		t.Fatalf("ApplyMacro: %v", err)
	}
	if cfg.LogFile != "/tmp/override.log" {
		t.Fatalf("got %q", cfg.LogFile)
	}
}

func TestApplyMacroRejectsMalformed(t *testing.T) {
	cfg := &Config{}
	if err := ApplyMacro(cfg, "no-equals-sign"); err == nil {
		t.Fatal("expected error for malformed macro")
	}
}

func TestCompileFiltersDiscardRule(t *testing.T) {
	proto := uint8(1)
	specs := []RuleSpec{{Proto: &proto, Action: "discard"}}
	l, err := CompileFilters(specs)
	if err != nil {
		t.Fatalf("CompileFilters: %v", err)
	}
	if len(l.Rules()) != 1 {
		t.Fatalf("got %d rules", len(l.Rules()))
	}
}

func TestCompileFiltersRejectsUnknownAction(t *testing.T) {
	specs := []RuleSpec{{Action: "frobnicate"}}
	if _, err := CompileFilters(specs); err == nil {
		t.Fatal("expected error for unknown action")
	}
}

// TestRuleSpecYAMLRoundTrip guards against a struct-tag regression where a
// single yaml tag shared across multiple field names silently drops every
// field but the first: it unmarshals a document exercising every predicate
// rather than building the struct literal directly.
func TestRuleSpecYAMLRoundTrip(t *testing.T) {
	body := `
src_cidr: 10.0.0.0/8
dst_cidr: 192.168.0.0/16
agent_cidr: 172.16.0.0/12
proto: 6
src_port_lo: 1024
src_port_hi: 2048
dst_port_lo: 80
dst_port_hi: 443
tcp_flags_mask: 2
tcp_flags_value: 2
tos_mask: 255
tos_value: 0
if_in: 1
if_out: 2
action: accept-with-tag
tag: 7
`
	var s RuleSpec
	if err := yaml.Unmarshal([]byte(body), &s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if s.SrcCIDR != "10.0.0.0/8" {
		t.Fatalf("got SrcCIDR %q", s.SrcCIDR)
	}
	if s.DstCIDR != "192.168.0.0/16" {
		t.Fatalf("got DstCIDR %q", s.DstCIDR)
	}
	if s.AgentCIDR != "172.16.0.0/12" {
		t.Fatalf("got AgentCIDR %q", s.AgentCIDR)
	}
	if s.Proto == nil || *s.Proto != 6 {
		t.Fatalf("got Proto %v", s.Proto)
	}
	if s.SrcPortLo != 1024 || s.SrcPortHi != 2048 {
		t.Fatalf("got src port range %d-%d", s.SrcPortLo, s.SrcPortHi)
	}
	if s.DstPortLo != 80 || s.DstPortHi != 443 {
		t.Fatalf("got dst port range %d-%d", s.DstPortLo, s.DstPortHi)
	}
	if s.TCPFlagsMask == nil || *s.TCPFlagsMask != 2 {
		t.Fatalf("got TCPFlagsMask %v", s.TCPFlagsMask)
	}
	if s.TCPFlagsValue == nil || *s.TCPFlagsValue != 2 {
		t.Fatalf("got TCPFlagsValue %v", s.TCPFlagsValue)
	}
	if s.TOSMask == nil || *s.TOSMask != 255 {
		t.Fatalf("got TOSMask %v", s.TOSMask)
	}
	if s.TOSValue == nil || *s.TOSValue != 0 {
		t.Fatalf("got TOSValue %v", s.TOSValue)
	}
	if s.IfIn == nil || *s.IfIn != 1 {
		t.Fatalf("got IfIn %v", s.IfIn)
	}
	if s.IfOut == nil || *s.IfOut != 2 {
		t.Fatalf("got IfOut %v", s.IfOut)
	}
	if s.Action != "accept-with-tag" || s.Tag != 7 {
		t.Fatalf("got action %q tag %d", s.Action, s.Tag)
	}
}
