// Package config loads flowd's YAML configuration file into the
// structured Config value the collector core runs against (spec §3/§6).
// The original flowd.conf lex/yacc grammar stays out of scope -- this is
// flowd's own externally-facing config surface, loaded the same
// zero-value-means-default way pavelkim-tzsp_server and NetWeaver load
// their own yaml.v3 configs.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"flowd/internal/filter"
	"flowd/internal/peer"
	"flowd/pkg/flow"
)

// Opts mirrors the original's per-run boolean switches (spec §6).
type Opts struct {
	Verbose    bool `yaml:"verbose"`
	Foreground bool `yaml:"foreground"`
}

// Config is the structured value the collector core receives, however it
// was loaded (spec §3/§6).
type Config struct {
	ListenAddrs  []string       `yaml:"listen_addrs"`
	AllowedPeers []string       `yaml:"allowed_peers"` // CIDRs; empty = accept any
	StoreMask    flow.FieldMask `yaml:"store_mask"`
	Filters      []RuleSpec     `yaml:"filters"`
	LogFile      string         `yaml:"log_file"`
	PidFile      string         `yaml:"pid_file"`
	Opts         Opts           `yaml:"opts"`
	PeerBounds   peer.Config    `yaml:"peer_bounds"`
}

// RuleSpec is filter.Rule's YAML-friendly mirror: plain strings/ints
// instead of *net.IPNet/*uint8 pointer fields, compiled into a filter.Rule
// by compileOne below (via CompileFilters).
type RuleSpec struct {
	SrcCIDR      string `yaml:"src_cidr,omitempty"`
	DstCIDR      string `yaml:"dst_cidr,omitempty"`
	AgentCIDR    string `yaml:"agent_cidr,omitempty"`
	Proto        *uint8 `yaml:"proto,omitempty"`
	SrcPortLo    uint16 `yaml:"src_port_lo,omitempty"`
	SrcPortHi    uint16 `yaml:"src_port_hi,omitempty"`
	DstPortLo    uint16 `yaml:"dst_port_lo,omitempty"`
	DstPortHi    uint16 `yaml:"dst_port_hi,omitempty"`
	TCPFlagsMask *uint8 `yaml:"tcp_flags_mask,omitempty"`
	TCPFlagsValue *uint8 `yaml:"tcp_flags_value,omitempty"`
	TOSMask      *uint8  `yaml:"tos_mask,omitempty"`
	TOSValue     *uint8  `yaml:"tos_value,omitempty"`
	IfIn         *uint16 `yaml:"if_in,omitempty"`
	IfOut        *uint16 `yaml:"if_out,omitempty"`
	Action       string  `yaml:"action"` // accept | discard | accept-with-tag
	Tag          uint32  `yaml:"tag,omitempty"`
}

const (
	defaultMaxPeers       = 1024 // matches the original's DEFAULT_MAX_PEERS
	defaultMaxTemplates   = 4096
	defaultMaxSources     = 64
	defaultMaxTemplateLen = 4096
	defaultLogFile        = "/var/log/flowd.log"
	defaultPidFile        = "/var/run/flowd.pid"
)

// Load reads path, applies defaults for any zero-valued field, and returns
// the ready-to-run Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogFile == "" {
		cfg.LogFile = defaultLogFile
	}
	if cfg.PidFile == "" {
		cfg.PidFile = defaultPidFile
	}
	if cfg.StoreMask == 0 {
		cfg.StoreMask = flow.FieldAll
	}
	if cfg.PeerBounds.MaxPeers == 0 {
		cfg.PeerBounds.MaxPeers = defaultMaxPeers
	}
	if cfg.PeerBounds.MaxTemplates == 0 {
		cfg.PeerBounds.MaxTemplates = defaultMaxTemplates
	}
	if cfg.PeerBounds.MaxSources == 0 {
		cfg.PeerBounds.MaxSources = defaultMaxSources
	}
	if cfg.PeerBounds.MaxTemplateLen == 0 {
		cfg.PeerBounds.MaxTemplateLen = defaultMaxTemplateLen
	}
}

// ApplyMacro applies one repeatable `-D name=value` CLI override onto an
// already-loaded Config, spec §6's macro-override surface.
func ApplyMacro(cfg *Config, nameValue string) error {
	name, value, ok := strings.Cut(nameValue, "=")
	if !ok {
		return fmt.Errorf("config: malformed -D argument %q, want name=value", nameValue)
	}
	switch name {
	case "log_file":
		cfg.LogFile = value
	case "pid_file":
		cfg.PidFile = value
	default:
		return fmt.Errorf("config: unknown macro %q", name)
	}
	return nil
}

// CompileFilters turns the YAML-friendly RuleSpec list into an evaluable
// filter.List.
func CompileFilters(specs []RuleSpec) (*filter.List, error) {
	rules := make([]filter.Rule, 0, len(specs))
	for i, s := range specs {
		r, err := compileOne(s)
		if err != nil {
			return nil, fmt.Errorf("config: filter rule %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return filter.NewList(rules), nil
}

func parseCIDR(s string) (*net.IPNet, error) {
	if s == "" {
		return nil, nil
	}
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		return nil, fmt.Errorf("bad CIDR %q: %w", s, err)
	}
	return n, nil
}

func compileOne(s RuleSpec) (filter.Rule, error) {
	var r filter.Rule
	var err error
	if r.SrcCIDR, err = parseCIDR(s.SrcCIDR); err != nil {
		return r, err
	}
	if r.DstCIDR, err = parseCIDR(s.DstCIDR); err != nil {
		return r, err
	}
	if r.AgentCIDR, err = parseCIDR(s.AgentCIDR); err != nil {
		return r, err
	}
	r.Proto = s.Proto
	if s.SrcPortLo != 0 || s.SrcPortHi != 0 {
		r.SrcPort = &filter.PortRange{Lo: s.SrcPortLo, Hi: s.SrcPortHi}
	}
	if s.DstPortLo != 0 || s.DstPortHi != 0 {
		r.DstPort = &filter.PortRange{Lo: s.DstPortLo, Hi: s.DstPortHi}
	}
	r.TCPFlagsMask, r.TCPFlagsValue = s.TCPFlagsMask, s.TCPFlagsValue
	r.TOSMask, r.TOSValue = s.TOSMask, s.TOSValue
	r.IfIn, r.IfOut = s.IfIn, s.IfOut
	r.Tag = s.Tag

	switch s.Action {
	case "", "accept":
		r.Action = filter.Accept
	case "discard":
		r.Action = filter.Discard
	case "accept-with-tag":
		r.Action = filter.AcceptWithTag
	default:
		return r, fmt.Errorf("unknown action %q", s.Action)
	}
	return r, nil
}
