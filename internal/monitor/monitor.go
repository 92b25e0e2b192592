// Package monitor represents the privileged-process RPC channel the
// original flowd's monitor subprocess exposes to its unprivileged child:
// reconfiguration requests, log-file reopen, and peer/rule-table dumps
// (spec §5: "treat it as an RPC channel"). The actual privilege-separated
// subprocess protocol is out of scope; this package names the contract as
// a Go interface and supplies one direct, non-privileged implementation
// for a deployment that doesn't split privileges.
package monitor

import (
	"flowd/internal/config"
)

// Monitor is the contract the collector loop calls against when a signal
// asks it to reconfigure, reopen its log, or dump state. A privilege-
// separated implementation would proxy these over an RPC channel to a
// separate, more-privileged process; Direct below just does the work
// in-process.
type Monitor interface {
	// RequestConfig reloads and returns the current configuration.
	RequestConfig() (*config.Config, error)
	// OpenLog returns a fresh handle to the configured log file, opened
	// for append, ready to replace the collector's current one.
	OpenLog(path string) (LogHandle, error)
	// Dump is called to persist or emit an operator-requested state dump
	// (peer table, rule list) outside the collector's own log stream.
	Dump(lines []string) error
}

// LogHandle is the minimal surface the collector loop needs from an open
// log file: something to write records to and later close on rotation.
type LogHandle interface {
	Write(p []byte) (int, error)
	Close() error
}

// Direct is the non-privileged Monitor: it does every operation itself,
// in-process, rather than proxying to a separate privileged subprocess.
type Direct struct {
	configPath string
	dumpSink   func(lines []string) error
}

// NewDirect builds a Direct monitor that reloads config from configPath
// and routes dumps to dumpSink (typically the active Logger's Info call).
func NewDirect(configPath string, dumpSink func(lines []string) error) *Direct {
	return &Direct{configPath: configPath, dumpSink: dumpSink}
}

func (d *Direct) RequestConfig() (*config.Config, error) {
	return config.Load(d.configPath)
}

func (d *Direct) OpenLog(path string) (LogHandle, error) {
	return openFile(path)
}

func (d *Direct) Dump(lines []string) error {
	if d.dumpSink == nil {
		return nil
	}
	return d.dumpSink(lines)
}
