package collector

import (
	"fmt"
	"os"
	"syscall"

	"flowd/internal/config"
)

// handleSignal implements spec §4.F/§6's signal semantics: INT/TERM exit,
// HUP reconfigures and reopens the log, USR1 reopens the log only, USR2
// dumps the rule list and peer table. The underlying async-signal
// machinery is out of scope (spec §1); Go's os/signal.Notify channel is
// itself the "self-pipe" spec §9 invites implementors to use.
func (l *Loop) handleSignal(sig os.Signal) (done bool, err error) {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		l.log.Info("received exit signal", "signal", sig.String())
		return true, nil

	case syscall.SIGHUP:
		l.log.Info("reconfiguring")
		if rerr := l.reconfigure(); rerr != nil {
			return false, &FatalError{Op: "reconfigure", Err: rerr}
		}
		if rerr := l.reopenLog(); rerr != nil {
			return false, &FatalError{Op: "reopen log", Err: rerr}
		}
		return false, nil

	case syscall.SIGUSR1:
		l.log.Info("reopening log")
		if rerr := l.reopenLog(); rerr != nil {
			return false, &FatalError{Op: "reopen log", Err: rerr}
		}
		return false, nil

	case syscall.SIGUSR2:
		l.log.Info("dumping state")
		l.dump()
		return false, nil

	default:
		return false, nil
	}
}

// reconfigure implements spec §4.F's reconfiguration behavior: an atomic
// swap of the filter list and listen addresses, plus a peer scrub against
// the new allow-list.
func (l *Loop) reconfigure() error {
	cfg, err := l.mon.RequestConfig()
	if err != nil {
		return err
	}

	filters, err := config.CompileFilters(cfg.Filters)
	if err != nil {
		return err
	}

	l.closeListeners()
	if err := l.openListeners(cfg.ListenAddrs); err != nil {
		return err
	}

	l.cfg = cfg
	l.filters = filters
	l.peers.Scrub(func(addr string) bool { return allowedPeer(cfg, addr) })
	return nil
}

// reopenLog closes and reopens the log file at its configured path,
// matching the original's SIGUSR1/"reopen on HUP" behavior (spec §6).
func (l *Loop) reopenLog() error {
	if l.logFile != nil {
		l.logFile.Close()
	}
	return l.openLog(l.logPath)
}

// dump emits the filter rule list and peer table via the monitor's dump
// sink (spec §4.D's dump, triggered by SIGUSR2 per spec §6).
func (l *Loop) dump() {
	lines := make([]string, 0, len(l.filters.Rules())+l.peers.Len())
	for i, r := range l.filters.Rules() {
		lines = append(lines, fmt.Sprintf("rule[%d] action=%d tag=%d", i, r.Action, r.Tag))
	}
	for _, e := range l.peers.Dump() {
		lines = append(lines, fmt.Sprintf("peer %s packets=%d flows=%d invalid=%d no_template=%d templates=%d",
			e.RemoteAddr, e.NPackets, e.NFlows, e.NInvalid, e.NNoTemplate, e.NTemplates))
	}
	if err := l.mon.Dump(lines); err != nil {
		l.log.Warn("dump failed", "err", err)
	}
}
