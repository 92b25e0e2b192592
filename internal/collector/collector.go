// Package collector implements the single-threaded event loop spec §4.F
// and §5 describe: one goroutine polling its UDP listeners plus a signal
// channel, decoding NetFlow datagrams, running them through the filter
// list, and appending accepted flows to the log file. Grounded on
// pavelkim-tzsp_server's internal/server/server.go for the overall
// ctx-driven main-loop shape (SetReadDeadline + ReadFromUDP in a select's
// default arm, structured logging at each lifecycle step) and on the
// teacher's internal/listener/udp.go for net.ListenUDP setup -- adapted
// away from that file's goroutine-per-listener-plus-channel design, since
// spec §5 calls for exactly one goroutine touching Peers/filters/the log
// fd, with select as the only poll primitive.
package collector

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowd/internal/config"
	"flowd/internal/filter"
	"flowd/internal/logging"
	"flowd/internal/monitor"
	"flowd/internal/netflow"
	"flowd/internal/peer"
	"flowd/internal/store"
	"flowd/pkg/xaddr"
)

const (
	pollDeadline  = 100 * time.Millisecond
	maxDatagram   = 65535
	warnRate      = 5.0 // tokens/sec
	warnBurst     = 20.0
)

// FatalError wraps a spec §7 tier-3 condition: log-write failure,
// log-header mismatch, monitor channel closed, or a poll failure other
// than EINTR. The collector loop terminates on these.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("collector: fatal: %s: %v", e.Op, e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// Loop owns every piece of mutable state the collector touches: config,
// peers, the log file descriptor (spec §9: "there is no true global
// state... pass them explicitly").
type Loop struct {
	cfg     *config.Config
	filters *filter.List
	peers   *peer.Registry
	log     *logging.Logger
	limiter *logging.RateLimiter
	mon     monitor.Monitor

	conns   []*net.UDPConn
	logFile monitor.LogHandle
	logPath string

	sigCh chan os.Signal
}

// New builds a Loop from a loaded config and its dependencies, opening
// every listener socket and the log file.
func New(cfg *config.Config, log *logging.Logger, mon monitor.Monitor) (*Loop, error) {
	filters, err := config.CompileFilters(cfg.Filters)
	if err != nil {
		return nil, fmt.Errorf("collector: compiling filters: %w", err)
	}

	l := &Loop{
		cfg:     cfg,
		filters: filters,
		peers:   peer.New(cfg.PeerBounds, nil),
		log:     log,
		limiter: logging.NewRateLimiter(warnRate, warnBurst, nil),
		mon:     mon,
		sigCh:   make(chan os.Signal, 8),
	}

	if err := l.openListeners(cfg.ListenAddrs); err != nil {
		return nil, err
	}
	if err := l.openLog(cfg.LogFile); err != nil {
		l.closeListeners()
		return nil, err
	}

	signal.Notify(l.sigCh, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
	return l, nil
}

func (l *Loop) openListeners(addrs []string) error {
	for _, a := range addrs {
		udpAddr, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			return fmt.Errorf("collector: resolving listen address %q: %w", a, err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return fmt.Errorf("collector: listening on %q: %w", a, err)
		}
		l.conns = append(l.conns, conn)
	}
	return nil
}

func (l *Loop) closeListeners() {
	for _, c := range l.conns {
		c.Close()
	}
	l.conns = nil
}

// openLog obtains the log file handle from the monitor (spec §5: the
// privileged monitor opens the log and hands the collector a descriptor),
// writing a fresh header if the file is new, or validating the existing
// header otherwise (spec §4.B).
func (l *Loop) openLog(path string) error {
	fi, statErr := os.Stat(path)
	isNew := statErr != nil || fi.Size() == 0

	f, err := l.mon.OpenLog(path)
	if err != nil {
		return &FatalError{Op: "open log", Err: err}
	}

	if isNew {
		if err := store.PutHeader(f, uint32(time.Now().Unix())); err != nil {
			f.Close()
			return &FatalError{Op: "write log header", Err: err}
		}
	} else {
		r, ok := f.(io.Reader)
		if !ok {
			f.Close()
			return &FatalError{Op: "validate log header", Err: fmt.Errorf("log handle does not support reading back its header")}
		}
		if err := store.ValidateHeaderMatches(r); err != nil {
			f.Close()
			return &FatalError{Op: "validate log header", Err: err}
		}
	}

	l.logFile = f
	l.logPath = path
	return nil
}

// Run drives the event loop until ctx is cancelled or a signal requests
// exit (INT/TERM) or a fatal-tier error occurs.
func (l *Loop) Run(ctx context.Context) error {
	defer l.closeListeners()
	buf := make([]byte, maxDatagram)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-l.sigCh:
			done, err := l.handleSignal(sig)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		default:
			for _, conn := range l.conns {
				conn.SetReadDeadline(time.Now().Add(pollDeadline))
				n, addr, err := conn.ReadFromUDP(buf)
				if err != nil {
					if ne, ok := err.(net.Error); ok && ne.Timeout() {
						continue
					}
					return &FatalError{Op: "poll listener", Err: err}
				}
				l.handleDatagram(buf[:n], addr)
			}
		}
	}
}

// handleDatagram implements spec §7's tiered error handling for one
// received packet: per-datagram malformed input bumps n_invalid and warns
// (rate limited), per-flow AF mismatch/filter discard drops that flow
// silently (no counter records these drops), and any log-write failure is
// fatal.
func (l *Loop) handleDatagram(data []byte, addr *net.UDPAddr) {
	agent := xaddr.FromUDPAddr(addr)
	key := addr.String()

	p, err := l.peers.FindOrAdmit(key)
	if err != nil {
		l.log.Info("peer admission rejected", "addr", key)
		return
	}

	flows, err := netflow.Decode(data, agent, p, l.peers)
	if err != nil {
		l.peers.Update(p, 0, 0, true)
		if l.limiter.Allow(key) {
			l.log.Warn("invalid datagram", "addr", key, "err", err)
		}
		return
	}
	var version uint16
	if len(flows) > 0 {
		version = flows[0].NetflowVersion
	}
	l.peers.Update(p, uint64(len(flows)), version, false)

	for _, f := range flows {
		if !f.AddrFamiliesConsistent() {
			continue // per-flow drop, spec §7 tier 2
		}
		if !filter.Apply(l.filters, f) {
			continue // filter discard, spec §7 tier 2
		}
		if _, err := store.PutFlow(l.logFile, f, l.cfg.StoreMask); err != nil {
			l.log.Fatal("log write failed", "err", err)
		}
	}
}
