// Package logging wraps logrus for flowd's structured log output and
// implements the per-peer rate limiter spec §7 requires for invalid-input
// warnings. Grounded on pavelkim-tzsp_server's internal/logger.Logger (a
// logrus.Logger wrapper exposing Info/Warn/Error/Debug with variadic
// key-value fields) -- the general shape is carried over, simplified to
// the single console/file sink flowd actually needs.
package logging

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps a configured *logrus.Logger with flowd's key-value field
// convention.
type Logger struct {
	l *logrus.Logger
}

// Config selects the logger's destination and verbosity.
type Config struct {
	Verbose  bool
	Filename string // "" means stderr
}

// New builds a Logger per Config. A non-empty Filename opens (or creates)
// the file for append.
func New(cfg Config) (*Logger, error) {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	out := os.Stderr
	if cfg.Filename != "" {
		f, err := os.OpenFile(cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		l.SetOutput(f)
	} else {
		l.SetOutput(out)
	}
	return &Logger{l: l}, nil
}

func (lg *Logger) fields(kv []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		f[key] = kv[i+1]
	}
	return f
}

func (lg *Logger) Info(msg string, kv ...interface{})  { lg.l.WithFields(lg.fields(kv)).Info(msg) }
func (lg *Logger) Warn(msg string, kv ...interface{})  { lg.l.WithFields(lg.fields(kv)).Warn(msg) }
func (lg *Logger) Error(msg string, kv ...interface{}) { lg.l.WithFields(lg.fields(kv)).Error(msg) }
func (lg *Logger) Debug(msg string, kv ...interface{}) { lg.l.WithFields(lg.fields(kv)).Debug(msg) }

// Fatal logs at error level and terminates the process -- reserved for
// spec §7 tier-3 failures (log-write failure, header mismatch, monitor
// channel closed, non-EINTR poll failure).
func (lg *Logger) Fatal(msg string, kv ...interface{}) {
	lg.l.WithFields(lg.fields(kv)).Fatal(msg)
}

// RateLimiter is a per-peer token bucket bounding invalid-datagram warning
// output to O(1) lines/sec/peer (spec §7). No library in the corpus
// implements a rate limiter at this scope, so this ~small hand-rolled
// bucket is the one ambient piece without direct corpus grounding,
// justified in DESIGN.md by its size and narrowness.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens/sec
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter builds a limiter with the given refill rate (tokens/sec)
// and burst capacity.
func NewRateLimiter(rate, burst float64, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{buckets: make(map[string]*bucket), rate: rate, burst: burst, now: now}
}

// Allow reports whether a warning for peerKey may be logged now, consuming
// one token if so.
func (r *RateLimiter) Allow(peerKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[peerKey]
	if !ok {
		b = &bucket{tokens: r.burst, last: now}
		r.buckets[peerKey] = b
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * r.rate
		if b.tokens > r.burst {
			b.tokens = r.burst
		}
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
