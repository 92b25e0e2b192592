// Package peer tracks per-exporter state: liveness counters and the
// NetFlow v9 template cache each exporter's data flowsets are decoded
// against (spec §4.D). Peer admission is a single-axis recency-bounded
// structure; template retention is two coordinated axes (a global cap
// across all peers, a per-peer cap on distinct source_ids) and so needs
// its own hand-rolled eviction rather than a single off-the-shelf cache.
package peer

import (
	"container/list"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"flowd/pkg/flow"
)

// Peer is one exporter's state (spec §3).
type Peer struct {
	RemoteAddr  string
	FirstSeen   time.Time
	LastSeen    time.Time
	NPackets    uint64
	NFlows      uint64
	NInvalid    uint64
	NNoTemplate uint64
	LastVersion uint16

	// templates is keyed by (source_id, template_id); sourceOrder tracks
	// per-peer source_id recency for the max_sources axis.
	templates   map[templateKey]*templateEntry
	sourceOrder *list.List
	sourceElems map[uint32]*list.Element
}

type templateKey struct {
	sourceID   uint32
	templateID uint16
}

// templateEntry links a cached Tmpl into the global LRU list.
type templateEntry struct {
	tmpl       *flow.Tmpl
	globalElem *list.Element
}

func newPeer(addr string, now time.Time) *Peer {
	return &Peer{
		RemoteAddr:  addr,
		FirstSeen:   now,
		LastSeen:    now,
		templates:   make(map[templateKey]*templateEntry),
		sourceOrder: list.New(),
		sourceElems: make(map[uint32]*list.Element),
	}
}

// NTemplates reports how many templates are currently cached for this peer.
func (p *Peer) NTemplates() int { return len(p.templates) }

// activeWithin reports whether the peer has received a valid flow, or was
// admitted, within d of now (used by the admission-eviction "protect an active fleet" rule).
func (p *Peer) activeWithin(now time.Time, d time.Duration) bool {
	return now.Sub(p.LastSeen) < d
}

// Registry is the bounded peer + template-cache set (spec §4.D).
type Registry struct {
	mu sync.Mutex

	maxPeers       int
	maxTemplates   int
	maxSources     int
	maxTemplateLen int

	admit *lru.Cache[string, *Peer]
	// globalTemplates is the LRU-by-recency list across every peer's
	// templates, enforcing maxTemplates; peer template eviction and
	// global eviction stay in lockstep through templateEntry.globalElem.
	globalTemplates *list.List
	globalElems     map[*templateEntry]*list.Element

	now func() time.Time
}

// Config bundles the registry's capacity bounds.
type Config struct {
	MaxPeers       int `yaml:"max_peers"`
	MaxTemplates   int `yaml:"max_templates"`
	MaxSources     int `yaml:"max_sources"`
	MaxTemplateLen int `yaml:"max_template_len"`
}

// New builds a Registry. now defaults to time.Now if nil (tests can inject
// a deterministic clock).
func New(cfg Config, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	r := &Registry{
		maxPeers:        cfg.MaxPeers,
		maxTemplates:    cfg.MaxTemplates,
		maxSources:      cfg.MaxSources,
		maxTemplateLen:  cfg.MaxTemplateLen,
		globalTemplates: list.New(),
		globalElems:     make(map[*templateEntry]*list.Element),
		now:             now,
	}
	// golang-lru's OnEvict hook fires synchronously from within Add/Get,
	// which is exactly where we need to cascade-drop that peer's
	// templates out of the global LRU too.
	c, _ := lru.NewWithEvict[string, *Peer](cfg.MaxPeers, func(_ string, p *Peer) {
		r.dropPeerTemplatesLocked(p)
	})
	r.admit = c
	return r
}

// MaxTemplateLen reports the registry's configured per-template total
// field-length bound (spec §4.D's max_template_len), enforced by the
// netflow decoder's template parsing.
func (r *Registry) MaxTemplateLen() int {
	return r.maxTemplateLen
}

// ErrRejected is returned by FindOrAdmit when admission is refused because
// the registry is full and its LRU candidate is still active.
var ErrRejected = rejectedErr{}

type rejectedErr struct{}

func (rejectedErr) Error() string { return "peer: registry full, LRU candidate still active" }

// FindOrAdmit implements spec §4.D's find_or_admit: an existing peer is
// moved to MRU and returned; a new one is inserted if under capacity; at
// capacity the LRU peer is evicted unless it has received a valid flow (or
// was admitted) in the last 60s, in which case admission of the new peer is rejected outright.
func (r *Registry) FindOrAdmit(addr string) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if p, ok := r.admit.Get(addr); ok {
		return p, nil
	}

	if r.admit.Len() >= r.maxPeers {
		lruKey, lruPeer, ok := r.admit.GetOldest()
		if ok && lruPeer.activeWithin(now, 60*time.Second) {
			return nil, ErrRejected
		}
		if ok {
			r.admit.Remove(lruKey) // triggers dropPeerTemplatesLocked via OnEvict
		}
	}

	p := newPeer(addr, now)
	r.admit.Add(addr, p)
	return p, nil
}

// Update bumps a peer's counters and recency (spec §4.D's update).
func (r *Registry) Update(p *Peer, nFlows uint64, version uint16, invalid bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if !invalid && nFlows > 0 {
		p.LastSeen = now
	}
	p.NPackets++
	p.NFlows += nFlows
	p.LastVersion = version
	if invalid {
		p.NInvalid++
	}
	r.admit.Get(p.RemoteAddr) // touch recency in the admission LRU
}

// IncrNoTemplate bumps a peer's n_no_template counter when a data flowset
// arrives for a template that hasn't been seen yet (spec §4.E).
func (r *Registry) IncrNoTemplate(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.NNoTemplate++
}

// TemplateFind implements template_find.
func (r *Registry) TemplateFind(p *Peer, sourceID uint32, templateID uint16) *flow.Tmpl {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := p.templates[templateKey{sourceID, templateID}]
	if !ok {
		return nil
	}
	r.touchLocked(p, e)
	return e.tmpl
}

// TemplateUpsert implements template_upsert: atomic replace of any prior
// record for (source_id, template_id), then enforcement of both the global
// max_templates cap and the per-peer max_sources cap via LRU eviction.
func (r *Registry) TemplateUpsert(p *Peer, t *flow.Tmpl) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := templateKey{t.SourceID, t.TemplateID}
	if existing, ok := p.templates[key]; ok {
		r.removeTemplateLocked(p, key, existing)
	}

	e := &templateEntry{tmpl: t}
	p.templates[key] = e
	e.globalElem = r.globalTemplates.PushFront(e)
	r.touchSourceLocked(p, t.SourceID)

	r.enforceGlobalLocked()
	r.enforceSourcesLocked(p)
}

func (r *Registry) touchLocked(p *Peer, e *templateEntry) {
	r.globalTemplates.MoveToFront(e.globalElem)
	r.touchSourceLocked(p, e.tmpl.SourceID)
}

func (r *Registry) touchSourceLocked(p *Peer, sourceID uint32) {
	if el, ok := p.sourceElems[sourceID]; ok {
		p.sourceOrder.MoveToFront(el)
		return
	}
	p.sourceElems[sourceID] = p.sourceOrder.PushFront(sourceID)
}

// enforceSourcesLocked drops the least-recently-used source_id's templates
// from p until at most maxSources distinct source_ids remain.
func (r *Registry) enforceSourcesLocked(p *Peer) {
	for p.sourceOrder.Len() > r.maxSources {
		back := p.sourceOrder.Back()
		sourceID := back.Value.(uint32)
		p.sourceOrder.Remove(back)
		delete(p.sourceElems, sourceID)
		for key, e := range p.templates {
			if key.sourceID == sourceID {
				r.globalTemplates.Remove(e.globalElem)
				delete(p.templates, key)
			}
		}
	}
}

// enforceGlobalLocked drops the globally least-recently-used template,
// across all peers, until the global count is within maxTemplates.
func (r *Registry) enforceGlobalLocked() {
	for r.globalTemplates.Len() > r.maxTemplates {
		back := r.globalTemplates.Back()
		e := back.Value.(*templateEntry)
		r.globalTemplates.Remove(back)
		// Find and drop e from whichever peer owns it. Peer isn't
		// stored on templateEntry to avoid a retain cycle risk across
		// eviction callbacks; instead every peer's map is checked via
		// the key, which is cheap at expected peer/template counts.
		r.dropFromOwningPeerLocked(e)
	}
}

func (r *Registry) dropFromOwningPeerLocked(e *templateEntry) {
	for _, p := range r.admit.Keys() {
		peer, ok := r.admit.Peek(p)
		if !ok {
			continue
		}
		for key, cand := range peer.templates {
			if cand == e {
				delete(peer.templates, key)
				if el, ok := peer.sourceElems[key.sourceID]; ok && !r.peerHasSource(peer, key.sourceID) {
					peer.sourceOrder.Remove(el)
					delete(peer.sourceElems, key.sourceID)
				}
				return
			}
		}
	}
}

func (r *Registry) peerHasSource(p *Peer, sourceID uint32) bool {
	for key := range p.templates {
		if key.sourceID == sourceID {
			return true
		}
	}
	return false
}

func (r *Registry) removeTemplateLocked(p *Peer, key templateKey, e *templateEntry) {
	r.globalTemplates.Remove(e.globalElem)
	delete(p.templates, key)
}

// dropPeerTemplatesLocked cascades a peer's eviction from the admission
// LRU into removal of all of its templates from the global LRU too,
// keeping the two bounded structures in lockstep (spec §9's design note).
func (r *Registry) dropPeerTemplatesLocked(p *Peer) {
	for _, e := range p.templates {
		r.globalTemplates.Remove(e.globalElem)
	}
	p.templates = make(map[templateKey]*templateEntry)
	p.sourceOrder.Init()
	p.sourceElems = make(map[uint32]*list.Element)
}

// Scrub drops peers whose address the supplied predicate rejects (spec
// §4.D's scrub, invoked on reconfiguration with the new allow-list).
func (r *Registry) Scrub(allowed func(addr string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range r.admit.Keys() {
		if !allowed(addr) {
			r.admit.Remove(addr)
		}
	}
}

// Len reports the current number of admitted peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admit.Len()
}

// DumpEntry is one line of the operator-facing dump (spec §4.D's dump).
type DumpEntry struct {
	RemoteAddr  string
	NPackets    uint64
	NFlows      uint64
	NInvalid    uint64
	NNoTemplate uint64
	NTemplates  int
	LastVersion uint16
}

// Dump returns a snapshot of every peer's counters for the log sink.
func (r *Registry) Dump() []DumpEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DumpEntry, 0, r.admit.Len())
	for _, addr := range r.admit.Keys() {
		p, ok := r.admit.Peek(addr)
		if !ok {
			continue
		}
		out = append(out, DumpEntry{
			RemoteAddr:  p.RemoteAddr,
			NPackets:    p.NPackets,
			NFlows:      p.NFlows,
			NInvalid:    p.NInvalid,
			NNoTemplate: p.NNoTemplate,
			NTemplates:  p.NTemplates(),
			LastVersion: p.LastVersion,
		})
	}
	return out
}
