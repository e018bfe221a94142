package peers

import (
	"sort"
	"sync"
	"time"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/logging"
)

// Liveness classifies a peer by how recently it was heard from.
type Liveness int

const (
	// Alive means traffic arrived within the staleness threshold.
	Alive Liveness = iota
	// Stale means nothing was heard for at least 2 seconds.
	Stale
	// Dead means nothing was heard for at least 5 seconds.
	Dead
)

func (l Liveness) String() string {
	switch l {
	case Alive:
		return "Alive"
	case Stale:
		return "Stale"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

const (
	staleAfter = 2 * time.Second
	deadAfter  = 5 * time.Second

	// ewmaAlpha weights the newest SNR sample against the running estimate.
	ewmaAlpha = 0.3
)

// PeerState is one peer's link-quality record.
type PeerState struct {
	ID        int
	LastSeen  time.Time
	EwmaSNRdB float64
	HasSNR    bool
	Liveness  Liveness
}

// Table tracks every peer ever heard from. Entries are created on first
// observation and never removed; a silent peer decays to Dead instead.
type Table struct {
	mu     sync.RWMutex
	peers  map[int]*PeerState
	logger logging.Logger
}

// NewTable creates an empty peer table. logger may be nil.
func NewTable(logger logging.Logger) *Table {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Table{
		peers:  make(map[int]*PeerState),
		logger: logger,
	}
}

// Observe records an inbound frame from a peer. last-seen updates
// unconditionally; the SNR estimate only moves when the frame carried one.
// The first sample seeds the EWMA directly.
func (t *Table) Observe(id int, snrDB float64, hasSNR bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		p = &PeerState{ID: id, Liveness: Alive}
		t.peers[id] = p
		t.logger.Debugf("[PEERS] discovered peer %d", id)
	}

	p.LastSeen = now
	p.Liveness = Alive
	if hasSNR {
		if p.HasSNR {
			p.EwmaSNRdB = ewmaAlpha*snrDB + (1-ewmaAlpha)*p.EwmaSNRdB
		} else {
			p.EwmaSNRdB = snrDB
			p.HasSNR = true
		}
	}
}

// Tick re-evaluates liveness from the last-seen timestamps. The node ticker
// calls it every 500 ms.
func (t *Table) Tick(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.peers {
		age := now.Sub(p.LastSeen)
		var next Liveness
		switch {
		case age >= deadAfter:
			next = Dead
		case age >= staleAfter:
			next = Stale
		default:
			next = Alive
		}
		if next != p.Liveness {
			t.logger.Debugf("[PEERS] peer %d: %s -> %s", p.ID, p.Liveness, next)
			p.Liveness = next
		}
	}
}

// Snapshot returns a copy of every peer record, keyed by id.
func (t *Table) Snapshot() map[int]PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[int]PeerState, len(t.peers))
	for id, p := range t.peers {
		out[id] = *p
	}
	return out
}

// SNRReport returns the smoothed SNR of every peer that is not Dead, keyed
// by id. It feeds the leader's SNR_REPORT broadcast.
func (t *Table) SNRReport() map[int]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[int]float64)
	for id, p := range t.peers {
		if p.Liveness != Dead && p.HasSNR {
			out[id] = p.EwmaSNRdB
		}
	}
	return out
}

// AliveIDs lists peers currently Alive, sorted for stable log output.
func (t *Table) AliveIDs() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]int, 0, len(t.peers))
	for id, p := range t.peers {
		if p.Liveness == Alive {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}
