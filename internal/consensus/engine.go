package consensus

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/link"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/logging"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/peers"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/pubsub"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/wire"
)

// Engine is the term/vote/log state machine. It is driven from the outside:
// the receiver worker feeds it frames via HandleFrame and the node ticker
// calls Tick; it never owns a goroutine of its own. All state is guarded by
// one mutex, acquired after the peer table's per the documented lock order.
type Engine struct {
	cfg    Config
	logger logging.Logger

	mu           sync.Mutex
	state        State
	term         uint64
	votedFor     *int
	votesGranted map[int]struct{}
	log          []LogEntry
	commitIndex  uint64

	// Current round ack collection. Acks are idempotent per voter; the first
	// recorded vote wins so retried appends cannot double-count.
	curRound uint64
	acks     map[int]Vote
	ackCh    chan struct{}

	// Experiment parameters echoed on every append and heartbeat.
	targetSNR float64
	pNode     float64

	lastHeartbeat time.Time
	lastSNRReport time.Time
	electionAt    time.Time
	rng           *rand.Rand

	sender Sender
	table  *peers.Table
	bus    *pubsub.Broker
	policy VotePolicy
	// experimental switches appends to unconditional acceptance with the
	// policy's vote; the plain path enforces the prev-log check.
	experimental bool
}

// NewEngine creates an engine in the Follower state. bus may be nil. A
// non-nil policy puts the engine in experiment mode: entries append
// unconditionally and the policy decides the ack.
func NewEngine(cfg Config, sender Sender, table *peers.Table, bus *pubsub.Broker, policy VotePolicy) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	experimental := policy != nil
	if policy == nil {
		policy = AlwaysGrant()
	}

	e := &Engine{
		cfg:          cfg,
		logger:       cfg.Logger,
		state:        Follower,
		votesGranted: make(map[int]struct{}),
		acks:         make(map[int]Vote),
		ackCh:        make(chan struct{}, 1),
		rng:          rand.New(rand.NewSource(int64(cfg.ID))),
		sender:       sender,
		table:        table,
		bus:          bus,
		policy:       policy,
		experimental: experimental,
	}
	e.electionAt = time.Now().Add(e.randomElectionTimeout())
	return e
}

// randomElectionTimeout draws from [ElectionTimeoutMin, ElectionTimeoutMax).
// The per-node seed keeps concurrent timeouts spread apart deterministically.
func (e *Engine) randomElectionTimeout() time.Duration {
	span := e.cfg.ElectionTimeoutMax - e.cfg.ElectionTimeoutMin
	return e.cfg.ElectionTimeoutMin + time.Duration(e.rng.Int63n(int64(span)))
}

// State returns the current role.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Term returns the current term.
func (e *Engine) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.term
}

// CommitIndex returns the highest committed round id.
func (e *Engine) CommitIndex() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commitIndex
}

// SetExperimentParams updates the target SNR and p_node echoed on appends
// and heartbeats.
func (e *Engine) SetExperimentParams(targetSNR, pNode float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targetSNR = targetSNR
	e.pNode = pNode
}

// BecomeLeader forces the leader role without an election. The testbed pins
// leadership to the configured leader id at startup.
func (e *Engine) BecomeLeader() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.term == 0 {
		e.term = 1
	}
	e.transitionLocked(Leader)
}

// Tick advances heartbeats, SNR reports and the election timer. The node
// ticker calls it on a short cadence; each duty keeps its own due time.
func (e *Engine) Tick(now time.Time) {
	// Peer table before consensus state, per the lock order.
	var report map[int]float64
	if e.table != nil {
		report = e.table.SNRReport()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == Leader {
		if now.Sub(e.lastHeartbeat) >= e.cfg.HeartbeatInterval {
			e.sendHeartbeatLocked()
			e.lastHeartbeat = now
		}
		if now.Sub(e.lastSNRReport) >= e.cfg.SNRReportInterval {
			e.sendSNRReportLocked(report)
			e.lastSNRReport = now
		}
		return
	}

	if now.After(e.electionAt) {
		e.beginElectionLocked(now)
	}
}

// HandleFrame dispatches one inbound frame. Experiment kinds (EXP_BEGIN,
// SNR_REPORT, GAIN_CMD, EXP_END) are not consensus traffic and are ignored
// here; the experiment role handles them.
func (e *Engine) HandleFrame(in link.Inbound) {
	meta := in.Frame.Meta
	if meta.Dst != wire.DstBroadcast && meta.Dst != strconv.Itoa(e.cfg.ID) {
		return
	}

	switch meta.Kind {
	case wire.KindHeartbeat:
		e.handleHeartbeat(in)
	case wire.KindAppend:
		e.handleAppend(in)
	case wire.KindAppendAck:
		e.handleAppendAck(in)
	case wire.KindRequestVote:
		e.handleRequestVote(in)
	case wire.KindVote:
		e.handleVote(in)
	}
}

// observeTermLocked applies the monotone-term rule to an inbound message and
// reports whether processing should continue. A higher term is always
// adopted; the carrying message is dropped except for REQUEST_VOTE, which
// must be answered in the new term or elections would never conclude.
func (e *Engine) observeTermLocked(term uint64, kind wire.Kind) bool {
	if term > e.term {
		e.logger.Debugf("[ENGINE-%d] [TERM-%d] adopting higher term %d from %s", e.cfg.ID, e.term, term, kind)
		e.adoptTermLocked(term)
		return kind == wire.KindRequestVote
	}
	return term == e.term
}

// adoptTermLocked moves to a higher term, clearing the vote and reverting a
// Leader or Candidate to Follower.
func (e *Engine) adoptTermLocked(term uint64) {
	e.term = term
	e.votedFor = nil
	e.votesGranted = make(map[int]struct{})
	if e.state != Follower {
		e.transitionLocked(Follower)
	}
}

func (e *Engine) transitionLocked(to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	e.logger.Infof("[ENGINE-%d] [TERM-%d] %s -> %s", e.cfg.ID, e.term, from, to)
	if e.bus != nil {
		e.bus.Publish(pubsub.Event{Type: EventStateChanged, Payload: StateChangedPayload{From: from, To: to, Term: e.term}})
		if to == Leader {
			e.bus.Publish(pubsub.Event{Type: EventLeaderElected, Payload: e.term})
		}
	}
}

func (e *Engine) handleHeartbeat(in link.Inbound) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.observeTermLocked(in.Frame.Meta.Term, wire.KindHeartbeat) {
		return
	}
	if e.state == Candidate {
		// A live leader in our term ends the candidacy.
		e.transitionLocked(Follower)
	}
	e.resetElectionTimerLocked(in.ReceivedAt)

	// Answer with a round-less ack. The leader ignores it for voting but the
	// PHY stamps an SNR on it, which is how the leader's peer table learns
	// this node's link quality.
	if e.state == Follower {
		e.sendAckLocked(in.Frame.Meta.Src, 0, e.commitIndex, true)
	}
}

func (e *Engine) handleAppend(in link.Inbound) {
	e.mu.Lock()
	defer e.mu.Unlock()

	meta := in.Frame.Meta
	if meta.Term < e.term {
		// Stale leader; reject so it learns the newer term.
		e.sendAckLocked(meta.Src, meta.RoundID, meta.RoundID, false)
		return
	}
	if !e.observeTermLocked(meta.Term, wire.KindAppend) {
		return
	}
	if e.state == Candidate {
		e.transitionLocked(Follower)
	}

	e.resetElectionTimerLocked(in.ReceivedAt)

	var body wire.AppendBody
	if err := json.Unmarshal(in.Frame.Payload, &body); err != nil {
		e.logger.Debugf("[ENGINE-%d] dropping append with bad body: %v", e.cfg.ID, err)
		return
	}
	if len(body.Entries) == 0 {
		return
	}

	last := body.Entries[len(body.Entries)-1]
	var granted bool
	switch {
	case e.experimental:
		// The reliability experiment appends unconditionally so each round
		// stays an independent trial; the vote is the policy's Bernoulli
		// draw, memoized per round against leader retries.
		e.appendEntriesLocked(body.Entries)
		granted = e.policy.Vote(meta.RoundID)
	case last.Index <= e.lastLogIndexLocked():
		// Leader retry of entries we already hold.
		granted = true
	case body.PrevLogIndex == e.lastLogIndexLocked() && body.PrevLogTerm == e.lastLogTermLocked():
		e.appendEntriesLocked(body.Entries)
		granted = true
	default:
		e.logger.Debugf("[ENGINE-%d] [TERM-%d] prev mismatch: leader (%d,%d) vs local (%d,%d)",
			e.cfg.ID, e.term, body.PrevLogIndex, body.PrevLogTerm, e.lastLogIndexLocked(), e.lastLogTermLocked())
	}

	if body.LeaderCommit > e.commitIndex {
		e.commitIndex = min(body.LeaderCommit, e.lastLogIndexLocked())
	}

	e.sendAckLocked(meta.Src, meta.RoundID, last.Index, granted)
}

// appendEntriesLocked appends entries past the local tail, skipping ones
// already held.
func (e *Engine) appendEntriesLocked(entries []wire.Entry) {
	for _, entry := range entries {
		if entry.Index <= e.lastLogIndexLocked() {
			continue
		}
		e.log = append(e.log, LogEntry{Index: entry.Index, Term: entry.Term, Payload: entry.Payload})
	}
}

func (e *Engine) handleAppendAck(in link.Inbound) {
	e.mu.Lock()
	defer e.mu.Unlock()

	meta := in.Frame.Meta
	if e.state != Leader || !e.observeTermLocked(meta.Term, wire.KindAppendAck) {
		return
	}
	// Round id 0 marks a heartbeat answer; it carries no vote.
	if meta.RoundID == 0 || meta.RoundID != e.curRound {
		return
	}
	if _, dup := e.acks[meta.Src]; dup {
		return
	}

	var body wire.AppendAckBody
	if err := json.Unmarshal(in.Frame.Payload, &body); err != nil {
		return
	}

	e.acks[meta.Src] = Vote{
		RoundID:       meta.RoundID,
		Voter:         meta.Src,
		Granted:       body.Granted,
		ObservedSNRdB: in.SNRdB,
		ReceivedAt:    in.ReceivedAt,
	}
	select {
	case e.ackCh <- struct{}{}:
	default:
	}
}

func (e *Engine) handleRequestVote(in link.Inbound) {
	e.mu.Lock()
	defer e.mu.Unlock()

	meta := in.Frame.Meta
	if !e.observeTermLocked(meta.Term, wire.KindRequestVote) {
		return
	}

	var body wire.RequestVoteBody
	if err := json.Unmarshal(in.Frame.Payload, &body); err != nil {
		return
	}

	granted := false
	if e.votedFor == nil || *e.votedFor == body.CandidateID {
		lastIndex := e.lastLogIndexLocked()
		lastTerm := e.lastLogTermLocked()
		upToDate := body.LastLogTerm > lastTerm ||
			(body.LastLogTerm == lastTerm && body.LastLogIndex >= lastIndex)
		if upToDate {
			granted = true
			candidate := body.CandidateID
			e.votedFor = &candidate
			e.resetElectionTimerLocked(in.ReceivedAt)
		}
	}

	e.logger.Infof("[ENGINE-%d] [TERM-%d] vote for candidate %d: granted=%v", e.cfg.ID, e.term, body.CandidateID, granted)
	e.sendLocked(wire.Metadata{
		Src:  e.cfg.ID,
		Dst:  strconv.Itoa(meta.Src),
		Term: e.term,
		Kind: wire.KindVote,
	}, wire.VoteBody{Granted: granted})
}

func (e *Engine) handleVote(in link.Inbound) {
	e.mu.Lock()
	defer e.mu.Unlock()

	meta := in.Frame.Meta
	if e.state != Candidate || !e.observeTermLocked(meta.Term, wire.KindVote) {
		return
	}

	var body wire.VoteBody
	if err := json.Unmarshal(in.Frame.Payload, &body); err != nil || !body.Granted {
		return
	}

	e.votesGranted[meta.Src] = struct{}{}
	if len(e.votesGranted) > e.cfg.Total/2 {
		e.logger.Infof("[ENGINE-%d] [TERM-%d] won election with %d vote(s)", e.cfg.ID, e.term, len(e.votesGranted))
		e.transitionLocked(Leader)
		e.lastHeartbeat = time.Time{} // heartbeat on the next tick
	}
}

// beginElectionLocked starts a new election: bump the term, vote for self,
// solicit the cluster.
func (e *Engine) beginElectionLocked(now time.Time) {
	e.term++
	e.transitionLocked(Candidate)
	self := e.cfg.ID
	e.votedFor = &self
	e.votesGranted = map[int]struct{}{self: {}}
	e.electionAt = now.Add(e.randomElectionTimeout())

	e.logger.Infof("[ENGINE-%d] [TERM-%d] election timeout expired, starting election", e.cfg.ID, e.term)
	e.sendLocked(wire.Metadata{
		Src:  e.cfg.ID,
		Dst:  wire.DstBroadcast,
		Term: e.term,
		Kind: wire.KindRequestVote,
	}, wire.RequestVoteBody{
		CandidateID:  e.cfg.ID,
		LastLogIndex: e.lastLogIndexLocked(),
		LastLogTerm:  e.lastLogTermLocked(),
	})
}

// Propose starts a new round: append the entry (oracle bit stays local) and
// broadcast it. Only the leader may propose.
func (e *Engine) Propose(roundID uint64, payload []byte, groundTruth bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Leader {
		return fmt.Errorf("propose: node %d is %s, not Leader", e.cfg.ID, e.state)
	}

	e.log = append(e.log, LogEntry{
		Index:       roundID,
		Term:        e.term,
		Payload:     payload,
		GroundTruth: groundTruth,
	})
	e.curRound = roundID
	e.acks = make(map[int]Vote)
	e.broadcastRoundLocked(roundID)
	return nil
}

// ResendRound re-broadcasts the append for an in-flight round. Recorded acks
// are kept; followers memoize their vote per round so a resend cannot grant
// a second Bernoulli draw.
func (e *Engine) ResendRound(roundID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Leader || roundID != e.curRound {
		return fmt.Errorf("resend: round %d is not in flight", roundID)
	}
	e.broadcastRoundLocked(roundID)
	return nil
}

func (e *Engine) broadcastRoundLocked(roundID uint64) {
	var entry *LogEntry
	var prevIndex, prevTerm uint64
	for i := range e.log {
		if e.log[i].Index == roundID {
			entry = &e.log[i]
			if i > 0 {
				prevIndex = e.log[i-1].Index
				prevTerm = e.log[i-1].Term
			}
			break
		}
	}
	if entry == nil {
		return
	}

	e.sendLocked(wire.Metadata{
		Src:     e.cfg.ID,
		Dst:     wire.DstBroadcast,
		Term:    e.term,
		Kind:    wire.KindAppend,
		RoundID: roundID,
	}, wire.AppendBody{
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      []wire.Entry{{Index: entry.Index, Term: entry.Term, Payload: entry.Payload}},
		LeaderCommit: e.commitIndex,
		TargetSNR:    e.targetSNR,
		PNode:        e.pNode,
	})
}

// Acks returns the votes recorded so far for a round, sorted by voter id.
func (e *Engine) Acks(roundID uint64) []Vote {
	e.mu.Lock()
	defer e.mu.Unlock()

	if roundID != e.curRound {
		return nil
	}
	votes := make([]Vote, 0, len(e.acks))
	for _, v := range e.acks {
		votes = append(votes, v)
	}
	sort.Slice(votes, func(i, j int) bool { return votes[i].Voter < votes[j].Voter })
	return votes
}

// AckSignal pulses whenever a new ack lands for the current round.
func (e *Engine) AckSignal() <-chan struct{} { return e.ackCh }

// MarkCommitted advances the commit index after the weighted rule accepted
// the round. A committed round is never retracted.
func (e *Engine) MarkCommitted(roundID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if roundID > e.commitIndex {
		e.commitIndex = roundID
	}
}

// GroundTruth looks up the oracle bit the leader stored for a round.
func (e *Engine) GroundTruth(roundID uint64) (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.log {
		if e.log[i].Index == roundID {
			return e.log[i].GroundTruth, true
		}
	}
	return false, false
}

func (e *Engine) sendHeartbeatLocked() {
	e.sendLocked(wire.Metadata{
		Src:  e.cfg.ID,
		Dst:  wire.DstBroadcast,
		Term: e.term,
		Kind: wire.KindHeartbeat,
	}, wire.AppendBody{
		LeaderCommit: e.commitIndex,
		TargetSNR:    e.targetSNR,
		PNode:        e.pNode,
	})
}

func (e *Engine) sendSNRReportLocked(report map[int]float64) {
	if len(report) == 0 {
		return
	}
	e.sendLocked(wire.Metadata{
		Src:  e.cfg.ID,
		Dst:  wire.DstBroadcast,
		Term: e.term,
		Kind: wire.KindSNRReport,
	}, wire.SNRReportBody{Report: report, TargetSNR: e.targetSNR})
}

func (e *Engine) sendAckLocked(dst int, roundID, index uint64, granted bool) {
	e.sendLocked(wire.Metadata{
		Src:     e.cfg.ID,
		Dst:     strconv.Itoa(dst),
		Term:    e.term,
		Kind:    wire.KindAppendAck,
		RoundID: roundID,
	}, wire.AppendAckBody{Index: index, Granted: granted})
}

func (e *Engine) sendLocked(meta wire.Metadata, body interface{}) {
	f, err := wire.NewFrame(meta, body)
	if err != nil {
		e.logger.Errorf("[ENGINE-%d] build %s frame: %v", e.cfg.ID, meta.Kind, err)
		return
	}
	if err := e.sender.Send(f); err != nil {
		e.logger.Warnf("[ENGINE-%d] send %s: %v", e.cfg.ID, meta.Kind, err)
	}
}

func (e *Engine) resetElectionTimerLocked(now time.Time) {
	e.electionAt = now.Add(e.randomElectionTimeout())
}

func (e *Engine) lastLogIndexLocked() uint64 {
	if len(e.log) == 0 {
		return 0
	}
	return e.log[len(e.log)-1].Index
}

func (e *Engine) lastLogTermLocked() uint64 {
	if len(e.log) == 0 {
		return 0
	}
	return e.log[len(e.log)-1].Term
}
