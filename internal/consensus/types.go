package consensus

import (
	"time"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/logging"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/pubsub"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/wire"
)

// A State is the role of a node in the cluster at any given point.
type State uint64

const (
	Follower State = iota
	Candidate
	Leader
)

// String returns the string representation of the State.
func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// LogEntry is one replicated entry. GroundTruth is the oracle bit the leader
// scores correctness against; it lives only in leader memory and is excluded
// from every serialization (wire.Entry has no such field).
type LogEntry struct {
	Index       uint64
	Term        uint64
	Payload     []byte
	GroundTruth bool `json:"-"`
}

// Vote is one follower's recorded answer for a round. Granted=false is an
// explicit "no"; a missing Vote means the ack never arrived.
type Vote struct {
	RoundID       uint64
	Voter         int
	Granted       bool
	ObservedSNRdB float64
	ReceivedAt    time.Time
}

// VotePolicy decides how this node answers an APPEND with entries. The
// default policy grants unconditionally; the reliability experiment swaps in
// a Bernoulli policy.
type VotePolicy interface {
	Vote(roundID uint64) bool
}

type alwaysGrant struct{}

func (alwaysGrant) Vote(uint64) bool { return true }

// AlwaysGrant returns the default acceptance policy.
func AlwaysGrant() VotePolicy { return alwaysGrant{} }

// Sender transmits one frame toward the PHY.
type Sender interface {
	Send(f wire.Frame) error
}

// Events published on the node bus.
const (
	// EventStateChanged fires on every role transition. Payload: StateChangedPayload.
	EventStateChanged pubsub.EventType = iota
	// EventLeaderElected fires whenever this node becomes Leader, by winning an
	// election or through BecomeLeader. Payload: uint64 term.
	EventLeaderElected
)

// StateChangedPayload travels with EventStateChanged events.
type StateChangedPayload struct {
	From State
	To   State
	Term uint64
}

// Config holds the consensus engine parameters.
type Config struct {
	// ID is this node's cluster id.
	ID int
	// LeaderID pins the expected leader. Elections still run if it dies.
	LeaderID int
	// Total is the cluster size used for election majorities.
	Total int

	// HeartbeatInterval is the cadence of the leader's empty append.
	HeartbeatInterval time.Duration
	// SNRReportInterval is the cadence of the leader's SNR_REPORT broadcast.
	SNRReportInterval time.Duration
	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized
	// follower election timeout. The per-node draw is seeded by ID so runs
	// are reproducible.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	Logger logging.Logger
}

// DefaultConfig returns the engine timing used by the testbed.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  150 * time.Millisecond,
		SNRReportInterval:  500 * time.Millisecond,
		ElectionTimeoutMin: 1500 * time.Millisecond,
		ElectionTimeoutMax: 3000 * time.Millisecond,
	}
}
