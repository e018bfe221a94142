package rounds

import (
	"math/rand"
	"time"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/consensus"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/logging"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/metrics"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/peers"
)

// RoundOutcome is the append-only record of one voting round.
type RoundOutcome struct {
	RoundID       uint64  `json:"round_id"`
	NEff          int     `json:"n_eff"`
	WeightedYes   float64 `json:"weighted_yes"`
	WeightedTotal float64 `json:"weighted_total"`
	Committed     bool    `json:"committed"`
	Correct       bool    `json:"correct"`
	LatencyMs     float32 `json:"latency_ms"`
}

// Config holds the per-round timing knobs.
type Config struct {
	// VoteDeadline bounds how long the driver waits for acks.
	VoteDeadline time.Duration
	// RetryInterval paces append re-broadcasts inside the deadline.
	RetryInterval time.Duration
	// MaxRetries caps the re-broadcasts per round.
	MaxRetries int
	// Seed makes the ground-truth oracle reproducible across runs.
	Seed int64
}

// DefaultConfig returns the round timing used by the testbed.
func DefaultConfig() Config {
	return Config{
		VoteDeadline:  500 * time.Millisecond,
		RetryInterval: 150 * time.Millisecond,
		MaxRetries:    3,
	}
}

// Driver executes voting rounds sequentially on the leader. A round is
// propose -> collect acks until the deadline -> weighted commit -> outcome;
// the next round never starts before the previous one is decided.
type Driver struct {
	cfg    Config
	engine *consensus.Engine
	table  *peers.Table
	logger logging.Logger
	stats  *metrics.Metrics

	leaderID int
	// voteRNG draws the leader's own Bernoulli vote. Seeded from wall clock
	// at construction; not reproducible and not meant to be.
	voteRNG *rand.Rand

	shutdownCh <-chan struct{}
}

// NewDriver creates a round driver. stats may be nil; shutdownCh aborts an
// in-flight round when closed.
func NewDriver(cfg Config, engine *consensus.Engine, table *peers.Table, leaderID int, logger logging.Logger, stats *metrics.Metrics, shutdownCh <-chan struct{}) *Driver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Driver{
		cfg:        cfg,
		engine:     engine,
		table:      table,
		logger:     logger,
		stats:      stats,
		leaderID:   leaderID,
		voteRNG:    rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(leaderID))),
		shutdownCh: shutdownCh,
	}
}

// GroundTruth derives the oracle bit for a round from the configured seed; a
// fair coin reproducible from (seed, round) and nothing else.
func (d *Driver) GroundTruth(roundID uint64) bool {
	rng := rand.New(rand.NewSource(d.cfg.Seed + int64(roundID)))
	return rng.Intn(2) == 1
}

// Run executes one round against the current cell parameters and returns its
// outcome. nTarget masks which voters count; pNode drives the leader's own
// Bernoulli vote; targetSNR seeds the leader's virtual SNR when no follower
// answered.
func (d *Driver) Run(roundID uint64, nTarget int, pNode, targetSNR float64, payload []byte) RoundOutcome {
	start := time.Now()
	groundTruth := d.GroundTruth(roundID)

	outcome := RoundOutcome{RoundID: roundID}
	if err := d.engine.Propose(roundID, payload, groundTruth); err != nil {
		// Lost leadership (or shutdown race): the round is uncommitted.
		d.logger.Warnf("[ROUND-%d] propose failed: %v", roundID, err)
		return outcome
	}

	d.collect(roundID, nTarget, time.Now().Add(d.cfg.VoteDeadline))

	select {
	case <-d.shutdownCh:
		// Shutdown aborts the round; it is recorded uncommitted.
		d.logger.Warnf("[ROUND-%d] aborted by shutdown", roundID)
		return outcome
	default:
	}

	votes := d.engine.Acks(roundID)
	leaderGranted := d.voteRNG.Float64() < pNode
	decision := consensus.DecideWeighted(votes, d.snapshotSNR(), nTarget, d.leaderID, leaderGranted, targetSNR)

	if decision.Committed {
		d.engine.MarkCommitted(roundID)
	}

	outcome = RoundOutcome{
		RoundID:       roundID,
		NEff:          decision.NEff,
		WeightedYes:   decision.WeightedYes,
		WeightedTotal: decision.WeightedTotal,
		Committed:     decision.Committed,
		Correct:       decision.Committed == groundTruth,
		LatencyMs:     float32(time.Since(start).Microseconds()) / 1000.0,
	}

	if d.stats != nil {
		d.stats.RecordRound(outcome.Committed)
		d.stats.RecordRoundLatency(time.Since(start))
	}
	d.logger.Debugf("[ROUND-%d] n_eff=%d W_yes=%.3f W_tot=%.3f committed=%v correct=%v",
		roundID, outcome.NEff, outcome.WeightedYes, outcome.WeightedTotal, outcome.Committed, outcome.Correct)
	return outcome
}

// collect waits for acks until the deadline, re-broadcasting the append at
// the retry cadence. It returns early once every masked follower has voted.
func (d *Driver) collect(roundID uint64, nTarget int, deadline time.Time) {
	retries := 0
	retryAt := time.Now().Add(d.cfg.RetryInterval)

	for {
		now := time.Now()
		if !now.Before(deadline) {
			return
		}
		if d.haveAllVotes(roundID, nTarget) {
			return
		}

		wait := deadline.Sub(now)
		if untilRetry := retryAt.Sub(now); retries < d.cfg.MaxRetries && untilRetry < wait {
			wait = untilRetry
		}
		if wait < 0 {
			wait = 0
		}

		select {
		case <-d.engine.AckSignal():
		case <-time.After(wait):
		case <-d.shutdownCh:
			return
		}

		if retries < d.cfg.MaxRetries && !time.Now().Before(retryAt) {
			if err := d.engine.ResendRound(roundID); err != nil {
				return
			}
			retries++
			retryAt = time.Now().Add(d.cfg.RetryInterval)
		}
	}
}

// haveAllVotes reports whether every follower inside the mask has an ack on
// record.
func (d *Driver) haveAllVotes(roundID uint64, nTarget int) bool {
	votes := d.engine.Acks(roundID)
	voted := make(map[int]struct{}, len(votes))
	for _, v := range votes {
		voted[v.Voter] = struct{}{}
	}
	for id := 1; id <= nTarget; id++ {
		if id == d.leaderID {
			continue
		}
		if _, ok := voted[id]; !ok {
			return false
		}
	}
	return true
}

func (d *Driver) snapshotSNR() map[int]float64 {
	if d.table == nil {
		return nil
	}
	out := make(map[int]float64)
	for id, p := range d.table.Snapshot() {
		if p.HasSNR {
			out[id] = p.EwmaSNRdB
		}
	}
	return out
}
