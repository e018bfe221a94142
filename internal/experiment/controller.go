package experiment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/consensus"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/logging"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/peers"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/rounds"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/storage"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/wire"
)

// ControllerConfig parameterizes the three-level grid walk.
type ControllerConfig struct {
	NodeID     int
	TotalNodes int

	SNRLevels   []float64
	PNodeLevels []float64
	NLevels     []int

	RoundsPerCell int
	VoteDeadline  time.Duration
	// StabilizeTime is the minimum wait after switching SNR tiers.
	StabilizeTime time.Duration
	// MinPeers is how many peers must track the target before rounds start.
	MinPeers int

	// OutputDir receives the result artifact.
	OutputDir string
	Seed      int64

	Logger logging.Logger
}

// Stabilization constants: the tier is considered reached after
// requiredStableSamples consecutive in-tolerance samples, never waiting
// longer than the hard cap.
const (
	snrToleranceDB        = 3.0
	stabilizeSample       = 500 * time.Millisecond
	stabilizeHardCap      = 60 * time.Second
	requiredStableSamples = 3

	expBeginRepeats  = 3
	expBeginSpacing  = 40 * time.Millisecond
	interRoundGap    = 20 * time.Millisecond
	pNodeSettleDelay = 200 * time.Millisecond
)

// Controller walks the (SNR, p_node, n) grid from the leader, runs the
// configured number of rounds per cell and derives the result artifact from
// the append-only outcome store.
type Controller struct {
	cfg    ControllerConfig
	logger logging.Logger

	engine *consensus.Engine
	driver *rounds.Driver
	table  *peers.Table
	store  storage.OutcomeStore
	sender consensus.Sender

	runID      string
	shutdownCh <-chan struct{}
}

// NewController assembles the leader-side experiment controller.
func NewController(cfg ControllerConfig, engine *consensus.Engine, driver *rounds.Driver, table *peers.Table, store storage.OutcomeStore, sender consensus.Sender, shutdownCh <-chan struct{}) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Controller{
		cfg:        cfg,
		logger:     cfg.Logger,
		engine:     engine,
		driver:     driver,
		table:      table,
		store:      store,
		sender:     sender,
		runID:      uuid.New().String(),
		shutdownCh: shutdownCh,
	}
}

// RunID returns the identifier stamped into the artifact.
func (c *Controller) RunID() string { return c.runID }

// Run walks the full grid and writes the artifact. It returns the artifact
// path. An aborted run still writes what it has.
func (c *Controller) Run() (string, error) {
	startedAt := time.Now()
	c.logger.Infof("[CTRL] run %s: %d SNR tier(s) x %d p_node level(s) x %d n level(s), %d round(s)/cell",
		c.runID, len(c.cfg.SNRLevels), len(c.cfg.PNodeLevels), len(c.cfg.NLevels), c.cfg.RoundsPerCell)

	roundID := uint64(1)
	pNode := 1.0

walk:
	for _, snr := range c.cfg.SNRLevels {
		c.engine.SetExperimentParams(snr, pNode)
		c.broadcastExpBegin(wire.ExpBeginBody{TargetSNR: &snr})
		c.waitForSNRStable(snr)

		for _, p := range c.cfg.PNodeLevels {
			pNode = p
			c.engine.SetExperimentParams(snr, p)
			c.broadcastExpBegin(wire.ExpBeginBody{PNode: &p})
			if c.sleepOrShutdown(pNodeSettleDelay) {
				break walk
			}

			for _, n := range c.cfg.NLevels {
				if c.runCell(snr, p, n, &roundID) {
					break walk
				}
			}
		}
	}

	c.broadcastExpEnd()
	return c.writeArtifact(startedAt)
}

// runCell executes one grid cell. It reports true when the run should abort.
func (c *Controller) runCell(snr, p float64, n int, roundID *uint64) bool {
	committed, correct, both := 0, 0, 0
	for k := 0; k < c.cfg.RoundsPerCell; k++ {
		select {
		case <-c.shutdownCh:
			return true
		default:
		}

		payload := []byte(fmt.Sprintf("DECISION_%d", *roundID))
		outcome := c.driver.Run(*roundID, n, p, snr, payload)
		*roundID++

		if outcome.Committed {
			committed++
		}
		if outcome.Correct {
			correct++
		}
		if outcome.Committed && outcome.Correct {
			both++
		}

		if err := c.store.Append(storage.Record{SNR: snr, PNode: p, N: n, Outcome: outcome}); err != nil {
			c.logger.Errorf("[CTRL] record round %d: %v", outcome.RoundID, err)
		}

		// Cooldown between rounds keeps the hub's buffers quiet.
		if c.sleepOrShutdown(interRoundGap) {
			return true
		}
	}

	pSys := 0.0
	if c.cfg.RoundsPerCell > 0 {
		pSys = float64(both) / float64(c.cfg.RoundsPerCell)
	}
	c.logger.Infof("[cell snr=%.1f p=%.1f n=%d] committed=%d/%d correct=%d/%d P_sys=%.2f",
		snr, p, n, committed, c.cfg.RoundsPerCell, correct, c.cfg.RoundsPerCell, pSys)
	return false
}

// waitForSNRStable blocks until the tier is reached: the minimum stabilize
// time has elapsed AND min_peers peers held the target within tolerance for
// three consecutive samples, or the hard cap expired.
func (c *Controller) waitForSNRStable(target float64) {
	c.logger.Infof("[CTRL] waiting for SNR to stabilize at %.1f dB", target)

	start := time.Now()
	stable := 0
	for {
		if c.sleepOrShutdown(stabilizeSample) {
			return
		}

		inTolerance := 0
		for _, p := range c.table.Snapshot() {
			if p.Liveness == peers.Dead || !p.HasSNR {
				continue
			}
			if diff := p.EwmaSNRdB - target; diff <= snrToleranceDB && diff >= -snrToleranceDB {
				inTolerance++
			}
		}

		if inTolerance >= c.cfg.MinPeers {
			stable++
		} else {
			stable = 0
		}

		elapsed := time.Since(start)
		if elapsed >= c.cfg.StabilizeTime && stable >= requiredStableSamples {
			c.logger.Infof("[CTRL] SNR stable at %.1f dB after %.1fs (%d peer(s) in tolerance)",
				target, elapsed.Seconds(), inTolerance)
			return
		}
		if elapsed >= stabilizeHardCap {
			c.logger.Warnf("[CTRL] SNR stabilization timed out after %.0fs, continuing", elapsed.Seconds())
			return
		}
	}
}

func (c *Controller) broadcastExpBegin(body wire.ExpBeginBody) {
	for i := 0; i < expBeginRepeats; i++ {
		c.send(wire.KindExpBegin, body)
		if i < expBeginRepeats-1 && c.sleepOrShutdown(expBeginSpacing) {
			return
		}
	}
}

func (c *Controller) broadcastExpEnd() {
	for i := 0; i < expBeginRepeats; i++ {
		c.send(wire.KindExpEnd, nil)
		if i < expBeginRepeats-1 && c.sleepOrShutdown(expBeginSpacing) {
			return
		}
	}
}

func (c *Controller) send(kind wire.Kind, body interface{}) {
	f, err := wire.NewFrame(wire.Metadata{
		Src:  c.cfg.NodeID,
		Dst:  wire.DstBroadcast,
		Term: c.engine.Term(),
		Kind: kind,
	}, body)
	if err != nil {
		c.logger.Errorf("[CTRL] build %s frame: %v", kind, err)
		return
	}
	if err := c.sender.Send(f); err != nil {
		c.logger.Warnf("[CTRL] send %s: %v", kind, err)
	}
}

func (c *Controller) writeArtifact(startedAt time.Time) (string, error) {
	recs, err := c.store.List()
	if err != nil {
		return "", fmt.Errorf("read outcome store: %w", err)
	}

	artifact := Artifact{
		Config: RunConfig{
			RunID:         c.runID,
			NodeID:        c.cfg.NodeID,
			TotalNodes:    c.cfg.TotalNodes,
			SNRLevels:     c.cfg.SNRLevels,
			PNodeLevels:   c.cfg.PNodeLevels,
			NLevels:       c.cfg.NLevels,
			RoundsPerCell: c.cfg.RoundsPerCell,
			VoteDeadlineS: c.cfg.VoteDeadline.Seconds(),
			StabilizeS:    c.cfg.StabilizeTime.Seconds(),
			StartedAt:     startedAt,
			FinishedAt:    time.Now(),
		},
		Cells:  AggregateCells(recs),
		Rounds: recs,
	}

	path, err := WriteArtifact(c.cfg.OutputDir, artifact)
	if err != nil {
		return "", err
	}
	c.logger.Infof("[CTRL] results written to %s (%d round(s), %d cell(s))", path, len(recs), len(artifact.Cells))
	return path, nil
}

// sleepOrShutdown waits d and reports whether shutdown was requested.
func (c *Controller) sleepOrShutdown(d time.Duration) bool {
	select {
	case <-c.shutdownCh:
		return true
	case <-time.After(d):
		return false
	}
}
