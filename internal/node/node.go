package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/consensus"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/experiment"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/link"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/logging"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/metrics"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/peers"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/phyctrl"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/pubsub"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/rounds"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/storage"
)

// tickEvery is the base cadence of the maintenance worker. Each duty keeps
// its own due time on top of it (heartbeats at 150 ms, peer liveness and the
// gain loop at 500 ms).
const tickEvery = 50 * time.Millisecond

const slowTickEvery = 500 * time.Millisecond

// Config is the full node configuration assembled from the CLI.
type Config struct {
	ID       int
	Total    int
	LeaderID int

	TxPort   int
	RxPort   int
	CtrlPort int // follower only; 0 means no PHY control endpoint

	// Leader experiment parameters.
	SNRLevels     []float64
	PNodeLevels   []float64
	NLevels       []int
	RoundsPerCell int
	VoteDeadline  time.Duration
	StabilizeTime time.Duration
	MinPeers      int
	OutcomeDB     string
	OutputDir     string
	Seed          int64

	// Follower experiment parameters.
	TargetSNR      float64
	InitGain       float64
	PNode          float64
	StatusInterval time.Duration

	Logger logging.Logger
}

// Validate rejects configurations the run could not survive.
func (c *Config) Validate() error {
	if c.ID <= 0 || c.ID > 255 {
		return fmt.Errorf("node id %d out of range [1,255]", c.ID)
	}
	if c.Total <= 0 || c.ID > c.Total {
		return fmt.Errorf("cluster size %d does not include node %d", c.Total, c.ID)
	}
	if c.LeaderID <= 0 {
		return fmt.Errorf("leader id %d out of range", c.LeaderID)
	}
	if c.TxPort <= 0 || c.RxPort <= 0 {
		return fmt.Errorf("tx/rx ports are required")
	}
	if c.IsLeader() {
		if len(c.SNRLevels) == 0 || len(c.PNodeLevels) == 0 || len(c.NLevels) == 0 {
			return fmt.Errorf("leader requires snr, p_node and n levels")
		}
		if c.RoundsPerCell <= 0 {
			return fmt.Errorf("rounds per cell must be positive")
		}
		for _, n := range c.NLevels {
			if n <= 0 || n > c.Total {
				return fmt.Errorf("n level %d out of range [1,%d]", n, c.Total)
			}
		}
	} else {
		if c.PNode < 0 || c.PNode > 1 {
			return fmt.Errorf("p_node %.2f out of range [0,1]", c.PNode)
		}
		if c.InitGain < 0 || c.InitGain > 1 {
			return fmt.Errorf("init gain %.2f out of range [0,1]", c.InitGain)
		}
	}
	return nil
}

// IsLeader reports whether this node runs the experiment controller.
func (c *Config) IsLeader() bool { return c.ID == c.LeaderID }

// Node wires the link, peer table, consensus engine and experiment role
// together and owns the long-lived workers.
type Node struct {
	cfg    Config
	logger logging.Logger

	stats  *metrics.Metrics
	link   *link.Link
	table  *peers.Table
	bus    *pubsub.Broker
	engine *consensus.Engine

	policy *experiment.BernoulliPolicy
	role   *experiment.FollowerRole
	phy    *phyctrl.Client

	store storage.OutcomeStore
	ctrl  *experiment.Controller

	events chan pubsub.Event

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// New builds a node from a validated configuration.
func New(cfg Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	n := &Node{
		cfg:        cfg,
		logger:     cfg.Logger,
		stats:      metrics.New(),
		bus:        pubsub.NewBroker(),
		events:     make(chan pubsub.Event, 16),
		shutdownCh: make(chan struct{}),
	}

	n.table = peers.NewTable(cfg.Logger)
	n.link = link.New(link.Config{NodeID: cfg.ID, TxPort: cfg.TxPort, RxPort: cfg.RxPort}, cfg.Logger, n.stats)

	engineCfg := consensus.DefaultConfig()
	engineCfg.ID = cfg.ID
	engineCfg.LeaderID = cfg.LeaderID
	engineCfg.Total = cfg.Total
	engineCfg.Logger = cfg.Logger

	var policy consensus.VotePolicy
	if !cfg.IsLeader() {
		n.policy = experiment.NewBernoulliPolicy(cfg.PNode, int64(cfg.ID)+time.Now().UnixNano())
		policy = n.policy
	}
	n.engine = consensus.NewEngine(engineCfg, n.link, n.table, n.bus, policy)

	if !cfg.IsLeader() {
		n.role = experiment.NewFollowerRole(experiment.FollowerConfig{
			ID:         cfg.ID,
			TargetSNR:  cfg.TargetSNR,
			InitGain:   cfg.InitGain,
			StatusEach: cfg.StatusInterval,
			Logger:     cfg.Logger,
		}, n.policy, nil)
	}

	n.bus.Subscribe(consensus.EventStateChanged, n.events)
	return n, nil
}

// Start brings the node up: PHY control bring-up (follower), socket bind,
// workers. Bind failures are fatal; control-endpoint failures are not.
func (n *Node) Start() error {
	if !n.cfg.IsLeader() && n.cfg.CtrlPort > 0 {
		phy, err := phyctrl.NewClient(n.cfg.CtrlPort, n.logger)
		if err != nil {
			return fmt.Errorf("phy control client: %w", err)
		}
		n.phy = phy
		if err := phy.WaitReady(); err != nil {
			// ControlError: the gain loop will hold until the PHY shows up.
			n.logger.Warnf("[NODE-%d] %v", n.cfg.ID, err)
		} else if err := phy.SetTxGain(n.cfg.InitGain); err != nil {
			n.logger.Warnf("[NODE-%d] set initial gain: %v", n.cfg.ID, err)
		}
		n.role.SetGainSetter(phy)
	}

	if err := n.link.Start(); err != nil {
		return err
	}

	if n.cfg.IsLeader() {
		n.engine.BecomeLeader()

		var store storage.OutcomeStore
		if n.cfg.OutcomeDB != "" {
			boltStore, err := storage.NewBoltStore(n.cfg.OutcomeDB)
			if err != nil {
				n.link.Stop()
				return err
			}
			store = boltStore
		} else {
			store = storage.NewMemoryStore()
		}
		n.store = store

		driver := rounds.NewDriver(rounds.Config{
			VoteDeadline:  n.cfg.VoteDeadline,
			RetryInterval: 150 * time.Millisecond,
			MaxRetries:    3,
			Seed:          n.cfg.Seed,
		}, n.engine, n.table, n.cfg.ID, n.logger, n.stats, n.shutdownCh)

		n.ctrl = experiment.NewController(experiment.ControllerConfig{
			NodeID:        n.cfg.ID,
			TotalNodes:    n.cfg.Total,
			SNRLevels:     n.cfg.SNRLevels,
			PNodeLevels:   n.cfg.PNodeLevels,
			NLevels:       n.cfg.NLevels,
			RoundsPerCell: n.cfg.RoundsPerCell,
			VoteDeadline:  n.cfg.VoteDeadline,
			StabilizeTime: n.cfg.StabilizeTime,
			MinPeers:      n.cfg.MinPeers,
			OutputDir:     n.cfg.OutputDir,
			Seed:          n.cfg.Seed,
			Logger:        n.logger,
		}, n.engine, driver, n.table, store, n.link, n.shutdownCh)
	}

	n.wg.Add(3)
	go n.receiver()
	go n.ticker()
	go n.watchEvents()

	n.logger.Infof("[NODE-%d] started as %s (cluster size %d)", n.cfg.ID, roleName(n.cfg.IsLeader()), n.cfg.Total)
	return nil
}

// Run blocks until the node's work is done: the grid walk on the leader, the
// shutdown signal on a follower. It returns the artifact path on the leader.
func (n *Node) Run() (string, error) {
	if n.cfg.IsLeader() {
		return n.ctrl.Run()
	}
	<-n.shutdownCh
	return "", nil
}

// Shutdown sets the shutdown flag without tearing resources down. Workers
// and an in-flight grid walk notice it at their next suspension point; the
// controller still gets to write its artifact before Stop.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		close(n.shutdownCh)
	})
}

// Stop tears the node down. Safe to call more than once.
func (n *Node) Stop() {
	n.Shutdown()
	n.link.Stop()
	n.wg.Wait()
	n.bus.Close()
	if n.store != nil {
		n.store.Close()
	}
	if n.phy != nil {
		n.phy.Close()
	}

	report := n.stats.GetReport()
	n.logger.Infof("[NODE-%d] stopped: %d frame(s) sent, %d received, %d dropped, %d rounds (%d committed)",
		n.cfg.ID, report.FramesSent, report.FramesReceived, report.FramesDropped, report.RoundsRun, report.RoundsCommitted)
}

// receiver drains the link's inbound queue and dispatches each frame to the
// peer table, the consensus engine and the follower role, in that order.
func (n *Node) receiver() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdownCh:
			return
		case in, ok := <-n.link.Inbound():
			if !ok {
				return
			}
			n.table.Observe(in.Frame.Meta.Src, in.SNRdB, in.HasSNR, in.ReceivedAt)
			n.engine.HandleFrame(in)
			if n.role != nil {
				n.role.HandleFrame(in)
			}
		}
	}
}

// ticker runs the periodic duties: the consensus engine every tick, peer
// liveness and the follower gain loop on the slow cadence.
func (n *Node) ticker() {
	defer n.wg.Done()

	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()

	lastSlow := time.Now()
	for {
		select {
		case <-n.shutdownCh:
			return
		case now := <-ticker.C:
			n.engine.Tick(now)
			if now.Sub(lastSlow) >= slowTickEvery {
				lastSlow = now
				n.table.Tick(now)
				if n.role != nil {
					n.role.GainTick(now)
					n.role.StatusTick(now)
				}
			}
		}
	}
}

// watchEvents logs role transitions published by the engine. A follower that
// wins an election after a leader crash shows up here.
func (n *Node) watchEvents() {
	defer n.wg.Done()

	for {
		select {
		case <-n.shutdownCh:
			return
		case ev, ok := <-n.events:
			if !ok {
				return
			}
			if sc, ok := ev.Payload.(consensus.StateChangedPayload); ok {
				n.logger.Infof("[NODE-%d] role change: %s -> %s (term %d)", n.cfg.ID, sc.From, sc.To, sc.Term)
			}
		}
	}
}

func roleName(leader bool) string {
	if leader {
		return "Leader"
	}
	return "Follower"
}
