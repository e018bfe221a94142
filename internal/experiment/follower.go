package experiment

import (
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/link"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/logging"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/wire"
)

// Gain-control law: proportional with clamp and dead-band. The leader's SNR
// report is the feedback signal; with no report for holdAfter the loop holds.
const (
	gainPerDB    = 0.02
	gainDeadband = 1.0 // dB
	gainMin      = 0.0
	gainMax      = 1.0
	holdAfter    = 3 * time.Second
)

// GainSetter pushes a transmit gain to the local PHY. phyctrl.Client
// implements it; tests substitute a recorder.
type GainSetter interface {
	SetTxGain(value float64) error
}

// FollowerConfig parameterizes the follower experiment role.
type FollowerConfig struct {
	ID         int
	TargetSNR  float64
	InitGain   float64
	StatusEach time.Duration

	Logger logging.Logger
}

// FollowerRole implements the follower's two experiment duties: the
// Bernoulli vote policy (shared with the consensus engine) and the
// closed-loop transmit-gain adjustment toward the leader's target SNR.
type FollowerRole struct {
	cfg    FollowerConfig
	logger logging.Logger
	policy *BernoulliPolicy
	phy    GainSetter

	mu           sync.Mutex
	targetSNR    float64
	observedSNR  float64
	lastReportAt time.Time
	gain         float64
	gainAdjusts  int
	lastStatus   time.Time
}

// NewFollowerRole wires the role to its vote policy and PHY client. phy may
// be nil when no control endpoint is available (pure simulation); the loop
// then only tracks state.
func NewFollowerRole(cfg FollowerConfig, policy *BernoulliPolicy, phy GainSetter) *FollowerRole {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &FollowerRole{
		cfg:       cfg,
		logger:    cfg.Logger,
		policy:    policy,
		phy:       phy,
		targetSNR: cfg.TargetSNR,
		gain:      cfg.InitGain,
	}
}

// SetGainSetter attaches the PHY client once bring-up succeeds. Gains
// adjusted before that are held locally only.
func (r *FollowerRole) SetGainSetter(phy GainSetter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phy = phy
}

// HandleFrame consumes the experiment-plane kinds. Consensus kinds are the
// engine's business; the role only reads the experiment fields that ride on
// appends and heartbeats.
func (r *FollowerRole) HandleFrame(in link.Inbound) {
	switch in.Frame.Meta.Kind {
	case wire.KindHeartbeat, wire.KindAppend:
		var body wire.AppendBody
		if err := json.Unmarshal(in.Frame.Payload, &body); err != nil {
			return
		}
		r.adoptParams(body.TargetSNR, body.PNode)
	case wire.KindSNRReport:
		r.handleSNRReport(in)
	case wire.KindExpBegin:
		r.handleExpBegin(in)
	case wire.KindExpEnd:
		total, yes := r.policy.Stats()
		r.logger.Infof("[FOLLOWER-%d] experiment finished: voted %d round(s), %d yes", r.cfg.ID, total, yes)
	case wire.KindGainCmd:
		r.handleGainCmd(in)
	}
}

func (r *FollowerRole) handleSNRReport(in link.Inbound) {
	var body wire.SNRReportBody
	if err := json.Unmarshal(in.Frame.Payload, &body); err != nil {
		return
	}

	r.adoptParams(body.TargetSNR, 0)

	snr, ok := body.Report[r.cfg.ID]
	if !ok {
		return
	}
	r.mu.Lock()
	r.observedSNR = snr
	r.lastReportAt = in.ReceivedAt
	r.mu.Unlock()
}

func (r *FollowerRole) handleExpBegin(in link.Inbound) {
	var body wire.ExpBeginBody
	if err := json.Unmarshal(in.Frame.Payload, &body); err != nil {
		return
	}
	if body.TargetSNR != nil {
		r.mu.Lock()
		old := r.targetSNR
		r.targetSNR = *body.TargetSNR
		r.mu.Unlock()
		if old != *body.TargetSNR {
			r.logger.Infof("[FOLLOWER-%d] target SNR %.1f -> %.1f dB", r.cfg.ID, old, *body.TargetSNR)
		}
	}
	if body.PNode != nil {
		old := r.policy.P()
		r.policy.SetP(*body.PNode)
		if old != *body.PNode {
			r.logger.Infof("[FOLLOWER-%d] p_node %.2f -> %.2f", r.cfg.ID, old, *body.PNode)
		}
	}
}

func (r *FollowerRole) handleGainCmd(in link.Inbound) {
	var body wire.GainCmdBody
	if err := json.Unmarshal(in.Frame.Payload, &body); err != nil {
		return
	}
	gain := clampGain(body.TxGain)
	r.mu.Lock()
	r.gain = gain
	r.mu.Unlock()
	r.pushGain(gain)
	r.logger.Infof("[FOLLOWER-%d] gain command: tx gain set to %.3f", r.cfg.ID, gain)
}

// adoptParams folds the experiment fields carried on appends and heartbeats.
// Zero values mean "not announced yet" and are ignored.
func (r *FollowerRole) adoptParams(targetSNR, pNode float64) {
	if targetSNR > 0 {
		r.mu.Lock()
		if r.targetSNR != targetSNR {
			r.logger.Debugf("[FOLLOWER-%d] target SNR now %.1f dB", r.cfg.ID, targetSNR)
		}
		r.targetSNR = targetSNR
		r.mu.Unlock()
	}
	if pNode > 0 && pNode != r.policy.P() {
		r.logger.Infof("[FOLLOWER-%d] p_node %.2f -> %.2f", r.cfg.ID, r.policy.P(), pNode)
		r.policy.SetP(pNode)
	}
}

// GainTick runs the proportional gain law once. The node ticker calls it
// every 500 ms.
func (r *FollowerRole) GainTick(now time.Time) {
	r.mu.Lock()
	if r.lastReportAt.IsZero() || now.Sub(r.lastReportAt) > holdAfter {
		// No fresh feedback; hold.
		r.mu.Unlock()
		return
	}

	diff := r.targetSNR - r.observedSNR
	if math.Abs(diff) <= gainDeadband {
		r.mu.Unlock()
		return
	}

	next := clampGain(r.gain + gainPerDB*diff)
	if next == r.gain {
		r.mu.Unlock()
		return
	}
	old := r.gain
	r.gain = next
	r.gainAdjusts++
	observed := r.observedSNR
	r.mu.Unlock()

	r.pushGain(next)
	r.logger.Debugf("[FOLLOWER-%d] gain adjust: snr=%.1f dB, tx %.3f -> %.3f", r.cfg.ID, observed, old, next)
}

// StatusTick emits the periodic follower status line.
func (r *FollowerRole) StatusTick(now time.Time) {
	if r.cfg.StatusEach <= 0 {
		return
	}
	r.mu.Lock()
	if now.Sub(r.lastStatus) < r.cfg.StatusEach {
		r.mu.Unlock()
		return
	}
	r.lastStatus = now
	observed, target, gain := r.observedSNR, r.targetSNR, r.gain
	r.mu.Unlock()

	total, yes := r.policy.Stats()
	r.logger.Infof("[FOLLOWER-%d] p_node=%.2f snr=%.1f/%.1f dB gain=%.3f votes=%d (%d yes)",
		r.cfg.ID, r.policy.P(), observed, target, gain, total, yes)
}

// Gain returns the current transmit gain.
func (r *FollowerRole) Gain() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gain
}

// TargetSNR returns the current target SNR.
func (r *FollowerRole) TargetSNR() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targetSNR
}

func (r *FollowerRole) pushGain(gain float64) {
	r.mu.Lock()
	phy := r.phy
	r.mu.Unlock()
	if phy == nil {
		return
	}
	if err := phy.SetTxGain(gain); err != nil {
		// ControlError: hold and keep going.
		r.logger.Warnf("[FOLLOWER-%d] set_tx_gain failed: %v", r.cfg.ID, err)
	}
}

func clampGain(g float64) float64 {
	return math.Min(gainMax, math.Max(gainMin, g))
}
