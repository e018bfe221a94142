package consensus

import (
	"math"
	"sort"
)

// weightEpsilon floors the SNR span in the weight rescale.
const weightEpsilon = 1e-6

// weightPerturbation is small enough that weights stay ordinally equivalent
// to unit weights; it exists only to eliminate exact ties at even n.
const weightPerturbation = 0.001

// leaderSNRBonusdB places the leader's virtual SNR above its best follower.
const leaderSNRBonusdB = 2.0

// Decision is the result of the weighted commit rule for one round.
type Decision struct {
	WeightedYes   float64
	WeightedTotal float64
	// NEff counts the on-time follower votes inside the size mask; the
	// leader's own vote is not part of the effective scale.
	NEff      int
	Committed bool
}

// DecideWeighted applies the SNR-weighted majority rule. It is a pure
// function of its inputs so a replay over the same votes and SNR values
// reproduces the commit bit exactly.
//
// votes are the follower acks that arrived before the round deadline.
// snrByID carries the peer table's smoothed SNR per voter; a voter missing
// from it falls back to the SNR observed on its ack frame. Voters with
// id > nTarget are masked out in software; the physical layer is untouched.
// The leader always counts itself, with a virtual SNR 2 dB above its best
// on-time follower (or above fallbackSNR when nobody voted).
func DecideWeighted(votes []Vote, snrByID map[int]float64, nTarget, leaderID int, leaderGranted bool, fallbackSNR float64) Decision {
	// Stable iteration keeps the floating-point sums reproducible.
	sorted := make([]Vote, len(votes))
	copy(sorted, votes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Voter < sorted[j].Voter })

	type voter struct {
		snr     float64
		granted bool
	}
	var inMask []voter
	for _, v := range sorted {
		if v.Voter > nTarget || v.Voter == leaderID {
			continue
		}
		snr := v.ObservedSNRdB
		if s, ok := snrByID[v.Voter]; ok {
			snr = s
		}
		inMask = append(inMask, voter{snr: snr, granted: v.Granted})
	}

	leaderSNR := fallbackSNR + leaderSNRBonusdB
	if len(inMask) > 0 {
		best := inMask[0].snr
		for _, v := range inMask[1:] {
			if v.snr > best {
				best = v.snr
			}
		}
		leaderSNR = best + leaderSNRBonusdB
	}

	d := Decision{NEff: len(inMask)}
	all := append(inMask, voter{snr: leaderSNR, granted: leaderGranted})

	snrMin, snrMax := all[0].snr, all[0].snr
	for _, v := range all[1:] {
		snrMin = math.Min(snrMin, v.snr)
		snrMax = math.Max(snrMax, v.snr)
	}
	span := math.Max(snrMax-snrMin, weightEpsilon)

	for _, v := range all {
		w := 1.0 + weightPerturbation*(v.snr-snrMin)/span
		d.WeightedTotal += w
		if v.granted {
			d.WeightedYes += w
		}
	}

	d.Committed = d.WeightedTotal > 0 && d.WeightedYes > d.WeightedTotal/2
	return d
}
