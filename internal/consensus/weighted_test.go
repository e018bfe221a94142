package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func vote(voter int, granted bool, snr float64) Vote {
	return Vote{RoundID: 1, Voter: voter, Granted: granted, ObservedSNRdB: snr, ReceivedAt: time.Now()}
}

func TestDecideWeighted_UnanimousYes(t *testing.T) {
	votes := []Vote{vote(2, true, 19), vote(3, true, 19)}
	snr := map[int]float64{2: 19, 3: 19}

	d := DecideWeighted(votes, snr, 3, 1, true, 16.0)

	assert.True(t, d.Committed)
	assert.Equal(t, 2, d.NEff)
	assert.Equal(t, d.WeightedYes, d.WeightedTotal)
}

func TestDecideWeighted_SizeMaskFiltersVoters(t *testing.T) {
	votes := []Vote{
		vote(2, true, 18),
		vote(3, true, 18),
		vote(4, false, 18),
		vote(5, false, 18),
		vote(6, false, 18),
	}

	// n_target=3 keeps only voters 2 and 3; the dissenters are masked out.
	d := DecideWeighted(votes, nil, 3, 1, true, 16.0)

	assert.True(t, d.Committed)
	assert.Equal(t, 2, d.NEff)
}

func TestDecideWeighted_MissingVotesDoNotCount(t *testing.T) {
	// Five-node cell but only one follower answered in time.
	votes := []Vote{vote(2, true, 14)}

	d := DecideWeighted(votes, nil, 5, 1, true, 16.0)

	assert.Equal(t, 1, d.NEff)
	assert.True(t, d.Committed)
}

func TestDecideWeighted_NobodyVoted(t *testing.T) {
	t.Run("leader alone yes", func(t *testing.T) {
		d := DecideWeighted(nil, nil, 5, 1, true, 16.0)
		assert.Equal(t, 0, d.NEff)
		assert.True(t, d.Committed)
	})

	t.Run("leader alone no", func(t *testing.T) {
		d := DecideWeighted(nil, nil, 5, 1, false, 16.0)
		assert.False(t, d.Committed)
		assert.Zero(t, d.WeightedYes)
	})
}

func TestDecideWeighted_SplitResolvedByWeights(t *testing.T) {
	// One yes at 10 dB, one no at 20 dB, leader votes no: the weighted yes
	// (1.0) stays below half of the weighted total (about 3.0018).
	votes := []Vote{vote(2, true, 10), vote(3, false, 20)}
	snr := map[int]float64{2: 10, 3: 20}

	d := DecideWeighted(votes, snr, 3, 1, false, 16.0)

	assert.False(t, d.Committed)
	assert.NotEqual(t, d.WeightedTotal/2, d.WeightedYes)
}

func TestDecideWeighted_Deterministic(t *testing.T) {
	votes := []Vote{vote(2, true, 10), vote(3, false, 20), vote(4, true, 15.5)}
	snr := map[int]float64{2: 10, 3: 20, 4: 15.5}

	first := DecideWeighted(votes, snr, 4, 1, true, 16.0)
	for i := 0; i < 100; i++ {
		// Input order must not matter either.
		shuffled := []Vote{votes[i%3], votes[(i+1)%3], votes[(i+2)%3]}
		again := DecideWeighted(shuffled, snr, 4, 1, true, 16.0)
		assert.Equal(t, first, again)
	}
}

func TestDecideWeighted_PeerTableSNRPreferred(t *testing.T) {
	// The smoothed estimate, not the per-frame observation, feeds the weights.
	votes := []Vote{vote(2, true, 3.0)}
	snr := map[int]float64{2: 18.0}

	d := DecideWeighted(votes, snr, 2, 1, true, 16.0)

	// Leader virtual SNR = 18 + 2 = 20, span = 2; the follower carries the
	// minimum weight of exactly 1, the leader 1.001.
	assert.InDelta(t, 2.001, d.WeightedTotal, 1e-9)
}

func TestDecideWeighted_WeightsStayNearUnit(t *testing.T) {
	votes := []Vote{vote(2, true, -40), vote(3, true, 60)}
	d := DecideWeighted(votes, nil, 3, 1, true, 16.0)

	// Even over a pathological SNR span every weight stays within the
	// perturbation of 1.
	assert.LessOrEqual(t, d.WeightedTotal, 3*(1.0+weightPerturbation))
	assert.GreaterOrEqual(t, d.WeightedTotal, 3.0)
}
