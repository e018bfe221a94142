package experiment

import (
	"math/rand"
	"sync"
)

// BernoulliPolicy votes yes with probability p, independent of payload and
// log state. Votes are memoized per round so a retried append re-acks the
// same decision instead of granting a second draw.
//
// The RNG is seeded from the node id and the process start time; it models a
// flaky sensor, nothing cryptographic.
type BernoulliPolicy struct {
	mu  sync.Mutex
	p   float64
	rng *rand.Rand

	lastRound uint64
	lastVote  bool
	hasLast   bool

	totalVotes uint64
	yesVotes   uint64
}

// NewBernoulliPolicy creates a policy with the given initial probability.
func NewBernoulliPolicy(p float64, seed int64) *BernoulliPolicy {
	return &BernoulliPolicy{p: p, rng: rand.New(rand.NewSource(seed))}
}

// Vote draws (or replays) the decision for a round.
func (b *BernoulliPolicy) Vote(roundID uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasLast && roundID == b.lastRound {
		return b.lastVote
	}

	vote := b.rng.Float64() < b.p
	b.lastRound = roundID
	b.lastVote = vote
	b.hasLast = true

	b.totalVotes++
	if vote {
		b.yesVotes++
	}
	return vote
}

// SetP updates the trust probability; the next round uses it.
func (b *BernoulliPolicy) SetP(p float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.p = p
}

// P returns the current trust probability.
func (b *BernoulliPolicy) P() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.p
}

// Stats reports how many rounds were voted on and how many were granted.
func (b *BernoulliPolicy) Stats() (total, yes uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalVotes, b.yesVotes
}
