package runtime

import (
	"math/rand"
	"time"
)

// ReconnectPolicy controls transport reopen behavior.
type ReconnectPolicy struct {
	// Initial is the first retry delay (0 = 250ms).
	Initial time.Duration
	// Factor multiplies the delay after each failure (0 = 2).
	Factor float64
	// Max caps the delay (0 = 8s).
	Max time.Duration
	// Jitter is the fractional randomization applied to each delay
	// (0 = 0.1, i.e. ±10%).
	Jitter float64
	// MaxAttempts caps reopen attempts; 0 means unlimited.
	MaxAttempts int
	// Disabled turns automatic reconnection off entirely.
	Disabled bool
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.Initial <= 0 {
		p.Initial = 250 * time.Millisecond
	}
	if p.Factor <= 1 {
		p.Factor = 2
	}
	if p.Max <= 0 {
		p.Max = 8 * time.Second
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.1
	}
	return p
}

// backoff produces the reconnect delay sequence. A successful reopen
// resets it by constructing a fresh instance.
type backoff struct {
	policy ReconnectPolicy
	next   time.Duration
	rng    *rand.Rand
}

func newBackoff(policy ReconnectPolicy) *backoff {
	p := policy.withDefaults()
	return &backoff{
		policy: p,
		next:   p.Initial,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the upcoming attempt and advances the
// sequence.
func (b *backoff) Next() time.Duration {
	d := b.next

	advanced := time.Duration(float64(b.next) * b.policy.Factor)
	if advanced > b.policy.Max {
		advanced = b.policy.Max
	}
	b.next = advanced

	spread := 1 + (b.rng.Float64()*2-1)*b.policy.Jitter
	return time.Duration(float64(d) * spread)
}
