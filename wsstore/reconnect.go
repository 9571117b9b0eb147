package wsstore

import (
	"math/rand"
	"time"
)

// stableAfter is how long a connection must stay up before the backoff
// starts over from the base delay.
const stableAfter = time.Minute

// backoff hands out reconnect delays: base·2ⁿ plus up to half a base of
// jitter, capped at max.
type backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int

	attempt     int
	connectedAt time.Time
}

func newBackoff(config *Config) *backoff {
	return &backoff{
		base:        config.ReconnectBaseDelay,
		max:         config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// next returns the delay before the following attempt, or false once the
// attempt budget is spent. maxAttempts <= 0 retries forever.
func (b *backoff) next() (time.Duration, bool) {
	if !b.connectedAt.IsZero() && time.Since(b.connectedAt) > stableAfter {
		b.attempt = 0
	}
	b.connectedAt = time.Time{}
	if b.maxAttempts > 0 && b.attempt >= b.maxAttempts {
		return 0, false
	}

	delay := b.max
	if b.attempt < 30 {
		if d := b.base << b.attempt; d > 0 && d < b.max {
			delay = d
		}
	}
	if half := int64(b.base / 2); half > 0 {
		delay += time.Duration(rand.Int63n(half))
	}
	if delay > b.max {
		delay = b.max
	}
	b.attempt++
	return delay, true
}

func (b *backoff) connected() {
	b.connectedAt = time.Now()
}

// attempts is the number of delays handed out since the last reset.
func (b *backoff) attempts() int {
	return b.attempt
}

func (b *backoff) reset() {
	b.attempt = 0
	b.connectedAt = time.Time{}
}
