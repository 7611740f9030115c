package session

import "time"

// inboundMediaLimiter bounds the rate of caller audio frames so a misbehaving
// telephony peer cannot flood the upstream connection.
type inboundMediaLimiter struct {
	now          func() time.Time
	fpsRate      int64
	fpsTokens    int64
	bpsRate      int64
	bpsTokens    int64
	burstSeconds int64
	lastRefill   time.Time

	// Sub-token elapsed time carried between refills, in rate-scaled
	// nanoseconds, so polling faster than one token per interval still
	// accumulates credit.
	fpsRemainder int64
	bpsRemainder int64
}

func newInboundMediaLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundMediaLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundMediaLimiter{
		now:          now,
		fpsRate:      int64(fps),
		bpsRate:      bps,
		burstSeconds: int64(burstSeconds),
		lastRefill:   now(),
	}
	if l.fpsRate > 0 {
		l.fpsTokens = l.fpsRate * l.burstSeconds
	}
	if l.bpsRate > 0 {
		l.bpsTokens = l.bpsRate * l.burstSeconds
	}
	return l
}

func (l *inboundMediaLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	l.refill()

	if l.fpsRate > 0 && l.fpsTokens < 1 {
		return false
	}
	if frameBytes < 0 {
		frameBytes = 0
	}
	if l.bpsRate > 0 && l.bpsTokens < int64(frameBytes) {
		return false
	}
	if l.fpsRate > 0 {
		l.fpsTokens--
	}
	if l.bpsRate > 0 {
		l.bpsTokens -= int64(frameBytes)
	}
	return true
}

func (l *inboundMediaLimiter) refill() {
	now := l.now()
	if l.lastRefill.IsZero() {
		l.lastRefill = now
		return
	}
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}

	if l.fpsRate > 0 {
		l.fpsTokens, l.fpsRemainder = credit(l.fpsTokens, l.fpsRemainder, elapsed, l.fpsRate, l.fpsRate*l.burstSeconds)
	}
	if l.bpsRate > 0 {
		l.bpsTokens, l.bpsRemainder = credit(l.bpsTokens, l.bpsRemainder, elapsed, l.bpsRate, l.bpsRate*l.burstSeconds)
	}

	l.lastRefill = now
}

// credit adds elapsed time to one bucket. Time worth less than a whole token
// is kept as a remainder instead of being discarded, so low rates refill even
// under frequent polling. A full bucket forfeits its remainder.
func credit(tokens, remainder int64, elapsed time.Duration, rate, maxTokens int64) (int64, int64) {
	scaled := remainder + elapsed.Nanoseconds()*rate
	add := scaled / int64(time.Second)
	remainder = scaled % int64(time.Second)

	tokens += add
	if tokens >= maxTokens {
		tokens = maxTokens
		remainder = 0
	}
	return tokens, remainder
}
