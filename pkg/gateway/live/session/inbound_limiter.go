package session

import "time"

// inboundAudioLimiter throttles microphone audio before it is forwarded
// upstream: a token bucket per frame rate and one per byte rate, both
// refilled continuously and capped at rate times burstSeconds. A nil
// limiter allows everything. Only the client pump touches it, so no
// locking.
type inboundAudioLimiter struct {
	now          func() time.Time
	frameRate    float64
	frameTokens  float64
	byteRate     float64
	byteTokens   float64
	burstSeconds float64
	lastRefill   time.Time
}

func newInboundAudioLimiter(now func() time.Time, maxFPS int, maxBPS int64, burstSeconds int) *inboundAudioLimiter {
	if maxFPS <= 0 && maxBPS <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundAudioLimiter{
		now:          now,
		frameRate:    float64(maxFPS),
		byteRate:     float64(maxBPS),
		burstSeconds: float64(burstSeconds),
		lastRefill:   now(),
	}
	if l.frameRate > 0 {
		l.frameTokens = l.frameRate * l.burstSeconds
	}
	if l.byteRate > 0 {
		l.byteTokens = l.byteRate * l.burstSeconds
	}
	return l
}

func (l *inboundAudioLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	l.refill()

	if frameBytes < 0 {
		frameBytes = 0
	}
	if l.frameRate > 0 && l.frameTokens < 1 {
		return false
	}
	if l.byteRate > 0 && l.byteTokens < float64(frameBytes) {
		return false
	}
	if l.frameRate > 0 {
		l.frameTokens--
	}
	if l.byteRate > 0 {
		l.byteTokens -= float64(frameBytes)
	}
	return true
}

func (l *inboundAudioLimiter) refill() {
	now := l.now()
	if l.lastRefill.IsZero() {
		l.lastRefill = now
		return
	}
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	l.lastRefill = now

	if l.frameRate > 0 {
		l.frameTokens += elapsed * l.frameRate
		if maxTokens := l.frameRate * l.burstSeconds; l.frameTokens > maxTokens {
			l.frameTokens = maxTokens
		}
	}
	if l.byteRate > 0 {
		l.byteTokens += elapsed * l.byteRate
		if maxTokens := l.byteRate * l.burstSeconds; l.byteTokens > maxTokens {
			l.byteTokens = maxTokens
		}
	}
}
