package shared

import (
	"hash/fnv"
	"math"
	"strings"
	"time"
)

// BackoffPolicy is the exponential-backoff-with-jitter policy shared by the
// task engine's retry path and the bus's at-least-once/exactly-once retry
// manager.
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
}

// DefaultBackoff matches the retry policy described for the task engine:
// exponential with base 1s, multiplier 2, capped at 30s, jittered.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Multiplier: 2, Max: 30 * time.Second, Jitter: true}
}

// Delay computes the backoff delay for the given attempt (1-indexed).
// Jitter is deterministic, derived from seed and attempt, so retries are
// reproducible in tests without a random source.
func (p BackoffPolicy) Delay(seed string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(p.Base) * math.Pow(mult, float64(attempt-1))
	max := float64(p.Max)
	if max > 0 && d > max {
		d = max
	}
	if !p.Jitter || d <= 0 {
		return time.Duration(d)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(seed))
	_, _ = h.Write([]byte{byte(attempt)})
	frac := float64(h.Sum32()%1000) / 1000.0 // deterministic pseudo-jitter in [0,1)
	jittered := d * (0.5 + 0.5*frac)         // jitter window: [50%,100%] of computed delay
	if max > 0 && jittered > max {
		jittered = max
	}
	return time.Duration(jittered)
}

// ErrorFingerprint returns a stable hash of a normalized error message, used
// to spot repeated-identical-failure patterns (poison pills) across retries
// independent of incidental detail (timestamps, ids) in the raw message.
func ErrorFingerprint(errMsg string) string {
	normalized := normalizeError(errMsg)
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalized))
	return fnv64Hex(h.Sum64())
}

func normalizeError(msg string) string {
	msg = strings.ToLower(strings.TrimSpace(msg))
	var b strings.Builder
	prevDigit := false
	for _, r := range msg {
		isDigit := r >= '0' && r <= '9'
		if isDigit {
			if !prevDigit {
				b.WriteByte('#')
			}
			prevDigit = true
			continue
		}
		prevDigit = false
		b.WriteRune(r)
	}
	return b.String()
}

func fnv64Hex(v uint64) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hex[v&0xf]
		v >>= 4
	}
	return string(buf)
}
