package logging

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Throttle rate-limits a noisy log line, such as a per-frame driver error.
// Lines over the limit are counted and the count is reported on the next line
// that gets through.
type Throttle struct {
	logger     *Logger
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottle allows perSecond lines per second with the given burst.
func NewThrottle(logger *Logger, perSecond float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{logger: logger, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *Throttle) Warn(msg string, fields Fields) {
	t.emit(LevelWarn, msg, fields)
}

func (t *Throttle) Error(msg string, fields Fields) {
	t.emit(LevelError, msg, fields)
}

// Suppressed reports how many lines have been dropped since the last one
// that was written.
func (t *Throttle) Suppressed() uint64 {
	return t.suppressed.Load()
}

func (t *Throttle) emit(level Level, msg string, fields Fields) {
	if !t.logger.Enabled(level) {
		return
	}
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		merged := make(Fields, len(fields)+1)
		for k, v := range fields {
			merged[k] = v
		}
		merged["suppressed"] = n
		fields = merged
	}
	t.logger.log(level, msg, fields)
}
