package strategy

import (
	"time"

	"github.com/mohammad-safakhou/ecoagent/config"
	"github.com/mohammad-safakhou/ecoagent/internal/agent/core"
)

// Policy is the retry policy for extraction attempts.
type Policy struct {
	maxAttempts int
	base        time.Duration
	max         time.Duration
}

// NewPolicy reads attempts and delays from config.
func NewPolicy(cfg config.RetryConfig) *Policy {
	p := &Policy{maxAttempts: cfg.MaxAttempts, base: cfg.BaseDelay, max: cfg.MaxDelay}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	return p
}

// MaxAttempts includes the first attempt.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// Retryable implements core.RetryPolicy.
func (p *Policy) Retryable(kind core.ErrorKind) bool { return Retryable(kind) }

// Retryable reports whether another attempt can change the outcome. Only
// extraction failures qualify.
func Retryable(kind core.ErrorKind) bool {
	return kind.Extraction()
}

// Delay is base * 2^(failures-1), doubled once more after a block, capped at max.
func (p *Policy) Delay(failures int, kind core.ErrorKind) time.Duration {
	if failures < 1 || p.base <= 0 {
		return 0
	}
	shift := failures - 1
	if kind == core.KindBlocked {
		shift++
	}
	if shift > 16 {
		shift = 16
	}
	d := p.base << shift
	if p.max > 0 && d > p.max {
		d = p.max
	}
	return d
}
