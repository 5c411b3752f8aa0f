package client

import (
	"time"

	"github.com/chatkit/internal/config"
)

// ReconnectPolicy controls automatic reconnection after an unclean close.
// The zero value disables automatic reconnect, matching the historic
// behavior where reconnection is only ever caller-initiated.
type ReconnectPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Enabled reports whether the policy performs any automatic attempts.
func (p ReconnectPolicy) Enabled() bool {
	return p.MaxAttempts > 0
}

// Delay returns the backoff before the given attempt (1-based):
// BaseDelay doubled per attempt, capped at MaxDelay.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt-1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// PolicyFromConfig maps the config knobs onto a ReconnectPolicy.
func PolicyFromConfig(rc config.ReconnectConfig) ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   time.Duration(rc.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(rc.MaxDelayMs) * time.Millisecond,
	}
}
