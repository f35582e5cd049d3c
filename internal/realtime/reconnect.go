package realtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy bounds automatic redial after a dropped channel.
type ReconnectPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxRetries is the number of redials after the immediate one. Negative
	// disables reconnecting altogether.
	MaxRetries int
}

// DefaultReconnectPolicy retries at roughly 1s, 2s, 4s, 8s, 16s before giving up.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxRetries:      5,
	}
}

// NoReconnect keeps the legacy behavior: a drop leaves the channel disconnected.
func NoReconnect() ReconnectPolicy {
	return ReconnectPolicy{MaxRetries: -1}
}

func (p ReconnectPolicy) enabled() bool {
	return p.MaxRetries >= 0
}

func (p ReconnectPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 1 {
		eb.Multiplier = p.Multiplier
	}
	eb.MaxElapsedTime = 0
	eb.Reset()
	var b backoff.BackOff = eb
	if p.MaxRetries == 0 {
		// WithMaxRetries treats zero as unlimited.
		b = &backoff.StopBackOff{}
	} else {
		b = backoff.WithMaxRetries(eb, uint64(p.MaxRetries))
	}
	return backoff.WithContext(b, ctx)
}
