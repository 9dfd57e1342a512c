package conn

import (
	"context"
	"errors"
	"time"
)

// ErrReloadLoop is reported when declined sessions forced too many reloads
// within the failsafe window
var ErrReloadLoop = errors.New("reload loop detected")

// ReloadStore is the client-local persistent record of forced reloads
type ReloadStore interface {
	Record(ctx context.Context, at time.Time) error
	CountSince(ctx context.Context, since time.Time) (int, error)
}

// ReloadPolicy configures the declined-session reload and its failsafe
type ReloadPolicy struct {
	Store ReloadStore

	// The reload runs after a uniform random delay in [JitterMin, JitterMax]
	JitterMin time.Duration
	JitterMax time.Duration

	// More than MaxReloads within Window enters the failsafe state
	Window     time.Duration
	MaxReloads int
}

// DefaultReloadPolicy returns the default policy without a store
func DefaultReloadPolicy() ReloadPolicy {
	return ReloadPolicy{
		JitterMin:  500 * time.Millisecond,
		JitterMax:  3 * time.Second,
		Window:     time.Minute,
		MaxReloads: 3,
	}
}

func (p ReloadPolicy) delay(r float64) time.Duration {
	if p.JitterMax <= p.JitterMin {
		return p.JitterMin
	}
	return p.JitterMin + time.Duration(r*float64(p.JitterMax-p.JitterMin))
}
