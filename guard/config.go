package guard

import (
	"errors"
	"fmt"
	"time"
)

// Default timings.
const (
	DefaultTotalTimeout      = 30 * time.Minute
	DefaultWarningLead       = 5 * time.Minute
	DefaultActivityDebounce  = time.Second
	DefaultCountdownInterval = time.Second
	DefaultSignOutTimeout    = 10 * time.Second
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid guard config")

// Config holds the guard timings.
type Config struct {
	// TotalTimeout is the inactivity period after which the session is
	// signed out.
	TotalTimeout time.Duration
	// WarningLead is how long before TotalTimeout the warning phase starts.
	WarningLead time.Duration
	// ActivityDebounce is the minimum spacing between two activity
	// signals that both have an effect. It must stay well below
	// WarningLead.
	ActivityDebounce time.Duration
	// CountdownInterval is the countdown tick period and decrement.
	CountdownInterval time.Duration
	// SignOutTimeout bounds the remote sign-out call made on expiry.
	SignOutTimeout time.Duration
}

// DefaultConfig returns the 30 minute / 5 minute configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:      DefaultTotalTimeout,
		WarningLead:       DefaultWarningLead,
		ActivityDebounce:  DefaultActivityDebounce,
		CountdownInterval: DefaultCountdownInterval,
		SignOutTimeout:    DefaultSignOutTimeout,
	}
}

// WarningAfter returns the inactivity period after which the warning
// phase starts.
func (c Config) WarningAfter() time.Duration {
	return c.TotalTimeout - c.WarningLead
}

// Validate checks the relationships between the timings.
func (c Config) Validate() error {
	switch {
	case c.TotalTimeout <= 0:
		return fmt.Errorf("%w: total timeout must be positive", ErrInvalidConfig)
	case c.WarningLead <= 0:
		return fmt.Errorf("%w: warning lead must be positive", ErrInvalidConfig)
	case c.WarningLead >= c.TotalTimeout:
		return fmt.Errorf("%w: warning lead %s must be shorter than total timeout %s",
			ErrInvalidConfig, c.WarningLead, c.TotalTimeout)
	case c.ActivityDebounce <= 0:
		return fmt.Errorf("%w: activity debounce must be positive", ErrInvalidConfig)
	case c.ActivityDebounce >= c.WarningLead:
		return fmt.Errorf("%w: activity debounce %s must be shorter than warning lead %s",
			ErrInvalidConfig, c.ActivityDebounce, c.WarningLead)
	case c.CountdownInterval <= 0 || c.CountdownInterval > c.WarningLead:
		return fmt.Errorf("%w: countdown interval must be positive and at most the warning lead", ErrInvalidConfig)
	case c.SignOutTimeout <= 0:
		return fmt.Errorf("%w: sign-out timeout must be positive", ErrInvalidConfig)
	}
	return nil
}
