package distributor

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kingrea/lattice-distributor/internal/config"
)

// Backoff selects how the retry delay grows with each attempt.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// ParseBackoff accepts the config spelling of a strategy. Empty means
// exponential.
func ParseBackoff(value string) (Backoff, error) {
	switch Backoff(strings.ToLower(strings.TrimSpace(value))) {
	case "", BackoffExponential:
		return BackoffExponential, nil
	case BackoffLinear:
		return BackoffLinear, nil
	case BackoffFixed:
		return BackoffFixed, nil
	}
	return "", fmt.Errorf("distributor: unknown backoff %q", value)
}

// RetryPolicy bounds how often and how quickly failed features are retried.
type RetryPolicy struct {
	// MaxRetries is the number of re-dispatches after the first attempt.
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration
	Strategy Backoff
}

// DefaultRetryPolicy mirrors the defaults of distribute.yaml.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: config.DefaultMaxRetries,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
		Strategy:   BackoffExponential,
	}
}

// RetryPolicyFromConfig reads the retry section of cfg.
func RetryPolicyFromConfig(cfg *config.Config) (RetryPolicy, error) {
	if cfg == nil {
		return DefaultRetryPolicy(), nil
	}
	strategy, err := ParseBackoff(cfg.Backoff())
	if err != nil {
		return RetryPolicy{}, err
	}
	return RetryPolicy{
		MaxRetries: cfg.MaxRetries(),
		BaseDelay:  cfg.RetryDelay(),
		MaxDelay:   cfg.MaxRetryDelay(),
		Strategy:   strategy,
	}, nil
}

// Delay returns the wait before retry number attempt (1-based). Fixed does
// not scale, linear multiplies by attempt and exponential doubles per attempt.
// Without a MaxDelay the result saturates at the largest time.Duration.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = math.MaxInt64
	}
	var delay time.Duration
	switch p.Strategy {
	case BackoffFixed:
		delay = p.BaseDelay
	case BackoffLinear:
		if time.Duration(attempt) > ceiling/p.BaseDelay {
			return ceiling
		}
		delay = p.BaseDelay * time.Duration(attempt)
	default:
		delay = p.BaseDelay
		for i := 1; i < attempt; i++ {
			if delay > ceiling/2 {
				return ceiling
			}
			delay *= 2
		}
	}
	return min(delay, ceiling)
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.Strategy == "" {
		p.Strategy = BackoffExponential
	}
	return p
}
