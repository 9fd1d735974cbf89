package budget

import (
	"fmt"
	"time"
)

// Config defines the wall-clock budget of a single job.
type Config struct {
	Total             time.Duration
	DiscoveryShare    float64
	MinURLTimeout     time.Duration
	AnalysisThreshold time.Duration
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.Total <= 0 {
		return fmt.Errorf("total budget must be positive")
	}
	if c.DiscoveryShare < 0 || c.DiscoveryShare >= 1 {
		return fmt.Errorf("discovery_share must be within [0,1)")
	}
	if c.MinURLTimeout < 0 {
		return fmt.Errorf("min_url_timeout cannot be negative")
	}
	if c.AnalysisThreshold < 0 {
		return fmt.Errorf("analysis_threshold cannot be negative")
	}
	return nil
}

// Clock abstracts time so budgets can be driven deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
var SystemClock Clock = systemClock{}
