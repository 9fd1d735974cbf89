package budget

import (
	"fmt"
	"time"
)

// ErrExhausted is returned when a job has no wall-clock budget left.
type ErrExhausted struct {
	Elapsed time.Duration
	Limit   time.Duration
}

func (e ErrExhausted) Error() string {
	return fmt.Sprintf("budget exhausted: elapsed=%s limit=%s", e.Elapsed.Round(time.Millisecond), e.Limit)
}
