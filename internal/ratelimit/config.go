package ratelimit

import (
	"fmt"
	"time"
)

// Limit is a sliding-window limit: at most MaxRequests within the trailing Window.
// Zero values mean no limit.
type Limit struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// Default is the destructive action limit used when nothing is configured.
var Default = Limit{MaxRequests: 5, Window: time.Hour}

// Enabled returns true if the limit is configured.
func (l Limit) Enabled() bool {
	return l.MaxRequests > 0 && l.Window > 0
}

// String renders the limit as "max 5 per 1 hour(s)".
func (l Limit) String() string {
	return fmt.Sprintf("max %d per %s", l.MaxRequests, DescribeWindow(l.Window))
}

// DescribeWindow renders a window in whole hours or minutes where possible.
func DescribeWindow(w time.Duration) string {
	switch {
	case w >= time.Hour && w%time.Hour == 0:
		return fmt.Sprintf("%d hour(s)", int(w/time.Hour))
	case w >= time.Minute && w%time.Minute == 0:
		return fmt.Sprintf("%d minute(s)", int(w/time.Minute))
	default:
		return w.String()
	}
}
