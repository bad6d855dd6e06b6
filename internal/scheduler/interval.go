package scheduler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var units = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

// ParseInterval accepts "N.seconds", "N.minutes", "N.hours", "N.days" or a
// Go duration such as "90s". The result is always positive.
func ParseInterval(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)

	if n, unit, ok := strings.Cut(s, "."); ok {
		if mult, known := units[strings.ToLower(unit)]; known {
			count, err := strconv.Atoi(n)
			if err != nil || count <= 0 {
				return 0, fmt.Errorf("invalid interval %q: count must be a positive integer", s)
			}
			if int64(count) > math.MaxInt64/int64(mult) {
				return 0, fmt.Errorf("invalid interval %q: too long", s)
			}
			return time.Duration(count) * mult, nil
		}
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid interval %q: must be positive", s)
	}
	return d, nil
}
