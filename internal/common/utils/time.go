package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration accepts everything time.ParseDuration does plus whole days
// ("1d") and weeks ("2w"), which key set lifetimes are often given in.
func ParseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	unit := map[string]time.Duration{
		"d": 24 * time.Hour,
		"w": 7 * 24 * time.Hour,
	}
	for suffix, size := range unit {
		n, ok := strings.CutSuffix(s, suffix)
		if !ok {
			continue
		}
		count, err := strconv.Atoi(n)
		if err != nil {
			break
		}
		return time.Duration(count) * size, nil
	}

	return 0, fmt.Errorf("invalid duration: %s", s)
}

// FormatDuration renders d in its largest sensible unit:
// "30s", "90m", "2.5h", "1.5d".
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.0fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.0fm", d.Minutes())
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	}
	return fmt.Sprintf("%.1fd", d.Hours()/24)
}
