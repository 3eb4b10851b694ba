// Package timespec parses the relative and absolute time bounds accepted by
// the CLI's --since and --until flags.
package timespec

import (
	"fmt"
	"time"
)

// Parse converts a time specification into a Unix timestamp in milliseconds.
// Two formats are accepted:
//   - Go duration format: "1h", "30m", "1h30m" (relative, meaning "that long ago")
//   - RFC3339 timestamps: "2026-08-29T13:00:00Z"
func Parse(spec string) (int64, error) {
	if spec == "" {
		return 0, fmt.Errorf("empty time specification")
	}

	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t.UnixMilli(), nil
	}

	if d, err := time.ParseDuration(spec); err == nil {
		return time.Now().Add(-d).UnixMilli(), nil
	}

	return 0, fmt.Errorf("invalid time specification: %s (use duration like '1h30m' or RFC3339 like '2026-08-29T13:00:00Z')", spec)
}

// ParseRange parses a since/until pair into millisecond bounds. A zero value
// means that end of the range is unbounded. Errors if both bounds are set and
// since is not strictly before until.
func ParseRange(since, until string) (int64, int64, error) {
	var sinceMS, untilMS int64
	var err error

	if since != "" {
		sinceMS, err = Parse(since)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid --since: %w", err)
		}
	}

	if until != "" {
		untilMS, err = Parse(until)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid --until: %w", err)
		}
	}

	if sinceMS > 0 && untilMS > 0 && sinceMS >= untilMS {
		return 0, 0, fmt.Errorf("--since must be before --until")
	}

	return sinceMS, untilMS, nil
}

// InRange reports whether a millisecond timestamp falls inside the bounds
// produced by ParseRange.
func InRange(ts, sinceMS, untilMS int64) bool {
	if sinceMS > 0 && ts < sinceMS {
		return false
	}
	if untilMS > 0 && ts > untilMS {
		return false
	}
	return true
}
