package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses a config duration. Go duration strings are
// accepted ("90s", "1m30s") as well as bare integers, read as seconds.
// set is false when raw is blank.
func ParseDurationField(path, raw string) (d time.Duration, set bool, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false, nil
	}
	if n, convErr := strconv.ParseInt(s, 10, 64); convErr == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, true, fmt.Errorf("%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, true, fmt.Errorf("%s: negative duration %q", path, raw)
	}
	return d, true, nil
}

// ParseDurationOrDefault returns def for a blank value. An explicit "0"
// is kept, so a range or spread can be switched off.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, set, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if !set {
		return def, nil
	}
	return d, nil
}
