package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const maxTTL = 366 * 24 * time.Hour

var ttlUnitMultipliers = map[string]time.Duration{
	"":        time.Second,
	"s":       time.Second,
	"sec":     time.Second,
	"secs":    time.Second,
	"second":  time.Second,
	"seconds": time.Second,
	"m":       time.Minute,
	"min":     time.Minute,
	"mins":    time.Minute,
	"minute":  time.Minute,
	"minutes": time.Minute,
	"h":       time.Hour,
	"hr":      time.Hour,
	"hrs":     time.Hour,
	"hour":    time.Hour,
	"hours":   time.Hour,
	"d":       24 * time.Hour,
	"day":     24 * time.Hour,
	"days":    24 * time.Hour,
}

// parseTTL accepts Go durations ("90m"), bare seconds ("3600"),
// unit-prefixed values ("m:5", "h=2") and parenthesised units ("100 (s)").
// Tokens always expire, so zero and negative values are rejected.
func parseTTL(raw string) (time.Duration, error) {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower == "" {
		return 0, fmt.Errorf("ttl must not be empty")
	}
	noSpaces := strings.ReplaceAll(lower, " ", "")
	if d, err := time.ParseDuration(noSpaces); err == nil {
		return checkTTL(d, raw)
	}
	if d, matched, err := parseDelimitedTTL(lower); matched {
		if err != nil {
			return 0, err
		}
		return checkTTL(d, raw)
	}
	if d, matched, err := parseParentheticalTTL(lower); matched {
		if err != nil {
			return 0, err
		}
		return checkTTL(d, raw)
	}
	if seconds, err := strconv.ParseFloat(strings.ReplaceAll(noSpaces, "_", ""), 64); err == nil {
		return checkTTL(time.Duration(seconds*float64(time.Second)), raw)
	}
	return 0, fmt.Errorf("unable to parse ttl value %q", raw)
}

func parseDelimitedTTL(input string) (time.Duration, bool, error) {
	for _, sep := range []string{":", "="} {
		if idx := strings.Index(input, sep); idx > 0 {
			unit := strings.TrimSpace(input[:idx])
			val := strings.TrimSpace(input[idx+len(sep):])
			if unit == "" || val == "" {
				continue
			}
			d, err := ttlFromUnitValue(val, unit)
			return d, true, err
		}
	}
	return 0, false, nil
}

func parseParentheticalTTL(input string) (time.Duration, bool, error) {
	open := strings.Index(input, "(")
	end := strings.LastIndex(input, ")")
	if open <= 0 || end <= open {
		return 0, false, nil
	}
	val := strings.TrimSpace(input[:open])
	unit := strings.TrimSpace(input[open+1 : end])
	if val == "" || unit == "" {
		return 0, true, fmt.Errorf("invalid ttl format %q", input)
	}
	d, err := ttlFromUnitValue(val, unit)
	return d, true, err
}

func ttlFromUnitValue(val, unit string) (time.Duration, error) {
	multiplier, ok := ttlUnitMultipliers[strings.Trim(strings.TrimSpace(unit), "().")]
	if !ok {
		return 0, fmt.Errorf("unsupported ttl unit %q", unit)
	}
	n, err := strconv.ParseFloat(strings.ReplaceAll(val, "_", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl magnitude %q: %w", val, err)
	}
	return time.Duration(n * float64(multiplier)), nil
}

func checkTTL(d time.Duration, raw string) (time.Duration, error) {
	if d < time.Second {
		return 0, fmt.Errorf("ttl must be at least 1s, got %q", raw)
	}
	if d > maxTTL {
		return 0, fmt.Errorf("ttl exceeds maximum of %s", maxTTL)
	}
	return d.Truncate(time.Second), nil
}
