// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"fmt"
	"strconv"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML scalars in
// time.ParseDuration syntax ("30s", "5m") or plain integer seconds.
type Duration time.Duration

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Threshold units. M and y are calendar approximations: M = 30d, y = 365d.
var thresholdUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
	'M': 30 * 24 * time.Hour,
	'y': 365 * 24 * time.Hour,
}

// ParseThreshold parses an obsolescence threshold like "6M", "30d" or
// "1y". The accepted units are s, m, h, d, w, M and y. Unlike
// time.ParseDuration it supports calendar-scale units, which is why the
// threshold has its own parser.
func ParseThreshold(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("threshold %q too short, want <number><unit>", s)
	}

	unit, ok := thresholdUnits[s[len(s)-1]]
	if !ok {
		return 0, fmt.Errorf("threshold %q has unknown unit %q (want one of s m h d w M y)", s, s[len(s)-1])
	}

	num := s[:len(s)-1]
	for _, r := range num {
		if !unicode.IsDigit(r) {
			return 0, fmt.Errorf("threshold %q has non-numeric amount %q", s, num)
		}
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("threshold %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("threshold %q must be positive", s)
	}

	return time.Duration(n) * unit, nil
}
