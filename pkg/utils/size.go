// Package utils parses and prints human data sizes and transfer rates.
package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	Byte     int64 = 1
	KibiByte int64 = 1 << 10
	MebiByte int64 = 1 << 20
	GibiByte int64 = 1 << 30
	TebiByte int64 = 1 << 40
)

var sizePattern = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]*)$`)

// units maps an upper-cased suffix to its multiplier. Bare letters are
// binary, two-letter SI suffixes are decimal.
var units = map[string]int64{
	"":    1,
	"B":   1,
	"K":   KibiByte,
	"KIB": KibiByte,
	"KB":  1000,
	"M":   MebiByte,
	"MIB": MebiByte,
	"MB":  1000 * 1000,
	"G":   GibiByte,
	"GIB": GibiByte,
	"GB":  1000 * 1000 * 1000,
	"T":   TebiByte,
	"TIB": TebiByte,
	"TB":  1000 * 1000 * 1000 * 1000,
}

// ParseSize parses sizes such as "512", "64KiB", "1.5GB" or "4M" into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size %q", s)
		}
		return n, nil
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size %q (expected a number with an optional unit like 64KiB or 1.5GB)", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	mult, ok := units[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q in size %q", m[2], s)
	}
	bytes := value * float64(mult)
	if bytes >= 1<<63 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return int64(bytes), nil
}

// ParseRate parses a transfer rate in bytes per second. The "/s" suffix is
// optional, so "50MB/s" and "50MB" are the same rate. Zero means unlimited.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	trimmed := strings.TrimSuffix(strings.TrimSuffix(s, "/s"), "ps")
	n, err := ParseSize(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid rate %q: %w", s, err)
	}
	return n, nil
}

// FormatSize prints bytes with a binary unit, e.g. "1.5 MiB".
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return "-" + FormatSize(-bytes)
	}
	if bytes < KibiByte {
		return fmt.Sprintf("%d B", bytes)
	}

	suffixes := []string{"KiB", "MiB", "GiB", "TiB"}
	value := float64(bytes) / float64(KibiByte)
	i := 0
	for value >= 1024 && i < len(suffixes)-1 {
		value /= 1024
		i++
	}

	switch {
	case value == float64(int64(value)):
		return fmt.Sprintf("%.0f %s", value, suffixes[i])
	case value*10 == float64(int64(value*10)):
		return fmt.Sprintf("%.1f %s", value, suffixes[i])
	}
	return fmt.Sprintf("%.2f %s", value, suffixes[i])
}

// FormatRate prints the average throughput of moving bytes in d.
func FormatRate(bytes int64, d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	perSecond := int64(float64(bytes) / d.Seconds())
	return FormatSize(perSecond) + "/s"
}
