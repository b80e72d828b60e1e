package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Longer suffixes first so "KIB" is not read as "B".
var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"KIB", 1 << 10}, {"MIB", 1 << 20}, {"GIB", 1 << 30},
	{"KB", 1e3}, {"MB", 1e6}, {"GB", 1e9},
	{"B", 1},
}

// ParseByteSize reads sizes like "512", "64KiB" or "1_000KB". Decimal
// suffixes are powers of 1000, binary ones powers of 1024.
func ParseByteSize(s string) (int64, error) {
	num := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	if num == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	for _, u := range byteUnits {
		if rest, ok := strings.CutSuffix(num, u.suffix); ok {
			num, mult = strings.TrimSpace(rest), u.mult
			break
		}
	}
	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n > math.MaxInt64/mult {
		return 0, fmt.Errorf("size overflow %q", s)
	}
	return n * mult, nil
}
