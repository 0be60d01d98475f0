package service

import (
	"strconv"
	"strings"

	"github.com/jmgilman/go/errors"
)

type byteUnit struct {
	suffix string
	size   uint64
}

// byteUnits is ordered largest first for formatting.
var byteUnits = []byteUnit{
	{"g", 1 << 30},
	{"m", 1 << 20},
	{"k", 1 << 10},
}

// parseBytes accepts sizes like "512", "64k", "5m", "1.5gb" (binary units).
func parseBytes(s string) (int64, error) {
	num := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "b")
	num = strings.TrimSpace(num)
	if num == "" {
		return 0, errors.Newf(errors.CodeInvalidInput, "invalid size %q", s)
	}

	mult := uint64(1)
	for _, u := range byteUnits {
		if strings.HasSuffix(num, u.suffix) {
			mult = u.size
			num = strings.TrimSpace(strings.TrimSuffix(num, u.suffix))
			break
		}
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, errors.Wrapf(err, errors.CodeInvalidInput, "invalid size %q", s)
	}
	if v < 0 {
		return 0, errors.Newf(errors.CodeInvalidInput, "negative size %q", s)
	}
	return int64(v * float64(mult)), nil
}

func formatBytes(b uint64) string {
	for _, u := range byteUnits {
		if b >= u.size {
			v := strconv.FormatFloat(float64(b)/float64(u.size), 'f', 1, 64)
			return strings.TrimSuffix(v, ".0") + u.suffix + "b"
		}
	}
	return strconv.FormatUint(b, 10) + "b"
}
