// Package acquisition reads the scan timing metadata needed to place triggers.
package acquisition

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"

	"pnmdenoise/internal/models"
	"pnmdenoise/pkg/pnmerr"
)

// ParseClock converts an "HHMMSS.fff" acquisition time into milliseconds
// since midnight. The fractional part is optional and may have any number
// of digits.
func ParseClock(s string) (int64, error) {
	const op = "parse acquisition time"
	s = strings.TrimSpace(s)

	whole, frac, hasFrac := strings.Cut(s, ".")
	if len(whole) != 6 || !allDigits(whole) {
		return 0, pnmerr.Parsef(op, "expected HHMMSS.fff, got %q", s)
	}
	if hasFrac && (frac == "" || !allDigits(frac)) {
		return 0, pnmerr.Parsef(op, "invalid fractional seconds in %q", s)
	}

	hour, _ := strconv.Atoi(whole[0:2])
	minute, _ := strconv.Atoi(whole[2:4])
	second, _ := strconv.Atoi(whole[4:6])
	if hour > 23 || minute > 59 || second > 60 {
		return 0, pnmerr.Parsef(op, "clock value out of range: %q", s)
	}

	ms := int64(hour)*3600000 + int64(minute)*60000 + int64(second)*1000
	if hasFrac {
		f, err := strconv.ParseFloat("0."+frac, 64)
		if err != nil {
			return 0, pnmerr.Parsef(op, "invalid fractional seconds in %q", s)
		}
		ms += int64(math.Round(f * 1000))
	}
	return ms, nil
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ReadVolumeCount reads a file holding a single integer volume count.
func ReadVolumeCount(path string) (int, error) {
	const op = "read volume count"
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, pnmerr.MissingResource(op, path, err)
		}
		return 0, fmt.Errorf("error reading volume count: %w", err)
	}

	fields := strings.Fields(string(data))
	if len(fields) != 1 {
		return 0, pnmerr.Parsef(op, "%s: expected a single value, found %d", path, len(fields))
	}
	// tools often write the count as a float, e.g. "240.000000"
	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || f < 0 || f != math.Trunc(f) {
		return 0, pnmerr.Parsef(op, "%s: invalid volume count %q", path, fields[0])
	}
	return int(f), nil
}

// NewTimeline builds and validates an acquisition timeline.
func NewTimeline(clock string, trMs float64, volumes int) (models.AcquisitionTimeline, error) {
	start, err := ParseClock(clock)
	if err != nil {
		return models.AcquisitionTimeline{}, err
	}
	tl := models.AcquisitionTimeline{StartMs: start, TRMs: trMs, Volumes: volumes}
	if err := tl.Validate(); err != nil {
		return models.AcquisitionTimeline{}, pnmerr.Wrap(pnmerr.ErrParse, "build timeline", err)
	}
	return tl, nil
}
