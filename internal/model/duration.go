package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrISOFormat = errors.New("invalid ISO-8601 duration")

const day = 24 * time.Hour

type isoUnit struct {
	designator byte
	size       time.Duration
}

// Months and years have no fixed length, so only days and the time part are
// supported.
var (
	dateUnits = []isoUnit{{'D', day}}
	timeUnits = []isoUnit{{'H', time.Hour}, {'M', time.Minute}, {'S', time.Second}}
)

// Duration marshals as an ISO-8601 string (PT1.5S) and also accepts Go
// duration strings (1500ms) on input.
type Duration time.Duration

// ParseDuration reads ISO-8601 durations like P1D, PT1M30S or PT0.5S. The last
// component may carry a fraction, comma or dot separated.
func ParseDuration(s string) (Duration, error) {
	rest, ok := strings.CutPrefix(s, "P")
	if !ok || rest == "" {
		return 0, fmt.Errorf("%w: %q", ErrISOFormat, s)
	}
	date, clock, hasTime := strings.Cut(rest, "T")
	if hasTime && clock == "" {
		return 0, fmt.Errorf("%w: %q has an empty time part", ErrISOFormat, s)
	}
	days, err := sumUnits(date, dateUnits, !hasTime)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", err, s)
	}
	hms, err := sumUnits(clock, timeUnits, true)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", err, s)
	}
	return Duration(days + hms), nil
}

// sumUnits adds up <number><designator> pairs. Designators follow the order of
// units and appear at most once.
func sumUnits(s string, units []isoUnit, fractionOK bool) (time.Duration, error) {
	var total time.Duration
	for s != "" {
		i := strings.IndexFunc(s, func(r rune) bool {
			return (r < '0' || r > '9') && r != '.' && r != ','
		})
		if i <= 0 {
			return 0, ErrISOFormat
		}
		number, designator := s[:i], s[i]
		s = s[i+1:]
		for len(units) > 0 && units[0].designator != designator {
			units = units[1:]
		}
		if len(units) == 0 {
			return 0, ErrISOFormat
		}
		size := units[0].size
		units = units[1:]

		whole, frac, hasFrac := strings.Cut(strings.Replace(number, ",", ".", 1), ".")
		n, err := strconv.ParseInt(whole, 10, 64)
		if err != nil || n > int64(math.MaxInt64/size) {
			return 0, ErrISOFormat
		}
		total += time.Duration(n) * size
		if hasFrac {
			if s != "" || !fractionOK || frac == "" {
				return 0, ErrISOFormat
			}
			f, err := strconv.ParseFloat("0."+frac, 64)
			if err != nil {
				return 0, ErrISOFormat
			}
			total += time.Duration(math.Round(f * float64(size)))
		}
	}
	return total, nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String formats d as ISO-8601, 90s is PT1M30S. Negative durations format as
// PT0S.
func (d Duration) String() string {
	v := time.Duration(d)
	if v <= 0 {
		return "PT0S"
	}
	var b strings.Builder
	b.WriteByte('P')
	if days := v / day; days > 0 {
		fmt.Fprintf(&b, "%dD", int64(days))
		v %= day
	}
	if v == 0 {
		return b.String()
	}
	b.WriteByte('T')
	for _, u := range timeUnits[:2] {
		if n := v / u.size; n > 0 {
			fmt.Fprintf(&b, "%d%c", int64(n), u.designator)
			v %= u.size
		}
	}
	if v > 0 {
		b.WriteString(strconv.FormatFloat(v.Seconds(), 'f', -1, 64))
		b.WriteByte('S')
	}
	return b.String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	s := string(b)
	if s == "" {
		*d = 0
		return nil
	}
	if v, err := ParseDuration(s); err == nil {
		*d = v
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}
