// Package textutil collects the small parsing and formatting primitives
// shared by the configuration layer and the policy/report code: integer and
// time-interval parsing, the quoted-word splitter, environment-variable
// substitution, and the numeric-run-aware name comparator.
package textutil

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Base64 renders s using the standard RFC 4648 alphabet, matching
// rsbackup's write_base64 (which uses the same alphabet and padding
// convention). The standard library encoder is a faithful drop-in here:
// there is no domain-specific behaviour worth reimplementing by hand.
func Base64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// ParseInteger parses s as a base-radix integer in [min, max], mirroring
// rsbackup's strtoll-based parser: no leading/trailing garbage, no leading
// whitespace. radix 0 means "infer from prefix" (0x.., 0.., decimal),
// matching strtoll(..., 0).
func ParseInteger(s string, min, max int64, radix int) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	if c := s[0]; !(c >= '0' && c <= '9') && c != '-' {
		return 0, fmt.Errorf("invalid integer %q", s)
	}
	n, err := strconv.ParseInt(s, radix, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q: %w", s, err)
	}
	if n > max || n < min {
		return 0, fmt.Errorf("integer %q out of range", s)
	}
	return n, nil
}

// ParseFloat parses s as a float64 in [min, max].
func ParseFloat(s string, min, max float64) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	if f < min || f > max {
		return 0, fmt.Errorf("number %q out of range", s)
	}
	return f, nil
}

var timeUnits = []struct {
	ch      byte
	seconds int64
}{
	{'d', 86400},
	{'h', 3600},
	{'m', 60},
	{'s', 1},
}

// ParseTimeInterval parses a duration like "1d", "30m", "45s" into seconds.
func ParseTimeInterval(s string, max int64) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("time interval must have a unit")
	}
	unit := int64(0)
	last := s[len(s)-1]
	if (last >= 'a' && last <= 'z') || (last >= 'A' && last <= 'Z') {
		lower := last
		if lower >= 'A' && lower <= 'Z' {
			lower = lower + ('a' - 'A')
		}
		unit = -1
		for _, tu := range timeUnits {
			if tu.ch == lower {
				unit = tu.seconds
				break
			}
		}
		if unit < 0 {
			return 0, fmt.Errorf("unrecognized time unit")
		}
		s = s[:len(s)-1]
	}
	if unit == 0 {
		return 0, fmt.Errorf("time interval must have a unit")
	}
	n, err := ParseInteger(s, 0, max, 0)
	if err != nil {
		return 0, err
	}
	if n > max/unit {
		return 0, fmt.Errorf("time interval too large to represent")
	}
	return n * unit, nil
}

// FormatTimeInterval formats seconds using the largest whole unit that
// divides it exactly, preferring days, then hours, minutes, seconds.
func FormatTimeInterval(n int64) string {
	for _, tu := range timeUnits {
		if n%tu.seconds == 0 {
			return fmt.Sprintf("%d%c", n/tu.seconds, tu.ch)
		}
	}
	return fmt.Sprintf("%ds", n)
}

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" into seconds since midnight.
// "24:00:00" is accepted and means 86400.
func ParseTimeOfDay(s string) (int, error) {
	bits := strings.Split(s, ":")
	if len(bits) < 2 || len(bits) > 3 {
		return 0, fmt.Errorf("time of day %q malformed", s)
	}
	hour, err := ParseInteger(bits[0], 0, 24, 10)
	if err != nil {
		return 0, err
	}
	minute, err := ParseInteger(bits[1], 0, 59, 10)
	if err != nil {
		return 0, err
	}
	var second int64
	if len(bits) > 2 {
		second, err = ParseInteger(bits[2], 0, 59, 10)
		if err != nil {
			return 0, err
		}
	}
	if hour == 24 && (minute != 0 || second != 0) {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return int(hour*3600 + minute*60 + second), nil
}

// FormatTimeOfDay is the inverse of ParseTimeOfDay.
func FormatTimeOfDay(t int) string {
	seconds := t % 60
	minutes := (t / 60) % 60
	hours := t / 3600
	return fmt.Sprintf("%d:%02d:%02d", hours, minutes, seconds)
}

// Split breaks a configuration line into words. Words are whitespace
// separated but may be double-quoted, with backslash escaping any
// character inside quotes; '#' outside quotes starts a comment running to
// end of line.
func Split(line string) ([]string, error) {
	var bits []string
	pos := 0
	n := len(line)
	for pos < n {
		c := line[pos]
		switch {
		case isSpace(c):
			pos++
		case c == '#':
			return bits, nil
		case c == '"':
			var sb strings.Builder
			pos++
			for pos < n && line[pos] != '"' {
				if line[pos] == '\\' {
					pos++
					if pos >= n {
						return nil, fmt.Errorf("unterminated string")
					}
				}
				sb.WriteByte(line[pos])
				pos++
			}
			if pos >= n {
				return nil, fmt.Errorf("unterminated string")
			}
			pos++
			bits = append(bits, sb.String())
		case c == '\\':
			return nil, fmt.Errorf("unquoted backslash")
		default:
			start := pos
			for pos < n && !isSpace(line[pos]) && line[pos] != '"' && line[pos] != '\\' {
				pos++
			}
			bits = append(bits, line[start:pos])
		}
	}
	return bits, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\v' || c == '\f' || c == '\r'
}

// Substitute expands ${NAME} references against lookup, non-recursively.
// A backslash escapes the following character except at end of string.
func Substitute(s string, lookup func(name string) (string, bool)) (string, error) {
	var sb strings.Builder
	n := len(s)
	for i := 0; i < n; i++ {
		c := s[i]
		switch {
		case c == '\\':
			if i+1 < n {
				i++
				sb.WriteByte(s[i])
			}
		case c == '$' && i+1 < n && s[i+1] == '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated ${...} in %q", s)
			}
			name := s[i+2 : i+2+end]
			value, ok := lookup(name)
			if !ok {
				return "", fmt.Errorf("undefined variable %q", name)
			}
			sb.WriteString(value)
			i = i + 2 + end
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}

// NameLess implements the numeric-run-aware comparator used to order
// host/volume names: digit runs are compared numerically (after stripping
// leading zeros), with equal-length numeric runs falling back to
// lexicographic comparison; this makes "host2" sort before "host10".
func NameLess(a, b string) bool {
	ai, bi := 0, 0
	for ai < len(a) && bi < len(b) {
		ac, bc := a[ai], b[bi]
		aDigit, bDigit := isDigit(ac), isDigit(bc)
		switch {
		case aDigit && bDigit:
			for ai < len(a) && a[ai] == '0' {
				ai++
			}
			for bi < len(b) && b[bi] == '0' {
				bi++
			}
			aStart, bStart := ai, bi
			for ai < len(a) && isDigit(a[ai]) {
				ai++
			}
			for bi < len(b) && isDigit(b[bi]) {
				bi++
			}
			alen, blen := ai-aStart, bi-bStart
			if alen != blen {
				return alen < blen
			}
			if cmp := strings.Compare(a[aStart:ai], b[bStart:bi]); cmp != 0 {
				return cmp < 0
			}
		case aDigit:
			return true
		case bDigit:
			return false
		default:
			if ac != bc {
				return ac < bc
			}
			ai++
			bi++
		}
	}
	return a < b
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
