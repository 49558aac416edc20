package contracts

import (
	"fmt"
	"strings"
)

// InstrumentCode is an 8-character A-share identifier: a 2-char market
// prefix (sh/sz/bj) followed by a 6-digit number, e.g. "sh600000".
// Value-equal on byte content.
type InstrumentCode string

// Known market prefixes.
const (
	MarketShanghai = "sh"
	MarketShenzhen = "sz"
	MarketBeijing  = "bj"
)

// ParseInstrument normalizes and validates an instrument string.
func ParseInstrument(s string) (InstrumentCode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 8 {
		return "", fmt.Errorf("%w: instrument %q must be 8 characters", ErrConfigInvalid, s)
	}

	market := s[:2]
	switch market {
	case MarketShanghai, MarketShenzhen, MarketBeijing:
	default:
		return "", fmt.Errorf("%w: instrument %q has unknown market prefix %q", ErrConfigInvalid, s, market)
	}

	for _, r := range s[2:] {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: instrument %q number part is not numeric", ErrConfigInvalid, s)
		}
	}

	return InstrumentCode(s), nil
}

// MustInstrument parses an instrument and panics on failure. For tests
// and literals only.
func MustInstrument(s string) InstrumentCode {
	code, err := ParseInstrument(s)
	if err != nil {
		panic(err)
	}
	return code
}

// Market returns the 2-char market prefix.
func (c InstrumentCode) Market() string {
	if len(c) < 2 {
		return ""
	}
	return string(c[:2])
}

// Number returns the 6-digit number part.
func (c InstrumentCode) Number() string {
	if len(c) < 8 {
		return ""
	}
	return string(c[2:])
}

// IsShanghai reports whether the instrument trades on the Shanghai
// exchange, which is the only market charged the transfer fee.
func (c InstrumentCode) IsShanghai() bool {
	return c.Market() == MarketShanghai
}

func (c InstrumentCode) String() string {
	return string(c)
}
