package market

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// isrcRegex matches: {country}-{registrant}-{year}-{designation}
// Example: BR-ABC-24-00001 (dashes optional)
var isrcRegex = regexp.MustCompile(
	`^([A-Z]{2})-?([A-Z0-9]{3})-?(\d{2})-?(\d{5})$`,
)

var (
	ErrInvalidISRC   = errors.New("market: invalid ISRC format")
	ErrDuplicateISRC = errors.New("market: ISRC already listed")
)

// ISRC is a parsed International Standard Recording Code.
type ISRC struct {
	Code        string `json:"code"` // normalized, no dashes
	Country     string `json:"country"`
	Registrant  string `json:"registrant"`
	Year        int    `json:"year"` // two-digit reference year
	Designation string `json:"designation"`
}

// ParseISRC parses and validates an ISRC. Input is case-insensitive and
// may be dashed or compact.
func ParseISRC(code string) (*ISRC, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	matches := isrcRegex.FindStringSubmatch(normalized)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected CC-XXX-YY-NNNNN)", ErrInvalidISRC, code)
	}
	year, _ := strconv.Atoi(matches[3])
	return &ISRC{
		Code:        matches[1] + matches[2] + matches[3] + matches[4],
		Country:     matches[1],
		Registrant:  matches[2],
		Year:        year,
		Designation: matches[4],
	}, nil
}

// String formats the code in its dashed display form.
func (i ISRC) String() string {
	return fmt.Sprintf("%s-%s-%02d-%s", i.Country, i.Registrant, i.Year, i.Designation)
}
