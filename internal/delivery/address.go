package delivery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidAddress is returned for a destination that is not a dialable
// E.164 number.
var ErrInvalidAddress = errors.New("invalid destination address")

// DefaultRegion is the region assumed for numbers written without a
// country code.
const DefaultRegion = "US"

// NormalizeAddress converts raw to E.164. Numbers without a leading + are
// parsed as DefaultRegion numbers, and the result must be a number the
// numbering plan actually assigns.
func NormalizeAddress(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	num, err := phonenumbers.Parse(s, DefaultRegion)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidAddress, raw, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
