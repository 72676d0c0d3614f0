// Package phone normalizes Kenyan MSISDNs to the canonical 254XXXXXXXXX form
// required by the M-Pesa API.
package phone

import (
	"errors"
	"regexp"
	"strings"
)

const countryCode = "254"

var (
	ErrInvalid = errors.New("invalid M-Pesa phone number")

	// Safaricom and Airtel Kenya mobile prefixes
	canonical = regexp.MustCompile(`^254[17]\d{8}$`)
	stripRe   = regexp.MustCompile(`[^\d+]`)
)

// Normalize converts "0712345678", "+254712345678" or "254712345678" to
// "254712345678". Anything that does not end up matching ^254[17]\d{8}$ is
// rejected before any network call is made with it.
func Normalize(raw string) (string, error) {
	n := stripRe.ReplaceAllString(raw, "")
	switch {
	case strings.HasPrefix(n, "0"):
		n = countryCode + n[1:]
	case strings.HasPrefix(n, "+"+countryCode):
		n = n[1:]
	}
	if !canonical.MatchString(n) {
		return "", ErrInvalid
	}
	return n, nil
}
