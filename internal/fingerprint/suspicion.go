package fingerprint

import (
	"net/http"
	"strings"
)

// Suspicion is a soft risk signal: a count of independent heuristic red
// flags, never a hard block on its own.
type Suspicion struct {
	IsSuspicious bool
	RiskScore    int
	Indicators   []string
}

var headlessKeywords = []string{"headless", "phantom", "selenium", "webdriver"}

// Score accumulates suspicion indicators for a single request.
func Score(fp Fingerprint, headers http.Header) Suspicion {
	var indicators []string

	if fp.IsBot {
		indicators = append(indicators, "detected_bot")
	}
	if len(fp.RawUserAgent) < 10 {
		indicators = append(indicators, "minimal_user_agent")
	}
	if fp.BrowserFamily == "Internet Explorer" {
		indicators = append(indicators, "outdated_browser")
	}
	if fp.BrowserFamily == "Other" || fp.BrowserFamily == "Unknown" {
		indicators = append(indicators, "unknown_browser")
	}
	if headers == nil || headers.Get("Accept-Language") == "" {
		indicators = append(indicators, "no_accept_language")
	}
	uaLower := strings.ToLower(fp.RawUserAgent)
	for _, kw := range headlessKeywords {
		if strings.Contains(uaLower, kw) {
			indicators = append(indicators, "headless_browser")
			break
		}
	}

	return Suspicion{
		IsSuspicious: len(indicators) > 0,
		RiskScore:    len(indicators),
		Indicators:   indicators,
	}
}
