// Package fingerprint turns request metadata (user-agent, client hints,
// headers) into a normalized device/bot/suspicion signal for the download
// gateway's audit trail.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"elimustore/pkg/cache"

	"github.com/mileusna/useragent"
)

// Fingerprint is the normalized view of one client.
type Fingerprint struct {
	BrowserFamily  string `json:"browser_family"`
	BrowserVersion string `json:"browser_version"`
	OSFamily       string `json:"os_family"`
	OSVersion      string `json:"os_version"`
	DeviceFamily   string `json:"device_family"`
	DeviceBrand    string `json:"device_brand"`
	DeviceModel    string `json:"device_model"`

	IsMobile       bool `json:"is_mobile"`
	IsTablet       bool `json:"is_tablet"`
	IsBot          bool `json:"is_bot"`
	IsPC           bool `json:"is_pc"`
	IsTouchCapable bool `json:"is_touch_capable"`

	RawUserAgent string `json:"raw_user_agent"`
}

var botKeywords = []string{
	"bot", "crawler", "spider", "scraper", "wget", "curl",
	"python-requests", "go-http-client", "okhttp", "automated", "headless", "phantom",
}

var mobileDevices = map[string]bool{
	"iPhone": true, "Android": true, "BlackBerry": true, "Windows Phone": true,
}

var mobileOSes = []string{"Android", "iOS", "Windows Phone", "BlackBerry"}

var tabletDevices = map[string]bool{
	"iPad": true, "Android Tablet": true,
}

// Extractor parses user agents, caching results by a hash of the raw string.
// Parsing is pure computation, so the cache is strictly a latency optimization
// and failures are ignored.
type Extractor struct {
	cache cache.Cache
	ttl   time.Duration
}

func NewExtractor(c cache.Cache, ttl time.Duration) *Extractor {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Extractor{cache: c, ttl: ttl}
}

// Extract parses the user agent (cached) and refines the result with client
// hint headers, which take precedence over UA-string sniffing.
func (e *Extractor) Extract(ctx context.Context, uaString string, headers http.Header) Fingerprint {
	fp := e.parseCached(ctx, uaString)
	applyClientHints(&fp, headers)
	return fp
}

func (e *Extractor) parseCached(ctx context.Context, uaString string) Fingerprint {
	if uaString == "" {
		return defaultFingerprint("")
	}
	key := cacheKey(uaString)
	if e.cache != nil {
		if raw, ok := e.cache.Get(ctx, key); ok {
			var fp Fingerprint
			if json.Unmarshal([]byte(raw), &fp) == nil {
				return fp
			}
		}
	}
	fp := Parse(uaString)
	if e.cache != nil {
		if raw, err := json.Marshal(fp); err == nil {
			e.cache.Set(ctx, key, string(raw), e.ttl)
		}
	}
	return fp
}

func cacheKey(uaString string) string {
	sum := sha256.Sum256([]byte(uaString))
	return "ua:" + hex.EncodeToString(sum[:])[:16]
}

// Parse classifies a raw user-agent string without cache or client hints.
func Parse(uaString string) Fingerprint {
	if uaString == "" {
		return defaultFingerprint("")
	}
	ua := useragent.Parse(uaString)
	uaLower := strings.ToLower(uaString)

	fp := Fingerprint{
		BrowserFamily:  orOther(ua.Name),
		BrowserVersion: orUnknown(ua.Version),
		OSFamily:       orOther(ua.OS),
		OSVersion:      orUnknown(ua.OSVersion),
		DeviceFamily:   orOther(ua.Device),
		RawUserAgent:   uaString,
	}

	fp.IsMobile = strings.Contains(uaLower, "mobile") ||
		strings.Contains(uaLower, "phone") ||
		mobileDevices[fp.DeviceFamily] ||
		isMobileOS(fp.OSFamily)

	fp.IsTablet = strings.Contains(uaLower, "tablet") ||
		tabletDevices[fp.DeviceFamily] ||
		(strings.Contains(uaLower, "android") && !strings.Contains(uaLower, "mobile"))

	for _, kw := range botKeywords {
		if strings.Contains(uaLower, kw) {
			fp.IsBot = true
			break
		}
	}

	fp.IsPC = !fp.IsMobile && !fp.IsTablet && !fp.IsBot
	fp.IsTouchCapable = fp.IsMobile || fp.IsTablet || strings.Contains(uaLower, "touch")
	return fp
}

func applyClientHints(fp *Fingerprint, headers http.Header) {
	if headers == nil {
		return
	}
	if v := unquote(headers.Get("Sec-CH-UA-Platform")); v != "" {
		fp.OSFamily = v
	}
	if v := unquote(headers.Get("Sec-CH-UA-Platform-Version")); v != "" {
		fp.OSVersion = v
	}
	if v := headers.Get("Sec-CH-UA-Mobile"); v != "" {
		fp.IsMobile = v == "?1"
	}
	if v := unquote(headers.Get("Sec-CH-UA-Model")); v != "" {
		fp.DeviceModel = v
	}
	if v := unquote(headers.Get("Sec-CH-UA-Full-Version")); v != "" {
		fp.BrowserVersion = v
	}
}

func defaultFingerprint(uaString string) Fingerprint {
	return Fingerprint{
		BrowserFamily:  "Other",
		BrowserVersion: "Unknown",
		OSFamily:       "Other",
		OSVersion:      "Unknown",
		DeviceFamily:   "Other",
		IsPC:           true,
		RawUserAgent:   uaString,
	}
}

func isMobileOS(family string) bool {
	for _, os := range mobileOSes {
		if strings.Contains(family, os) {
			return true
		}
	}
	return false
}

func orOther(s string) string {
	if s == "" {
		return "Other"
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}
