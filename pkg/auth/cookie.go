package auth

import (
	"regexp"
	"strings"
	"time"
)

// sessionTTL is assumed when the slnet cookie carries no usable expires attribute.
const sessionTTL = 4 * time.Hour

// The backend formats the expires attribute with a two-digit year, which Go's cookie
// parser and net/http reject.
const expiresLayout = "Mon, 02-Jan-06 15:04:05 MST"

var (
	slnetRE   = regexp.MustCompile(`slnet=([^;,\s]+)`)
	expiresRE = regexp.MustCompile(`(?i)expires=([^;]+)`)
)

// parseSessionCookie recovers the slnet token and its expiry from raw Set-Cookie header
// values. Token issuance must succeed even when only the expiry metadata is degraded, so a
// missing or unparsable expires attribute falls back to now plus sessionTTL instead of
// reporting failure.
func parseSessionCookie(values []string, now time.Time) (token string, expires time.Time, ok bool) {
	for _, value := range values {
		m := slnetRE.FindStringSubmatch(value)
		if m == nil {
			continue
		}
		token = m[1]
		expires = now.Add(sessionTTL)
		if em := expiresRE.FindStringSubmatch(value); em != nil {
			if t, err := time.Parse(expiresLayout, strings.TrimSpace(em[1])); err == nil {
				expires = t
			}
		}
		return token, expires, true
	}
	return "", time.Time{}, false
}
