// Package security provides shared security validation functions.
package security

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateRedirect checks a server-supplied redirect target before the
// browser is sent there. Same-site paths are always allowed; absolute URLs
// must be http or https and point at one of allowedHosts.
func ValidateRedirect(raw string, allowedHosts ...string) error {
	if raw == "" {
		return fmt.Errorf("redirect target is empty")
	}
	if strings.ContainsAny(raw, "\r\n\t") {
		return fmt.Errorf("redirect target contains control characters")
	}

	// Browsers treat "/\host" like "//host".
	if strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, `/\`) {
		return fmt.Errorf("protocol-relative redirects are not allowed")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}

	if parsed.Scheme == "" && parsed.Host == "" {
		if !strings.HasPrefix(parsed.Path, "/") {
			return fmt.Errorf("redirect path must be absolute, got %q", raw)
		}
		return nil
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("redirect scheme must be http or https, got %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("redirect URL must have a host")
	}
	for _, allowed := range allowedHosts {
		if strings.EqualFold(host, allowed) {
			return nil
		}
	}
	return fmt.Errorf("redirects to %s are not allowed", host)
}
