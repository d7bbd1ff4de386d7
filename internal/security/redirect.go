package security

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidateRedirectURL checks that a client-supplied redirect URL is safe to
// send a browser to after checkout. Prevents open-redirect abuse: only http
// and https schemes are accepted, and when an allowlist is configured the
// host must match one of its entries.
func ValidateRedirectURL(rawURL string, allowedHosts []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}

	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	if len(allowedHosts) == 0 {
		return nil
	}

	host := u.Hostname()
	for _, allowed := range allowedHosts {
		if allowed == "*" || strings.EqualFold(host, allowed) {
			return nil
		}
	}

	return fmt.Errorf("redirect host %q is not allowed", host)
}
