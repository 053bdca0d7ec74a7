package chain

import "net/url"

// Redact strips credentials and query strings (often API keys) from an
// endpoint URL for logs and errors.
func Redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "<endpoint>"
	}
	u.User = nil
	u.RawQuery = ""
	if len(u.Path) > 1 {
		u.Path = "/redacted"
	}
	return u.String()
}
