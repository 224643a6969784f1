package webhooks

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

var ErrInvalidURL = errors.New("invalid webhook url")

// ValidateURL rejects URLs that are not absolute http(s) or that point at
// loopback, private or link-local hosts.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidURL
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return ErrInvalidURL
	}
	host := u.Hostname()
	if host == "" || strings.EqualFold(host, "localhost") || strings.HasSuffix(strings.ToLower(host), ".localhost") {
		return ErrInvalidURL
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
			return ErrInvalidURL
		}
	}
	return nil
}
