package validation

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

var (
	ErrEmptyURL      = errors.New("URL cannot be empty")
	ErrLocalTarget   = errors.New("local network targets are not permitted")
	ErrInvalidScheme = errors.New("URL must use http or https protocol")
)

// URLValidator checks feed URLs and relay targets.
type URLValidator struct {
	// AllowLocal permits loopback, private and link-local hosts.
	AllowLocal bool
	MaxLength  int
	// AddScheme prefixes https:// when the input carries no scheme.
	AddScheme bool
}

// NewFeedURLValidator is used for user-entered subscription URLs.
func NewFeedURLValidator() *URLValidator {
	return &URLValidator{MaxLength: 2048, AddScheme: true}
}

// NewPermissiveFeedURLValidator allows local development servers.
func NewPermissiveFeedURLValidator() *URLValidator {
	return &URLValidator{AllowLocal: true, MaxLength: 2048, AddScheme: true}
}

// NewRelayTargetValidator is used by the relay for its url parameter. The
// target must be absolute and outside the local network.
func NewRelayTargetValidator() *URLValidator {
	return &URLValidator{MaxLength: 8192}
}

// ValidateAndNormalize validates input and returns its normalized form.
func (v *URLValidator) ValidateAndNormalize(input string) (string, error) {
	u, err := v.Parse(input)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (v *URLValidator) Parse(input string) (*url.URL, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyURL
	}
	if v.MaxLength > 0 && len(input) > v.MaxLength {
		return nil, fmt.Errorf("URL too long (max %d characters)", v.MaxLength)
	}
	if strings.ContainsAny(input, "<>\"'`") {
		return nil, fmt.Errorf("URL contains invalid characters")
	}

	if v.AddScheme && !strings.Contains(input, "://") {
		input = "https://" + input
	}

	u, err := url.Parse(input)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrInvalidScheme
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("URL must have a valid hostname")
	}
	if !v.AllowLocal && IsLocalHost(u.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrLocalTarget, u.Hostname())
	}
	if strings.Contains(u.Path, "..") {
		return nil, fmt.Errorf("directory traversal patterns not allowed in URL path")
	}
	return u, nil
}

// IsLocalHost reports whether host names the local machine or a LAN
// address. Host names are not resolved.
func IsLocalHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(strings.Trim(host, "[]"))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsUnspecified() || addr.IsLinkLocalMulticast()
}
