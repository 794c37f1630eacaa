package security

import (
	"net/netip"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

var ErrUnsafeURL = errors.New("unsafe url")

// URLPolicy restricts the URLs the client connects to or forwards to a provider.
type URLPolicy struct {
	Schemes []string
	// AllowLocalNetworks permits localhost and loopback, private or link-local IPs.
	AllowLocalNetworks bool
}

var (
	// BackendPolicy covers the chat backend, which usually runs next to the client.
	BackendPolicy = URLPolicy{Schemes: []string{"http", "https"}, AllowLocalNetworks: true}
	// ChannelPolicy covers the push channel of the backend.
	ChannelPolicy = URLPolicy{Schemes: []string{"ws", "wss"}, AllowLocalNetworks: true}
	// AttachmentPolicy covers remote attachments, which the backend fetches on
	// the user's behalf.
	AttachmentPolicy = URLPolicy{Schemes: []string{"http", "https"}}
)

// Validate checks rawURL without resolving its host.
func (p URLPolicy) Validate(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrapf(ErrUnsafeURL, "invalid url %q: %v", rawURL, err)
	}

	if !p.allowsScheme(parsed.Scheme) {
		return errors.Wrapf(ErrUnsafeURL, "scheme %q not allowed, expected one of %s",
			parsed.Scheme, strings.Join(p.Schemes, ", "))
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return errors.Wrapf(ErrUnsafeURL, "%q has no host", rawURL)
	}

	if !p.AllowLocalNetworks {
		if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
			return errors.Wrapf(ErrUnsafeURL, "local host %q not allowed", host)
		}
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		// a name, not an IP literal
		return nil
	}
	if addr.Zone() != "" && !p.AllowLocalNetworks {
		return errors.Wrapf(ErrUnsafeURL, "zoned address %q not allowed", host)
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsMulticast() {
		return errors.Wrapf(ErrUnsafeURL, "address %q not allowed", host)
	}
	if !p.AllowLocalNetworks &&
		(addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()) {
		return errors.Wrapf(ErrUnsafeURL, "local address %q not allowed", host)
	}

	return nil
}

func (p URLPolicy) allowsScheme(scheme string) bool {
	scheme = strings.ToLower(scheme)
	for _, s := range p.Schemes {
		if s == scheme {
			return true
		}
	}
	return false
}
