package command

import (
	"fmt"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/bryanwahyu/scanops/internal/domain/scanerr"
)

// Characters and sequences that could let a target string escape into a
// shell or smuggle extra options. Argv execution already prevents shell
// interpretation; this is the independent second layer.
var shellMeta = []string{
	";", "|", "&", "$", "`", "(", ")", "<", ">", "\\", "\"", "'",
	"{", "}", "[", "]", "*", "?", "~", "!", "\n", "\r", "\x00",
}

var hostnameRE = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?)*$`)

// SanitizeTargetHost normalizes a host or IP target. Whitespace, shell
// metacharacters and non-routable ranges are rejected.
func SanitizeTargetHost(raw string) (string, error) {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return "", fmt.Errorf("%w: empty", scanerr.ErrInvalidTarget)
	}
	for _, r := range host {
		if unicode.IsSpace(r) {
			return "", fmt.Errorf("%w: %q contains whitespace", scanerr.ErrInvalidTarget, raw)
		}
	}
	for _, m := range shellMeta {
		if strings.Contains(host, m) {
			return "", fmt.Errorf("%w: %q contains forbidden character %q", scanerr.ErrInvalidTarget, raw, m)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if !routable(addr) {
			return "", fmt.Errorf("%w: %s is not a routable address", scanerr.ErrInvalidTarget, host)
		}
		return addr.String(), nil
	}

	host = strings.TrimSuffix(host, ".")
	if len(host) > 253 || !hostnameRE.MatchString(host) {
		return "", fmt.Errorf("%w: %q is not a valid hostname", scanerr.ErrInvalidTarget, raw)
	}
	if dotless := !strings.Contains(host, "."); dotless || host == "localhost" {
		return "", fmt.Errorf("%w: %q is not a public hostname", scanerr.ErrInvalidTarget, raw)
	}
	return host, nil
}

// SanitizeTargetURL normalizes an absolute http/https URL. The host part
// passes the same checks as SanitizeTargetHost.
func SanitizeTargetURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", scanerr.ErrInvalidTarget)
	}
	for _, r := range trimmed {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return "", fmt.Errorf("%w: %q contains whitespace or control characters", scanerr.ErrInvalidTarget, raw)
		}
	}
	// ? & = are legitimate inside query strings; the rest never are.
	for _, m := range []string{";", "|", "&&", "`", "$", "<", ">", "\\", "\"", "'", "(", ")", "{", "}"} {
		if strings.Contains(trimmed, m) {
			return "", fmt.Errorf("%w: %q contains forbidden sequence %q", scanerr.ErrInvalidTarget, raw, m)
		}
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", scanerr.ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q not allowed (http, https only)", scanerr.ErrInvalidTarget, u.Scheme)
	}
	if u.User != nil {
		return "", fmt.Errorf("%w: userinfo not allowed", scanerr.ErrInvalidTarget)
	}
	host, err := SanitizeTargetHost(u.Hostname())
	if err != nil {
		return "", err
	}
	if port := u.Port(); port != "" {
		host = host + ":" + port
	}
	u.Host = host
	u.Fragment = ""
	return u.String(), nil
}

// routable rejects loopback, private, link-local, multicast and
// unspecified ranges. Scanning those is an SSRF vector, not a use case.
func routable(addr netip.Addr) bool {
	switch {
	case addr.IsLoopback(), addr.IsPrivate(), addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(), addr.IsMulticast(), addr.IsUnspecified():
		return false
	}
	return true
}
