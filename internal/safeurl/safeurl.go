// Package safeurl guards the probe's outbound HTTP fetches against SSRF: a
// federated instance is an untrusted remote that controls both the URLs its
// NodeInfo pointer advertises and where its HTTP redirects land, so both
// need checking before a connection is made.
package safeurl

import (
	"fmt"
	"net"
	"net/url"
	"syscall"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF or local file access.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := parsed.Scheme
	return s == "http" || s == "https"
}

// CheckConnect is a net.Dialer.Control hook: install it on the transport
// used for probe fetches and the runtime refuses to complete any TCP
// connection to a loopback, private, link-local, or unspecified address,
// regardless of which hostname resolved there. This closes the redirect
// and DNS-rebinding routes into internal infrastructure that a purely
// scheme-based check (IsHTTPOrHTTPS) can't.
func CheckConnect(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Dial always resolves before Control runs, so this shouldn't
		// happen; fail open would defeat the point, so refuse instead.
		return fmt.Errorf("safeurl: could not parse resolved address %q", address)
	}
	if isBlockedIP(ip) {
		return fmt.Errorf("safeurl: refusing to connect to %s (private/loopback/link-local)", ip)
	}
	return nil
}

func isBlockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
