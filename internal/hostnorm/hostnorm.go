// Package hostnorm normalizes instance hostnames to the canonical lowercase
// ASCII form the store keys on (spec §3: "Equality and storage is by
// lowercased string form"). Internationalized hostnames discovered from
// NodeInfo peer lists or Location headers are punycode-encoded first so two
// spellings of the same instance ("bücher.social" vs "xn--bcher-kva.social")
// collapse to one row.
package hostnorm

import (
	"strings"

	"golang.org/x/net/idna"
)

// profile applies the IDNA lookup mapping, which also validates strictly.
// Hostnames harvested from the open web frequently fail that validation
// (stray underscores, mixed scripts), so Normalize falls back to plain
// lowercasing when profile rejects a name: the goal is a best-effort
// canonical form, not a validator that rejects real-world instances.
var profile = idna.New(
	idna.MapForLookup(),
	idna.Transitional(false),
)

// Normalize lowercases host and punycode-encodes any non-ASCII labels. If
// idna conversion fails (malformed input), it falls back to a plain
// lowercase of the trimmed input rather than erroring, since the store must
// still be able to record something for a misbehaving peer.
func Normalize(host string) string {
	host = strings.TrimSpace(host)
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return host
	}
	if ascii, err := profile.ToASCII(host); err == nil {
		return strings.ToLower(ascii)
	}
	return strings.ToLower(host)
}
