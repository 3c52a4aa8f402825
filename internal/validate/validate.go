// Package validate checks listen address values read from configuration.
package validate

import (
	"net/netip"
	"strconv"
)

// maxPort is the first value outside the TCP port range.
const maxPort = 1 << 16

// IPv4 reports whether candidate is a dotted-quad IPv4 literal.
// IPv6 and IPv4-mapped IPv6 forms are rejected.
func IPv4(candidate string) bool {
	addr, err := netip.ParseAddr(candidate)
	if err != nil {
		return false
	}
	return addr.Is4()
}

// Port parses candidate as a TCP port. The input must be the canonical
// base-10 form of the number, so leading zeros, signs and whitespace are
// rejected. It returns 0 when candidate is not a usable port; callers treat
// 0 as "use the default".
func Port(candidate string) int {
	n, err := strconv.Atoi(candidate)
	if err != nil || n < 0 || n >= maxPort {
		return 0
	}
	if strconv.Itoa(n) != candidate {
		return 0
	}
	return n
}
