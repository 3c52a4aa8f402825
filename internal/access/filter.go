// Package access decides whether an inbound client may use the proxy.
package access

import (
	"log/slog"
	"net"

	"bestprice-proxy/internal/config"
)

// Decision is the outcome of a blacklist check.
type Decision int

const (
	// AllowedNoBlacklist means no blacklist is configured.
	AllowedNoBlacklist Decision = iota
	// AllowedNotListed means the client is absent from the blacklist.
	AllowedNotListed
	// Blocked means the client is blacklisted.
	Blocked
)

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool {
	return d != Blocked
}

func (d Decision) String() string {
	switch d {
	case AllowedNoBlacklist:
		return "allowed_no_blacklist"
	case AllowedNotListed:
		return "allowed_not_listed"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Filter matches client addresses against the configured blacklist.
// Entries are compared verbatim; CIDR ranges are not supported.
type Filter struct {
	blacklist map[string]struct{}
	logger    *slog.Logger
}

// NewFilter creates a Filter from the configured blacklist.
func NewFilter(cfg *config.Config, logger *slog.Logger) *Filter {
	set := make(map[string]struct{}, len(cfg.Blacklist))
	for _, ip := range cfg.Blacklist {
		set[ip] = struct{}{}
	}
	return &Filter{
		blacklist: set,
		logger:    logger.With("component", "access_filter"),
	}
}

// Len returns the number of blacklisted addresses.
func (f *Filter) Len() int {
	return len(f.blacklist)
}

// Check evaluates the client address and logs the decision.
func (f *Filter) Check(remoteAddr string) Decision {
	if len(f.blacklist) == 0 {
		f.logger.Info("request admitted", "remote_addr", remoteAddr, "decision", AllowedNoBlacklist.String())
		return AllowedNoBlacklist
	}

	if _, listed := f.blacklist[remoteAddr]; listed {
		f.logger.Warn("request blocked: client is blacklisted", "remote_addr", remoteAddr, "decision", Blocked.String())
		return Blocked
	}

	f.logger.Info("request admitted", "remote_addr", remoteAddr, "decision", AllowedNotListed.String())
	return AllowedNotListed
}

// HostOf strips the port from a connection address such as "10.0.0.5:51234".
// Addresses without a port are returned unchanged.
func HostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
