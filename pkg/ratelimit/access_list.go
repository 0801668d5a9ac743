package ratelimit

import (
	"fmt"
	"net/netip"
	"strings"
)

// AccessDecision is the outcome of an access list lookup.
type AccessDecision int

const (
	AccessNone AccessDecision = iota
	AccessAllow
	AccessDeny
)

func (d AccessDecision) String() string {
	switch d {
	case AccessAllow:
		return "allow"
	case AccessDeny:
		return "deny"
	default:
		return "none"
	}
}

type patternKind int

const (
	patternExact patternKind = iota
	patternPrefix
	patternCIDR
)

type accessPattern struct {
	kind   patternKind
	raw    string
	addr   netip.Addr
	prefix netip.Prefix
}

// parseAccessPattern accepts an exact address (or opaque source id), a CIDR
// block, or a trailing-* prefix pattern.
func parseAccessPattern(entry string) (accessPattern, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return accessPattern{}, fmt.Errorf("empty entry")
	}

	if strings.HasSuffix(entry, "*") {
		if strings.Count(entry, "*") > 1 {
			return accessPattern{}, fmt.Errorf("%q: only a single trailing * is supported", entry)
		}
		return accessPattern{kind: patternPrefix, raw: entry}, nil
	}
	if strings.Contains(entry, "*") {
		return accessPattern{}, fmt.Errorf("%q: * is only allowed at the end", entry)
	}

	if strings.Contains(entry, "/") {
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return accessPattern{}, fmt.Errorf("%q: invalid CIDR: %w", entry, err)
		}
		return accessPattern{kind: patternCIDR, raw: entry, prefix: prefix.Masked()}, nil
	}

	pattern := accessPattern{kind: patternExact, raw: entry}
	if addr, err := netip.ParseAddr(entry); err == nil {
		pattern.addr = addr.Unmap()
	}
	return pattern, nil
}

func (p accessPattern) matches(source string, addr netip.Addr, isAddr bool) bool {
	switch p.kind {
	case patternPrefix:
		return matchesPattern(source, p.raw)
	case patternCIDR:
		return isAddr && p.prefix.Contains(addr)
	default:
		if p.addr.IsValid() && isAddr {
			return p.addr == addr
		}
		return source == p.raw
	}
}

// AccessListFilter classifies source addresses against a whitelist and a
// blacklist. It is immutable once built.
type AccessListFilter struct {
	allow []accessPattern
	deny  []accessPattern
}

// NewAccessListFilter compiles both lists. Every bad entry is reported.
func NewAccessListFilter(whitelist, blacklist []string) (*AccessListFilter, error) {
	problems := &ConfigValidationError{}
	compile := func(list string, entries []string) []accessPattern {
		patterns := make([]accessPattern, 0, len(entries))
		for _, entry := range entries {
			pattern, err := parseAccessPattern(entry)
			if err != nil {
				problems.add(fmt.Sprintf("%s: %v", list, err))
				continue
			}
			patterns = append(patterns, pattern)
		}
		return patterns
	}

	filter := &AccessListFilter{
		allow: compile("whitelist", whitelist),
		deny:  compile("blacklist", blacklist),
	}
	if err := problems.orNil(); err != nil {
		return nil, err
	}
	return filter, nil
}

// Classify returns AccessAllow for whitelisted sources, AccessDeny for
// blacklisted ones and AccessNone otherwise. The whitelist wins when a source
// is on both lists.
func (f *AccessListFilter) Classify(sourceAddress string) AccessDecision {
	if f == nil || sourceAddress == "" {
		return AccessNone
	}
	if len(f.allow) == 0 && len(f.deny) == 0 {
		return AccessNone
	}

	source := strings.TrimSpace(sourceAddress)
	addr, err := netip.ParseAddr(source)
	isAddr := err == nil
	if isAddr {
		addr = addr.Unmap()
	}

	for _, pattern := range f.allow {
		if pattern.matches(source, addr, isAddr) {
			return AccessAllow
		}
	}
	for _, pattern := range f.deny {
		if pattern.matches(source, addr, isAddr) {
			return AccessDeny
		}
	}
	return AccessNone
}

// Len returns the number of compiled whitelist and blacklist entries.
func (f *AccessListFilter) Len() (whitelist, blacklist int) {
	if f == nil {
		return 0, 0
	}
	return len(f.allow), len(f.deny)
}
