// Copyright 2025 James Ross
package policy

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/flyingrobots/pi-extensions/internal/capability"
)

// scopeSatisfied reports whether the requested scope is a subset of the
// granted scope for the given capability. An empty granted scope for a
// scoped capability denies everything; a capability with no scoping
// dimension (log, session, ui, events, tool) always satisfies.
func scopeSatisfied(cap capability.Capability, granted, requested capability.Scope) bool {
	switch cap {
	case capability.Read, capability.Write:
		return globsCoverAll(granted.PathGlobs, requested.PathGlobs)
	case capability.HTTP:
		return hostsCoverAll(granted.HostAllowlist, requested.HostAllowlist)
	case capability.Env:
		return namesCoverAll(granted.EnvNames, requested.EnvNames)
	default:
		return true
	}
}

func globsCoverAll(grantedGlobs, requestedPaths []string) bool {
	if len(requestedPaths) == 0 {
		return true
	}
	for _, p := range requestedPaths {
		if !anyGlobMatches(grantedGlobs, p) {
			return false
		}
	}
	return true
}

func anyGlobMatches(globs []string, path string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}

func hostsCoverAll(allowlist, requestedHosts []string) bool {
	if len(requestedHosts) == 0 {
		return true
	}
	for _, h := range requestedHosts {
		if !hostAllowed(allowlist, h) {
			return false
		}
	}
	return true
}

func hostAllowed(allowlist []string, host string) bool {
	host = strings.ToLower(host)
	for _, a := range allowlist {
		a = strings.ToLower(a)
		if a == host {
			return true
		}
		if strings.HasPrefix(a, "*.") && strings.HasSuffix(host, a[1:]) {
			return true
		}
	}
	return false
}

func namesCoverAll(allowed, requested []string) bool {
	if len(requested) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(allowed))
	for _, n := range allowed {
		set[n] = struct{}{}
	}
	for _, n := range requested {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}
