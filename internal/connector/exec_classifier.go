// Copyright 2025 James Ross
package connector

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// dangerousRule pairs a human label with a predicate over an argv slice.
type dangerousRule struct {
	label string
	match func(argv []string) bool
}

func argvHasPrefix(argv []string, prefixes ...string) bool {
	if len(argv) == 0 {
		return false
	}
	cmd := argv[0]
	for _, p := range prefixes {
		if strings.HasPrefix(cmd, p) || cmd == p {
			return true
		}
	}
	return false
}

func argvGlobMatches(argv []string, globs ...string) bool {
	if len(argv) == 0 {
		return false
	}
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, argv[0]); ok {
			return true
		}
	}
	return false
}

func argJoinContains(argv []string, substrs ...string) bool {
	joined := strings.Join(argv, " ")
	for _, s := range substrs {
		if strings.Contains(joined, s) {
			return true
		}
	}
	return false
}

// DefaultDangerousRules is the built-in, non-empty, enabled-by-default
// classification of command shapes the exec connector refuses. A match is
// refused unconditionally; there is no per-extension allow override.
var DefaultDangerousRules = []dangerousRule{
	{
		label: "recursive_fs_deletion",
		match: func(argv []string) bool {
			return argvHasPrefix(argv, "rm", "rmdir", "shred") && argJoinContains(argv, "-rf", "-r -f", "--recursive")
		},
	},
	{
		label: "privilege_escalation",
		match: func(argv []string) bool {
			return argvHasPrefix(argv, "sudo", "su", "doas", "pkexec")
		},
	},
	{
		label: "process_tree_bomb",
		match: func(argv []string) bool {
			return argJoinContains(argv, ":(){:|:&};:", "fork()") || argvHasPrefix(argv, "fork-bomb")
		},
	},
	{
		label: "network_probing",
		match: func(argv []string) bool {
			return argvHasPrefix(argv, "nmap", "masscan", "nc", "ncat", "netcat")
		},
	},
	{
		label: "disk_erasure",
		match: func(argv []string) bool {
			return argvHasPrefix(argv, "dd", "mkfs", "wipefs") || argvGlobMatches(argv, "mkfs.*")
		},
	},
	{
		label: "shell_meta_chain_abuse",
		match: func(argv []string) bool {
			return argJoinContains(argv, "| sh", "| bash", "curl | sh", "wget -O- |")
		},
	},
	{
		label: "package_manager_mutation",
		match: func(argv []string) bool {
			return argvHasPrefix(argv, "apt", "apt-get", "yum", "dnf", "brew", "npm") && argJoinContains(argv, "install", "remove", "uninstall", "-g")
		},
	},
}

// Classify returns the label of the first dangerous rule argv matches, or
// "" if argv is not classified as dangerous.
func Classify(argv []string, extra []dangerousRule) string {
	for _, r := range DefaultDangerousRules {
		if r.match(argv) {
			return r.label
		}
	}
	for _, r := range extra {
		if r.match(argv) {
			return r.label
		}
	}
	return ""
}
