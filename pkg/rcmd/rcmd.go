// Package rcmd implements the SSH ForceCommand filter: the remote end
// of a replication pair only ever executes commands that match the
// operator's configured patterns.
package rcmd

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/ini.v1"
)

// RuleKeys are the recognised pattern options, in match order.
var RuleKeys = []string{
	"preexec", "postexec", "replicate_postexec",
	"rcmd_aux0", "rcmd_aux1", "rcmd_aux2", "rcmd_aux3", "rcmd_aux4",
	"rcmd_aux5", "rcmd_aux6", "rcmd_aux7", "rcmd_aux8", "rcmd_aux9",
}

// Paranoia controls the sanity checks applied to the configured
// patterns before any command is considered.
type Paranoia struct {
	RequireAnchorStart bool
	RequireAnchorEnd   bool
	RejectDotStar      bool
}

// DefaultParanoia refuses patterns that are not fully anchored or that
// contain ".*".
var DefaultParanoia = Paranoia{RequireAnchorStart: true, RequireAnchorEnd: true, RejectDotStar: true}

type rule struct {
	key     string
	pattern *regexp.Regexp
}

// Filter holds the compiled pattern list.
type Filter struct {
	rules []rule
}

// Load compiles the patterns from the [zsnapd-rcmd] section. Blank and
// absent keys are skipped; a pattern failing the paranoia checks is a
// hard error because a permissive filter is worse than none.
func Load(sec *ini.Section, paranoia Paranoia) (*Filter, error) {
	f := &Filter{}
	if sec == nil {
		return f, nil
	}
	var faults []string
	for _, key := range RuleKeys {
		if !sec.HasKey(key) {
			continue
		}
		pattern := strings.TrimSpace(sec.Key(key).String())
		if pattern == "" {
			continue
		}
		if paranoia.RequireAnchorStart && !strings.HasPrefix(pattern, "^") {
			faults = append(faults, fmt.Sprintf("%s pattern %q does not begin with '^'", key, pattern))
			continue
		}
		if paranoia.RequireAnchorEnd && !strings.HasSuffix(pattern, "$") {
			faults = append(faults, fmt.Sprintf("%s pattern %q does not end with '$'", key, pattern))
			continue
		}
		if paranoia.RejectDotStar && strings.Contains(pattern, ".*") {
			faults = append(faults, fmt.Sprintf("%s pattern %q contains '.*'", key, pattern))
			continue
		}
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			faults = append(faults, fmt.Sprintf("%s pattern %q: %v", key, pattern, err))
			continue
		}
		f.rules = append(f.rules, rule{key: key, pattern: compiled})
	}
	if len(faults) > 0 {
		return nil, fmt.Errorf("rejecting rcmd configuration: %s", strings.Join(faults, "; "))
	}
	return f, nil
}

// Match returns the key of the first pattern matching the command, or
// false when nothing matches and the command must be refused.
func (f *Filter) Match(command string) (string, bool) {
	for _, r := range f.rules {
		if r.pattern.MatchString(command) {
			return r.key, true
		}
	}
	return "", false
}

// Empty reports whether no patterns are configured; an empty filter
// rejects everything.
func (f *Filter) Empty() bool { return len(f.rules) == 0 }
