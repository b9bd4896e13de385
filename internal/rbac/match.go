package rbac

import "strings"

// PatternKind discriminates the three permission-string forms.
type PatternKind int

const (
	// PatternExact matches a single concrete permission name.
	PatternExact PatternKind = iota
	// PatternWildcard matches every permission under a dot-delimited prefix.
	PatternWildcard
	// PatternSuperadmin matches every permission.
	PatternSuperadmin
)

// Pattern is a parsed permission string. Wildcards are stored in the
// permission tables as literal names ("billing.*", "*"); parsing them once
// keeps the matching logic free of repeated string surgery.
type Pattern struct {
	Kind   PatternKind
	Name   string // exact form
	Prefix string // wildcard form, without the trailing ".*"
}

// ParsePattern classifies a stored permission string.
func ParsePattern(raw string) Pattern {
	if raw == "*" {
		return Pattern{Kind: PatternSuperadmin}
	}
	if prefix, ok := strings.CutSuffix(raw, ".*"); ok && prefix != "" {
		return Pattern{Kind: PatternWildcard, Prefix: prefix}
	}
	return Pattern{Kind: PatternExact, Name: raw}
}

// Matches reports whether the pattern covers the concrete permission name.
func (p Pattern) Matches(name string) bool {
	switch p.Kind {
	case PatternSuperadmin:
		return name != ""
	case PatternWildcard:
		return strings.HasPrefix(name, p.Prefix+".")
	default:
		return p.Name != "" && p.Name == name
	}
}

// Covers reports whether any entry in the set matches the permission name:
// a literal hit, the superadmin entry, or a wildcard prefix.
func (s PermissionSet) Covers(name string) bool {
	if name == "" {
		return false
	}
	if s.Contains(name) || s.Contains("*") {
		return true
	}
	for entry := range s {
		if pattern := ParsePattern(entry); pattern.Kind == PatternWildcard && pattern.Matches(name) {
			return true
		}
	}
	return false
}

// Broaden adds "<prefix>.*" entries for every dot boundary of every name in
// the set, so a set holding "billing.invoice.read" also answers for
// "billing.*" and "billing.invoice.*". Runs before revocation removal; the
// resolver strips only literal revoked names afterwards, leaving the
// entries synthesized here intact.
func (s PermissionSet) Broaden() {
	for _, name := range s.Slice() {
		if name == "*" {
			continue
		}
		for i := range len(name) {
			if name[i] == '.' && i > 0 {
				s.Add(name[:i] + ".*")
			}
		}
	}
}
