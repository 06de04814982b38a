package orchestrator

import "strings"

// ParseSlashPrefixes strips leading "/skill" tokens from raw user text and
// returns the forced skill names (in the order they appeared, without the
// leading slash) alongside the cleaned query with those tokens and any
// separating whitespace removed. A lone "/" or a slash not immediately
// followed by a name is left in the query untouched, since it isn't a
// skill prefix.
func ParseSlashPrefixes(raw string) (forcedSkills []string, cleaned string) {
	rest := raw
	for {
		rest = strings.TrimLeft(rest, " \t")
		if !strings.HasPrefix(rest, "/") {
			break
		}
		token := rest[1:]
		end := strings.IndexAny(token, " \t\n")
		var name string
		if end < 0 {
			name = token
		} else {
			name = token[:end]
		}
		if name == "" || !isSkillName(name) {
			break
		}
		forcedSkills = append(forcedSkills, name)
		if end < 0 {
			rest = ""
		} else {
			rest = token[end:]
		}
	}
	return forcedSkills, strings.TrimSpace(rest)
}

// isSkillName reports whether s is a valid skill token: letters, digits,
// underscores, and hyphens only.
func isSkillName(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
