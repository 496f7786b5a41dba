package policy

import (
	"path"
	"strings"
)

// MatchPattern reports whether a slash-separated path matches a glob
// pattern:
//
//   - Exact match: "/docs/readme" matches only "/docs/readme"
//   - Single-segment wildcard: "/docs/*" matches "/docs/a" but not "/docs/a/b",
//     even as the trailing segment. Deeper paths are opted into with "**"
//     so an allow on a directory never silently covers its subdirectories.
//   - Recursive wildcard: "/docs/**" matches "/docs", "/docs/a", "/docs/a/b"
//   - Universal: "**" matches any path, including the empty one
//   - Interior recursive: "/a/**/z" matches "/a/z", "/a/b/z", "/a/b/c/z"
//   - Character wildcards: "?" and "[a-z]" match one non-slash character
//
// "*" never crosses a "/"; use "**" as a whole segment for that. A "**"
// that is part of a larger segment ("a**") behaves like "*".
//
// Returns false for malformed patterns (unmatched brackets, etc.) so a
// malformed pattern never grants or denies anything.
func MatchPattern(pattern, name string) bool {
	if pattern == "**" {
		return true
	}
	if !strings.Contains(pattern, "**") {
		matched, err := path.Match(pattern, name)
		return err == nil && matched
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

// matchSegments matches pattern segments against name segments. A "**"
// segment consumes zero or more name segments.
func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		seg := pattern[0]
		if seg == "**" {
			rest := pattern[1:]
			// Collapse consecutive ** segments.
			for len(rest) > 0 && rest[0] == "**" {
				rest = rest[1:]
			}
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(name); i++ {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		matched, err := path.Match(seg, name[0])
		if err != nil || !matched {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}

// MatchAnyPattern reports whether name matches any of patterns. An empty
// pattern list matches nothing.
func MatchAnyPattern(patterns []string, name string) bool {
	for _, p := range patterns {
		if MatchPattern(p, name) {
			return true
		}
	}
	return false
}
