package policy

import "testing"

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		// Exact.
		{"/docs/readme", "/docs/readme", true},
		{"/docs/readme", "/docs/readme2", false},

		// Single segment.
		{"/docs/*", "/docs/secret", true},
		{"/docs/*", "/docs/public", true},
		{"/docs/*", "/docs/a/b", false},
		{"/docs/*", "/docs", false},
		{"/*", "/docs/readme", false},
		{"/docs/*", "/docs/team/secret", false},
		{"/docs/*.md", "/docs/readme.md", true},
		{"/docs/*.md", "/docs/readme.txt", false},
		{"/v?/users", "/v1/users", true},
		{"/v?/users", "/v10/users", false},
		{"/v[12]/users", "/v2/users", true},
		{"/v[12]/users", "/v3/users", false},

		// Recursive suffix.
		{"/docs/**", "/docs", true},
		{"/docs/**", "/docs/a", true},
		{"/docs/**", "/docs/a/b/c", true},
		{"/docs/**", "/documents/a", false},

		// Recursive prefix.
		{"**/secret", "secret", true},
		{"**/secret", "/docs/secret", true},
		{"**/secret", "/docs/secret/x", false},

		// Interior.
		{"/a/**/z", "/a/z", true},
		{"/a/**/z", "/a/b/z", true},
		{"/a/**/z", "/a/b/c/z", true},
		{"/a/**/z", "/a/b/c/y", false},
		{"/t-*/**/build-?", "/t-x/sub/build-1", true},

		// Multiple recursive segments.
		{"/**/api/**", "/v1/api/users/1", true},
		{"/**/api/**", "/v1/web/users", false},
		{"/a/**/**/b", "/a/b", true},

		// Universal.
		{"**", "", true},
		{"**", "/anything/at/all", true},

		// ** inside a segment is a plain star.
		{"/docs/a**", "/docs/abc", true},
		{"/docs/a**", "/docs/abc/d", false},

		// Malformed patterns never match.
		{"/docs/[", "/docs/[", false},
		{"/docs/**/[", "/docs/x/[", false},
	}
	for _, tt := range tests {
		if got := MatchPattern(tt.pattern, tt.name); got != tt.want {
			t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestMatchAnyPattern(t *testing.T) {
	if MatchAnyPattern(nil, "/x") {
		t.Fatal("empty pattern list must not match")
	}
	if !MatchAnyPattern([]string{"/a", "/x"}, "/x") {
		t.Fatal("expected second pattern to match")
	}
}
