package utils

import (
	"path"
	"strings"
)

// MatchPath reports whether path matches an Ant-style pattern:
//   - '?' matches one character inside a segment
//   - '*' matches any run of characters inside a segment
//   - '**' as a whole segment matches zero or more segments
//   - ':id' or '{id}' as a whole segment matches any single segment
//
// Repeated and trailing slashes are ignored, so "/admin/users/" and
// "/admin//users" both match "/admin/users".
func MatchPath(pattern, path string) bool {
	if pattern == path {
		return true
	}
	return matchSegments(splitPath(pattern), splitPath(path))
}

// MatchMethod reports whether method satisfies a rule method. An empty rule
// method or "*" matches any method. Comparison is case-insensitive.
func MatchMethod(ruleMethod, method string) bool {
	ruleMethod = strings.TrimSpace(ruleMethod)
	if ruleMethod == "" || ruleMethod == "*" {
		return true
	}
	for _, m := range strings.Split(ruleMethod, ",") {
		if strings.EqualFold(strings.TrimSpace(m), method) {
			return true
		}
	}
	return false
}

// CleanPath returns the canonical form of a request path: rooted, with
// repeated slashes collapsed and "." and ".." segments resolved.
// "//admin/users" and "/public/../admin/users" both become "/admin/users".
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	return path.Clean(p)
}

// HasPathPrefix reports whether path lies under prefix on a segment boundary.
// "/api/v1/admin" and "/api/v1/admin/x" are under "/api/v1/admin/";
// "/api/v1/administrator" is not.
func HasPathPrefix(path, prefix string) bool {
	base := strings.TrimSuffix(prefix, "/")
	if base == "" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, base) {
		return false
	}
	rest := path[len(base):]
	return rest == "" || rest[0] == '/'
}

func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func matchSegments(pat, segs []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			// collapse consecutive globstars
			for len(pat) > 0 && pat[0] == "**" {
				pat = pat[1:]
			}
			if len(pat) == 0 {
				return true
			}
			for i := 0; i <= len(segs); i++ {
				if matchSegments(pat, segs[i:]) {
					return true
				}
			}
			return false
		}
		if len(segs) == 0 || !matchSegment(pat[0], segs[0]) {
			return false
		}
		pat, segs = pat[1:], segs[1:]
	}
	return len(segs) == 0
}

func matchSegment(pat, seg string) bool {
	if strings.HasPrefix(pat, ":") || (strings.HasPrefix(pat, "{") && strings.HasSuffix(pat, "}")) {
		return seg != ""
	}
	return glob(pat, seg)
}

// glob matches '*' and '?' within a single segment
func glob(pat, s string) bool {
	px, sx := 0, 0
	starP, starS := -1, 0
	for sx < len(s) {
		switch {
		case px < len(pat) && (pat[px] == '?' || pat[px] == s[sx]):
			px++
			sx++
		case px < len(pat) && pat[px] == '*':
			starP, starS = px, sx
			px++
		case starP >= 0:
			px = starP + 1
			starS++
			sx = starS
		default:
			return false
		}
	}
	for px < len(pat) && pat[px] == '*' {
		px++
	}
	return px == len(pat)
}
