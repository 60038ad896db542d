package transport

import (
	"regexp"
	"strconv"
	"strings"
)

var tmeRe = regexp.MustCompile(`t\.me/([^/\s]+)`)

// ParseTarget classifies a raw chat target without network access.
// Accepted forms: a (possibly negative) numeric id, an @handle, a t.me
// link (plain or invite), or a bare username.
func ParseTarget(raw string) EntityRef {
	s := strings.TrimSpace(raw)

	if isNumeric(s) {
		id, _ := strconv.ParseInt(s, 10, 64)
		return EntityRef{Kind: EntityID, ID: id}
	}

	if strings.HasPrefix(s, "@") {
		return EntityRef{Kind: EntityHandle, Handle: strings.TrimPrefix(s, "@")}
	}

	if m := tmeRe.FindStringSubmatch(s); m != nil {
		tail := m[1]
		if tail == "joinchat" {
			if _, hash, ok := strings.Cut(s, "/joinchat/"); ok && hash != "" {
				if i := strings.IndexAny(hash, "/?"); i >= 0 {
					hash = hash[:i]
				}
				return EntityRef{Kind: EntityInvite, InviteHash: hash}
			}
		}
		if strings.HasPrefix(tail, "+") {
			return EntityRef{Kind: EntityInvite, InviteHash: strings.TrimPrefix(tail, "+")}
		}
		return EntityRef{Kind: EntityHandle, Handle: tail}
	}

	// Bare username fallback.
	return EntityRef{Kind: EntityHandle, Handle: s}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
