package assignsync

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"
)

// keySeparator keeps hash inputs unambiguous across field boundaries.
const keySeparator = "\x1f"

// StableKey derives the deterministic identity of a raw record within its
// platform and class. When the platform supplies a native assignment ID the
// key is exact. Without one the key falls back to a composite of the
// normalized title and the assignment date truncated to day; that fallback is
// a documented weaker guarantee (a title edit after first scrape reads as a
// new assignment).
func StableKey(platform, classID string, rec RawRecord) string {
	platform = normalizeToken(platform)
	classID = normalizeToken(classID)

	var discriminator string
	if native := strings.TrimSpace(rec.NativeID); native != "" {
		discriminator = "id" + keySeparator + native
	} else {
		discriminator = "composite" + keySeparator + normalizeTitle(rec.Title) +
			keySeparator + rec.AssignedAt.UTC().Format("2006-01-02")
	}

	sum := xxh3.HashString(platform + keySeparator + classID + keySeparator + discriminator)
	return fmt.Sprintf("%s:%s:%016x", platform, classID, sum)
}

func normalizeToken(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeTitle lowercases and collapses internal whitespace so that
// cosmetic formatting differences between scrapes do not fork identities.
func normalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
