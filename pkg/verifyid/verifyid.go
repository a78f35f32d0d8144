// Package verifyid extracts canonical verification identifiers from
// free-form text and verification URLs.
package verifyid

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNoIdentifier indicates that no verification identifier could be found
// in the input.
var ErrNoIdentifier = errors.New("no verification identifier found")

// bareID matches a standalone 24-character hex identifier.
var bareID = regexp.MustCompile(`(?i)^[a-f0-9]{24}$`)

// searchPatterns are tried in order against URL-shaped input. More specific
// locations win over the generic scan.
var searchPatterns = []*regexp.Regexp{
	// Query parameter: ?id=<hex> or &id=<hex>
	regexp.MustCompile(`(?i)[?&]id=([a-f0-9]{24})`),
	// Path segment: /<hex> followed by ?, / or end of string
	regexp.MustCompile(`(?i)/([a-f0-9]{24})(?:[?/]|$)`),
	// Generic scan: any 24-hex run
	regexp.MustCompile(`(?i)([a-f0-9]{24})`),
}

// Extract returns the canonical lowercase 24-hex identifier encoded in the
// given string, which may be a bare identifier or a verification URL.
// Returns an error wrapping ErrNoIdentifier if none is found.
func Extract(s string) (string, error) {
	if bareID.MatchString(s) {
		return strings.ToLower(s), nil
	}

	for _, pattern := range searchPatterns {
		if m := pattern.FindStringSubmatch(s); m != nil {
			return strings.ToLower(m[1]), nil
		}
	}

	preview := s
	if len(preview) > 50 {
		preview = preview[:50]
	}
	return "", fmt.Errorf("%w in %q", ErrNoIdentifier, preview)
}

// ExtractAll extracts every identifier from a block of free text. Segments
// are split on whitespace and newlines and parsed independently; segments
// that do not contain an identifier are skipped. Duplicates are removed
// while preserving first-seen order.
func ExtractAll(text string) []string {
	parts := strings.Fields(text)

	var ids []string
	seen := make(map[string]struct{}, len(parts))

	for _, part := range parts {
		id, err := Extract(part)
		if err != nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	return ids
}
