// Package links finds tweet share-links in free text and rewrites them to
// resolver API URLs.
package links

import (
	"fmt"
	"iter"
	"regexp"
)

var statusPattern = regexp.MustCompile(`https?://(?:x\.com|twitter\.com|vxtwitter\.com)/([a-zA-Z0-9_]{1,15})/status/(\d+)`)

// Extract yields one resolver URL per share-link in text, left to right.
// Duplicates are kept.
func Extract(text, resolverHost string) iter.Seq[string] {
	return func(yield func(string) bool) {
		rest := text
		for {
			loc := statusPattern.FindStringSubmatchIndex(rest)
			if loc == nil {
				return
			}
			handle, id := rest[loc[2]:loc[3]], rest[loc[4]:loc[5]]
			if !yield(ResolverURL(resolverHost, handle, id)) {
				return
			}
			rest = rest[loc[1]:]
		}
	}
}

// ExtractAll collects Extract into a slice.
func ExtractAll(text, resolverHost string) []string {
	var out []string
	for u := range Extract(text, resolverHost) {
		out = append(out, u)
	}
	return out
}

// ResolverURL is the resolver API address for one status.
func ResolverURL(host, handle, id string) string {
	return fmt.Sprintf("https://%s/%s/status/%s", host, handle, id)
}
