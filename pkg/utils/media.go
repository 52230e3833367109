package utils

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var formatPattern = regexp.MustCompile(`^[A-Za-z0-9]{1,16}$`)

// SanitizeFilename reduces filename to its last path element. It returns ""
// when nothing usable is left (".", ".." or an empty name).
func SanitizeFilename(filename string) string {
	// Normalise separators first so Base sees every path component
	base := strings.ReplaceAll(filename, "\\", "/")
	base = strings.TrimSpace(path.Base(base))
	switch base {
	case "", ".", "..", "/":
		return ""
	}
	return base
}

// MediaFileName derives the archive file name for a media URL: the basename
// of the URL path, with its extension replaced by format when format is set.
func MediaFileName(rawURL, format string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := SanitizeFilename(u.Path)
	if name == "" {
		return "", fmt.Errorf("no file name in url %q", rawURL)
	}
	format = strings.TrimPrefix(strings.TrimSpace(format), ".")
	if format != "" {
		if !formatPattern.MatchString(format) {
			return "", fmt.Errorf("invalid media format %q for %q", format, rawURL)
		}
		name = strings.TrimSuffix(name, filepath.Ext(name)) + "." + format
	}
	return name, nil
}

// FormatParam returns the "format" query parameter of rawURL, if any.
func FormatParam(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("format")
}
