package constants

import "strings"

// DefaultQuarantineDir is the subdirectory of the watched directory that
// receives files whose import failed.
const DefaultQuarantineDir = "Failed"

// ImageSuffixes holds the default file suffixes accepted for import.
// Suffix matching (not filepath.Ext) because OME names are double extensions.
var ImageSuffixes = []string{".ome.tiff", ".ome.tif", ".tiff", ".tif"}

// MatchesSuffix reports whether name ends with one of the given suffixes,
// case-insensitively. An empty suffix list falls back to ImageSuffixes.
func MatchesSuffix(name string, suffixes []string) bool {
	if len(suffixes) == 0 {
		suffixes = ImageSuffixes
	}
	lower := strings.ToLower(name)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// SplitSuffix splits name into stem and the longest matching image suffix.
// The suffix is empty when nothing matches.
func SplitSuffix(name string, suffixes []string) (string, string) {
	if len(suffixes) == 0 {
		suffixes = ImageSuffixes
	}
	lower := strings.ToLower(name)
	best := 0
	for _, s := range suffixes {
		ls := strings.ToLower(s)
		if strings.HasSuffix(lower, ls) && len(ls) > best {
			best = len(ls)
		}
	}
	return name[:len(name)-best], name[len(name)-best:]
}

// NormalizeSuffix lowercases a suffix and guarantees a leading dot.
func NormalizeSuffix(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if !strings.HasPrefix(s, ".") {
		s = "." + s
	}
	return s
}
