package manifest

import (
	"regexp"
	"strings"
)

// regexPrefix introduces a regular-expression hardware-compatibility
// entry, per spec.md §4.3.
const regexPrefix = "#RE:"

// parseHardwareCompatEntry classifies one raw manifest string.
func parseHardwareCompatEntry(raw string) HardwareCompatEntry {
	if strings.HasPrefix(raw, regexPrefix) {
		return HardwareCompatEntry{Pattern: strings.TrimPrefix(raw, regexPrefix), IsRegex: true}
	}
	return HardwareCompatEntry{Pattern: raw}
}

// regexMatch performs an unanchored match using Go's RE2 engine, the
// closest stdlib equivalent to POSIX extended regular expressions for the
// unanchored substring matches this entry type needs.
func regexMatch(pattern, s string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}
