package model

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxVersionLength bounds version identifiers. They end up inside file
// names, so the limit stays well below common filesystem name limits.
const MaxVersionLength = 128

const (
	firmwareFilePrefix = "firmware_"
	firmwareFileSuffix = ".bin"
)

// NormalizeVersion trims surrounding whitespace, folds compatibility
// characters with NFKC (fullwidth digits become ASCII digits) and then
// checks the result against the safe character set. The normalized form
// is the catalog key.
func NormalizeVersion(raw string) (string, error) {
	version := norm.NFKC.String(strings.TrimSpace(raw))
	if version == "" {
		return "", fmt.Errorf("%w: version is empty", ErrInvalidVersionIdentifier)
	}
	if len(version) > MaxVersionLength {
		return "", fmt.Errorf("%w: %d bytes, maximum is %d", ErrInvalidVersionIdentifier, len(version), MaxVersionLength)
	}
	for _, r := range version {
		if !isVersionRune(r) {
			return "", fmt.Errorf("%w: %q contains %q", ErrInvalidVersionIdentifier, raw, r)
		}
	}
	return version, nil
}

// CanonicalVersion returns the catalog key for raw when it is a valid
// version, and raw with surrounding whitespace removed otherwise.
// Assignments use it so a pin matches the upload it names without
// rejecting versions the catalog would refuse.
func CanonicalVersion(raw string) string {
	if v, err := NormalizeVersion(raw); err == nil {
		return v
	}
	return strings.TrimSpace(raw)
}

// NormalizeDeviceID returns the key a device identity is stored under.
func NormalizeDeviceID(id string) string {
	return strings.TrimSpace(id)
}

func isVersionRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '-', r == '_':
		return true
	}
	return false
}

// HasFirmwareExtension reports whether an uploaded file name follows the
// .bin convention. The check is case-insensitive.
func HasFirmwareExtension(filename string) bool {
	return strings.HasSuffix(strings.ToLower(strings.TrimSpace(filename)), firmwareFileSuffix)
}

// FirmwareFileName returns the storage and download name for version.
func FirmwareFileName(version string) string {
	return firmwareFilePrefix + version + firmwareFileSuffix
}

// ParseFirmwareFileName extracts the version from a name produced by
// FirmwareFileName. It returns false for anything else, including names
// whose embedded version would not pass NormalizeVersion unchanged.
func ParseFirmwareFileName(name string) (string, bool) {
	if !strings.HasPrefix(name, firmwareFilePrefix) || !strings.HasSuffix(name, firmwareFileSuffix) {
		return "", false
	}
	version := strings.TrimSuffix(strings.TrimPrefix(name, firmwareFilePrefix), firmwareFileSuffix)
	normalized, err := NormalizeVersion(version)
	if err != nil || normalized != version {
		return "", false
	}
	return version, true
}

// Comparator orders two versions: negative when a < b, zero when equal,
// positive when a > b.
type Comparator func(a, b string) int

// Comparator names accepted by ComparatorByName.
const (
	OrderLexical = "lexical"
	OrderNatural = "natural"
)

// LexicalCompare is byte-wise string order. It is the default and it is
// intentionally not version aware.
func LexicalCompare(a, b string) int {
	return strings.Compare(a, b)
}

// NaturalCompare compares runs of digits by numeric value and everything
// else byte-wise, so "1.0.10" sorts after "1.0.2". Ties fall back to
// lexical order to keep the ordering total.
func NaturalCompare(a, b string) int {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		ca, cb := a[i], b[j]
		if isDigit(ca) && isDigit(cb) {
			si := i
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			sj := j
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			if c := compareDigitRuns(a[si:i], b[sj:j]); c != 0 {
				return c
			}
			continue
		}
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
		i++
		j++
	}
	switch {
	case len(a)-i < len(b)-j:
		return -1
	case len(a)-i > len(b)-j:
		return 1
	}
	return strings.Compare(a, b)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func compareDigitRuns(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// ComparatorByName resolves a configured ordering name. An empty name
// selects lexical order.
func ComparatorByName(name string) (Comparator, error) {
	switch name {
	case "", OrderLexical:
		return LexicalCompare, nil
	case OrderNatural:
		return NaturalCompare, nil
	default:
		return nil, fmt.Errorf("unknown version order %q: must be %q or %q", name, OrderLexical, OrderNatural)
	}
}

// SortDescending sorts versions in place, greatest first under cmp.
func SortDescending(versions []string, cmp Comparator) {
	sort.SliceStable(versions, func(i, j int) bool {
		return cmp(versions[i], versions[j]) > 0
	})
}

// Greatest returns the greatest version under cmp, or false when versions
// is empty.
func Greatest(versions []string, cmp Comparator) (string, bool) {
	if len(versions) == 0 {
		return "", false
	}
	best := versions[0]
	for _, v := range versions[1:] {
		if cmp(v, best) > 0 {
			best = v
		}
	}
	return best, true
}
