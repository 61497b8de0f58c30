package reference

import (
	"path/filepath"
	"strings"
	"unicode"
)

// Locator identifies a callable by the code unit that defines it and the
// symbol name inside that unit.
type Locator struct {
	Location string
	Symbol   string
}

// ParseLocator splits a reference of the form "location:symbol". The split
// happens on the last colon so that locations may themselves contain colons.
func ParseLocator(ref string) (Locator, error) {
	ref = strings.TrimSpace(ref)
	idx := strings.LastIndex(ref, ":")
	if idx < 0 {
		return Locator{}, &MalformedReferenceError{Reference: ref, Reason: "missing ':' separator"}
	}

	loc := Locator{Location: ref[:idx], Symbol: ref[idx+1:]}
	if loc.Location == "" {
		return Locator{}, &MalformedReferenceError{Reference: ref, Reason: "empty location"}
	}
	if loc.Symbol == "" {
		return Locator{}, &MalformedReferenceError{Reference: ref, Reason: "empty symbol"}
	}
	if !isIdentifier(loc.Symbol) {
		return Locator{}, &MalformedReferenceError{Reference: ref, Reason: "symbol must be an identifier"}
	}
	return loc, nil
}

// String returns the canonical "location:symbol" form.
func (l Locator) String() string {
	return l.Location + ":" + l.Symbol
}

// isPathLike reports whether the location names a file rather than a
// compiled-in module.
func isPathLike(location string, suffixes map[string]UnitLoader) bool {
	if filepath.IsAbs(location) {
		return true
	}
	if strings.HasPrefix(location, "./") || strings.HasPrefix(location, "../") {
		return true
	}
	if strings.ContainsRune(location, '/') || strings.ContainsRune(location, filepath.Separator) {
		return true
	}
	_, ok := suffixes[strings.ToLower(filepath.Ext(location))]
	return ok
}

func isIdentifier(s string) bool {
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) {
			continue
		}
		if i > 0 && unicode.IsDigit(r) {
			continue
		}
		return false
	}
	return s != ""
}
