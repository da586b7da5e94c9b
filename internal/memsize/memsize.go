// Package memsize parses and renders the memory-size grammar from the
// configuration file format (spec §6):
//
//	/\d+(\.\d+)?\s*(B|kB|MB|GB|TB|PB|EB|KiB|MiB|GiB|TiB|PiB|EiB|Ki|Mi|Gi|Ti|Pi|Ei)?/
//
// Values without a suffix are bytes. This builds on
// github.com/c2h5oh/datasize, which already parses the "B".."EiB" forms;
// the bare "Ki".."Ei" forms (no trailing "B") are handled by appending a
// "B" before delegating, since they denote the same binary units.
package memsize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
)

// Size is a byte count that round-trips through the §6 grammar.
type Size uint64

var bareBinarySuffix = regexp.MustCompile(`^[0-9.]+\s*(Ki|Mi|Gi|Ti|Pi|Ei)$`)

// Parse parses a memory-size string per the §6 grammar. An empty string is
// an error; callers that treat "unset" specially should check for "" first.
func Parse(s string) (Size, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("memsize: empty value")
	}

	// Bare binary suffix without the trailing "B" (e.g. "4Gi"): datasize
	// doesn't recognize these, so normalize to the "GiB" form it does.
	candidate := trimmed
	if bareBinarySuffix.MatchString(trimmed) {
		candidate = trimmed + "B"
	}

	// A plain integer with no suffix at all means bytes. datasize requires
	// a unit, so special-case digits-only input.
	if isDigitsOnly(trimmed) {
		n, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("memsize: parse %q: %w", s, err)
		}
		return Size(n), nil
	}

	var ds datasize.ByteSize
	if err := ds.UnmarshalText([]byte(candidate)); err != nil {
		return 0, fmt.Errorf("memsize: parse %q: %w", s, err)
	}
	return Size(ds.Bytes()), nil
}

func isDigitsOnly(s string) bool {
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

// Bytes returns the size as a plain byte count.
func (s Size) Bytes() uint64 { return uint64(s) }

// String renders datasize's human-readable form: one decimal place and
// 1024-based units labelled KB, MB, GB, ... (e.g. "1.5 GB" for 1.5 GiB).
func (s Size) String() string {
	return datasize.ByteSize(s).HR()
}

// UnmarshalYAML/UnmarshalJSON support decoding Size fields directly out of
// the config file (ghodss/yaml round-trips through JSON, so one
// implementation covers both).
func (s *Size) UnmarshalJSON(b []byte) error {
	var raw string
	// Accept both quoted strings and bare numbers.
	trimmed := strings.TrimSpace(string(b))
	if len(trimmed) > 0 && trimmed[0] == '"' {
		if err := jsonUnquote(trimmed, &raw); err != nil {
			return err
		}
	} else {
		raw = trimmed
	}
	v, err := Parse(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func jsonUnquote(s string, out *string) error {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("memsize: not a JSON string: %s", s)
	}
	*out = s[1 : len(s)-1]
	return nil
}

// MarshalJSON renders the canonical form so re-serialization is idempotent.
func (s Size) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(s.String())), nil
}
