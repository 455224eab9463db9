package configutil

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/errorsx"
)

// Schema lists the settings keys a provider accepts.
type Schema struct {
	Provider     string
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports the keys of a provider settings block that failed
// validation. It matches stt.ErrConfiguration.
type SettingsError struct {
	Provider string
	Missing  []string
	Unknown  []string
	// Suggestions maps an unknown key to the accepted key it most likely
	// misspells.
	Suggestions map[string]string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		keys := make([]string, 0, len(e.Unknown))
		for _, k := range e.Unknown {
			if s, ok := e.Suggestions[k]; ok {
				k = fmt.Sprintf("%s (did you mean %s?)", k, s)
			}
			keys = append(keys, k)
		}
		parts = append(parts, "unknown: "+strings.Join(keys, ", "))
	}
	msg := strings.Join(parts, "; ")
	if e.Provider != "" {
		msg = e.Provider + " settings: " + msg
	}
	return msg
}

func (e *SettingsError) Unwrap() error { return stt.ErrConfiguration }

// ValidateSettings checks a provider settings map against schema. Keys match
// regardless of case, underscores and hyphens. Blank strings count as missing.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	allowed := make(map[string]string, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = k
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = k
	}

	serr := &SettingsError{Provider: schema.Provider}
	seen := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		seen[nk] = true
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			serr.Unknown = append(serr.Unknown, k)
			if s := closestKey(nk, allowed); s != "" {
				if serr.Suggestions == nil {
					serr.Suggestions = make(map[string]string)
				}
				serr.Suggestions[k] = s
			}
		}
		if reqKey, ok := required[nk]; ok && isEmptyValue(v) {
			serr.Missing = append(serr.Missing, reqKey)
		}
	}
	for nk, reqKey := range required {
		if !seen[nk] {
			serr.Missing = append(serr.Missing, reqKey)
		}
	}

	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return errorsx.Wrap(serr, errorsx.ReasonSTTConfig)
}

// closestKey returns the accepted key within edit distance 2 of nk.
func closestKey(nk string, allowed map[string]string) string {
	best, bestDist := "", 3
	for candidate, key := range allowed {
		d := editDistance(nk, candidate)
		if d < bestDist || (d == bestDist && key < best) {
			best, bestDist = key, d
		}
	}
	return best
}

func editDistance(a, b string) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}
