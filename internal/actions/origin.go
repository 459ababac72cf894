package actions

import (
	"crypto/sha256"
	"regexp"
	"strings"

	"github.com/dreamhouse/questd/internal/core"
)

// Spectrum values derived from an identity fall in [spectrumMin, spectrumMax]
const (
	spectrumMin = 10
	spectrumMax = 50
)

// DeriveSpectrum maps an identity (DID, else handle) to a stable origin
// spectrum. The same identity always yields the same spectrum.
func DeriveSpectrum(identity string) core.Spectrum {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(identity))))
	span := spectrumMax - spectrumMin + 1

	var s core.Spectrum
	for i, axis := range core.SpectrumAxes {
		v := int(sum[2*i])<<8 | int(sum[2*i+1])
		s, _ = s.Add(axis, spectrumMin+v%span)
	}
	return s
}

// identity picks the stable key used to derive a spectrum
func identity(ev core.Event) string {
	if ev.DID != "" {
		return ev.DID
	}
	return core.NormalizeHandle(ev.Handle)
}

// Rowstyles is the registry of display styles a canon row may carry
var Rowstyles = map[string]bool{
	"default":   true,
	"highlight": true,
	"muted":     true,
	"gilded":    true,
	"shadow":    true,
	"lore":      true,
	"whisper":   true,
}

// canonArg is a parsed add_canon argument group
type canonArg struct {
	Key         string
	Description string
	Type        string
	Rowstyle    string
}

// parseCanonArg splits key:description:type[:rowstyle]. The description may
// itself contain colons; the type is found from the right.
func parseCanonArg(arg string) (canonArg, bool) {
	parts := strings.Split(arg, ":")
	if len(parts) < 3 {
		return canonArg{}, false
	}
	out := canonArg{Key: strings.TrimSpace(parts[0])}

	n := len(parts)
	if n >= 4 {
		if _, ok := core.ParseCanonType(parts[n-2]); ok {
			out.Type = strings.TrimSpace(parts[n-2])
			out.Rowstyle = strings.TrimSpace(parts[n-1])
			out.Description = strings.Join(parts[1:n-2], ":")
			return out, out.Key != ""
		}
	}
	out.Type = strings.TrimSpace(parts[n-1])
	out.Description = strings.Join(parts[1:n-1], ":")
	return out, out.Key != ""
}

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9][A-Za-z0-9.\-]*[A-Za-z0-9])`)

// mentions extracts @handles from text in order, without duplicates
func mentions(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		h := core.NormalizeHandle(m[1])
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}

// nameFromHandle derives a display name from the first handle label
func nameFromHandle(handle string) string {
	label, _, _ := strings.Cut(core.NormalizeHandle(handle), ".")
	if label == "" {
		return ""
	}
	return strings.ToUpper(label[:1]) + label[1:]
}
