package intent

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Spanish stopwords, plus a few chat fillers.
var stopwords = map[string]struct{}{
	"de": {}, "la": {}, "el": {}, "en": {}, "y": {}, "a": {}, "que": {},
	"es": {}, "no": {}, "lo": {}, "un": {}, "una": {}, "me": {}, "te": {},
	"se": {}, "su": {}, "al": {}, "le": {}, "para": {}, "con": {}, "por": {},
	"los": {}, "las": {}, "del": {}, "mas": {}, "pero": {}, "si": {},
	"ya": {}, "mi": {}, "fue": {}, "muy": {}, "son": {}, "hay": {},
	"tambien": {}, "como": {}, "este": {}, "estos": {}, "esta": {},
	"estas": {}, "todo": {}, "ser": {}, "tiene": {}, "puede": {},
	"hacer": {}, "quiero": {}, "necesito": {}, "favor": {}, "hola": {},
	"hey": {}, "ok": {}, "gracias": {},
}

// normalize lowercases and strips diacritics, so "teléfono" and
// "telefono" tokenize identically.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range norm.NFD.String(strings.ToLower(text)) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Tokenize splits normalized text into alphanumeric tokens, dropping
// stopwords and tokens of length <= 2.
func Tokenize(text string) []string {
	clean := normalize(text)
	fields := strings.FieldsFunc(clean, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, t := range fields {
		if len(t) <= 2 {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		out = append(out, t)
	}
	return out
}
