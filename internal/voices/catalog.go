// Package voices holds the static catalog of synthesis voices understood by
// the worker model. Voice names encode language and gender in their prefix:
// af_/am_ are American English, bf_/bm_ are British English.
package voices

import "sort"

const Default = "af_heart"

// LangCodes maps a language code to its display name.
var LangCodes = map[string]string{
	"a": "American English",
	"b": "British English",
}

var catalog = map[string]struct{}{
	"af_heart": {}, "af_bella": {}, "af_nicole": {}, "af_aoede": {},
	"af_kore": {}, "af_sarah": {}, "af_nova": {}, "af_sky": {},
	"af_alloy": {}, "af_jessica": {}, "af_river": {}, "am_michael": {},
	"am_fenrir": {}, "am_puck": {}, "am_echo": {}, "am_eric": {},
	"am_liam": {}, "am_onyx": {}, "am_santa": {}, "am_adam": {},
	"bf_emma": {}, "bf_isabella": {}, "bf_alice": {}, "bf_lily": {},
	"bm_george": {}, "bm_fable": {}, "bm_lewis": {}, "bm_daniel": {},
}

// Valid reports whether the worker knows the named voice.
func Valid(name string) bool {
	_, ok := catalog[name]
	return ok
}

// ValidLang reports whether the language code is supported.
func ValidLang(code string) bool {
	_, ok := LangCodes[code]
	return ok
}

// All returns every voice name in sorted order.
func All() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForLang returns the voices belonging to a language code, sorted.
func ForLang(code string) []string {
	var names []string
	for name := range catalog {
		if len(name) > 0 && string(name[0]) == code {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
