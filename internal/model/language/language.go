// Package language normalizes the consultation language tags shared by prompts and speech services.
package language

import "strings"

// Supported consultation languages.
const (
	English = "english"
	Yoruba  = "yoruba"
	Igbo    = "igbo"
	Hausa   = "hausa"
)

// Default is used when a request carries no language.
const Default = English

var aliases = map[string]string{
	"english": English, "en": English, "en-us": English, "en-gb": English, "en-ng": English,
	"yoruba": Yoruba, "yo": Yoruba, "yo-ng": Yoruba, "yorùbá": Yoruba,
	"igbo": Igbo, "ig": Igbo, "ig-ng": Igbo,
	"hausa": Hausa, "ha": Hausa, "ha-ng": Hausa,
}

var codes = map[string]string{
	English: "en",
	Yoruba:  "yo",
	Igbo:    "ig",
	Hausa:   "ha",
}

// Normalize maps a tag or ISO code onto its canonical name. Unknown tags are
// returned lowercased with ok=false; an empty tag yields Default.
func Normalize(tag string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(tag))
	if key == "" {
		return Default, true
	}
	if name, ok := aliases[key]; ok {
		return name, true
	}
	return key, false
}

// Code returns the ISO 639-1 code used by speech engines, defaulting to "en".
func Code(tag string) string {
	name, _ := Normalize(tag)
	if code, ok := codes[name]; ok {
		return code
	}
	return codes[English]
}

// IsEnglish reports whether tag resolves to English.
func IsEnglish(tag string) bool {
	name, _ := Normalize(tag)
	return name == English
}
