// Package classification turns the free-text labels produced by the AI triage
// model into one final classification. It is the only place that interprets
// those labels; callers compare the returned Result, never the raw strings.
package classification

import (
	"strings"
	"unicode"
)

// Result is the final, human-facing classification of a case.
type Result int

const (
	Unresolved Result = iota
	ManualReview
	ProbableICSRAndAOI
	ProbableICSR
	ProbableAOI
	NoCase
)

var labels = map[Result]string{
	ManualReview:       "Manual Review",
	ProbableICSRAndAOI: "Probable ICSR/AOI",
	ProbableICSR:       "Probable ICSR",
	ProbableAOI:        "Probable AOI",
	NoCase:             "No Case",
}

// String returns the display label, or "" when unresolved.
func (r Result) String() string {
	return labels[r]
}

// Resolved reports whether a final classification was derived.
func (r Result) Resolved() bool {
	return r != Unresolved
}

// ParseLabel maps a display label back to its Result, ignoring case.
func ParseLabel(label string) (Result, bool) {
	needle := strings.ToLower(strings.TrimSpace(label))
	for result, l := range labels {
		if strings.ToLower(l) == needle {
			return result, true
		}
	}
	return Unresolved, false
}

type icsrSignal int

const (
	icsrUnknown icsrSignal = iota
	icsrManualReview
	icsrProbableBoth
	icsrProbable
	icsrNoCase
)

type aoiSignal int

const (
	aoiUnknown aoiSignal = iota
	aoiProbable
)

// Resolve derives the final classification from the raw ICSR and AOI fields.
// Empty strings stand in for missing values.
func Resolve(rawICSR, rawAOI string) Result {
	icsr := parseICSR(Normalize(rawICSR))
	aoi := parseAOI(Normalize(rawAOI))

	switch icsr {
	case icsrManualReview:
		return ManualReview
	case icsrProbableBoth:
		return ProbableICSRAndAOI
	case icsrProbable:
		if aoi == aoiProbable {
			return ProbableICSRAndAOI
		}
		return ProbableICSR
	case icsrNoCase:
		if aoi == aoiProbable {
			return ProbableAOI
		}
		return NoCase
	}
	return Unresolved
}

// Normalize strips the "Classification:" and "<n>. " prefixes the model emits,
// trims whitespace and lower-cases the remainder.
func Normalize(raw string) string {
	value := strings.TrimSpace(raw)
	const prefix = "classification:"
	if len(value) >= len(prefix) && strings.EqualFold(value[:len(prefix)], prefix) {
		value = strings.TrimSpace(value[len(prefix):])
	}
	value = stripOrdinal(value)
	return strings.ToLower(strings.TrimSpace(value))
}

func stripOrdinal(value string) string {
	digits := 0
	for digits < len(value) && value[digits] >= '0' && value[digits] <= '9' {
		digits++
	}
	if digits == 0 || digits >= len(value) || value[digits] != '.' {
		return value
	}
	rest := value[digits+1:]
	if rest == "" || !unicode.IsSpace(rune(rest[0])) {
		return value
	}
	return strings.TrimLeftFunc(rest, unicode.IsSpace)
}

func parseICSR(value string) icsrSignal {
	switch {
	case strings.Contains(value, "manual review"):
		return icsrManualReview
	case strings.Contains(value, "probable icsr/aoi"):
		return icsrProbableBoth
	case strings.HasPrefix(value, "probable"), value == "yes", value == "yes (icsr)":
		return icsrProbable
	case value == "no case":
		return icsrNoCase
	}
	return icsrUnknown
}

func parseAOI(value string) aoiSignal {
	if strings.HasPrefix(value, "probable") || value == "yes" || value == "yes (aoi)" {
		return aoiProbable
	}
	return aoiUnknown
}
