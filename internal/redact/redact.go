// Package redact masks cardholder data in text before it is logged.
package redact

import (
	"regexp"
	"sort"
	"strings"
)

// Pattern is one kind of sensitive data. Valid, when set, filters regex
// hits that are not real matches, such as digit runs failing the Luhn check.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
	Valid func(match string) bool
	// KeepLast is the number of trailing characters left readable
	KeepLast int
}

// Match is one detected occurrence in the scanned text
type Match struct {
	Pattern string
	Start   int
	End     int
	Text    string
}

var (
	// 13 to 19 digits, optionally grouped by spaces or dashes
	panRegex = regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)

	// Track 2 equivalent data: PAN '=' expiry and service code
	track2Regex = regexp.MustCompile(`;?\d{13,19}=\d{4}\d{3}\d*\??`)

	// Card verification value next to its JSON or form label
	cvvRegex = regexp.MustCompile(`(?i)"?(?:cvv2?|cvc2?|card_verification)"?\s*[:=]\s*"?\d{3,4}"?`)
)

// DefaultPatterns returns the cardholder data patterns
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "Track data", Regex: track2Regex},
		{Name: "Card verification value", Regex: cvvRegex},
		{Name: "Primary account number", Regex: panRegex, Valid: luhnValid, KeepLast: 4},
	}
}

// Detector finds sensitive data
type Detector struct {
	patterns []Pattern
}

// NewDetector creates a detector with the default patterns
func NewDetector() *Detector {
	return &Detector{patterns: DefaultPatterns()}
}

// AddPattern adds a pattern to the detector
func (d *Detector) AddPattern(p Pattern) {
	d.patterns = append(d.patterns, p)
}

// Scan returns the non-overlapping matches in content, ordered by
// position. Earlier patterns win over later ones on overlap.
func (d *Detector) Scan(content string) []Match {
	var matches []Match
	for _, p := range d.patterns {
		for _, loc := range p.Regex.FindAllStringIndex(content, -1) {
			text := content[loc[0]:loc[1]]
			if p.Valid != nil && !p.Valid(text) {
				continue
			}
			if overlaps(matches, loc[0], loc[1]) {
				continue
			}
			matches = append(matches, Match{Pattern: p.Name, Start: loc[0], End: loc[1], Text: text})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

// Redact masks every match in content
func (d *Detector) Redact(content string) string {
	matches := d.Scan(content)
	if len(matches) == 0 {
		return content
	}

	keep := make(map[string]int, len(d.patterns))
	for _, p := range d.patterns {
		keep[p.Name] = p.KeepLast
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(content[last:m.Start])
		b.WriteString(mask(m.Text, keep[m.Pattern]))
		last = m.End
	}
	b.WriteString(content[last:])
	return b.String()
}

var defaultDetector = NewDetector()

// String masks cardholder data in s with the default patterns
func String(s string) string {
	return defaultDetector.Redact(s)
}

func overlaps(matches []Match, start, end int) bool {
	for _, m := range matches {
		if start < m.End && m.Start < end {
			return true
		}
	}
	return false
}

// mask replaces digits with '*' and keeps the last keepLast digits
func mask(s string, keepLast int) string {
	if keepLast == 0 {
		return "[REDACTED]"
	}
	digits := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits++
		}
	}

	out := []byte(s)
	seen := 0
	for i := range out {
		if out[i] < '0' || out[i] > '9' {
			continue
		}
		seen++
		if seen <= digits-keepLast {
			out[i] = '*'
		}
	}
	return string(out)
}

// luhnValid reports whether the digits of s pass the Luhn checksum
func luhnValid(s string) bool {
	sum := 0
	double := false
	n := 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		n++
	}
	return n >= 13 && sum%10 == 0
}
