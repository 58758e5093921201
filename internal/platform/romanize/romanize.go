// Package romanize maps patient display names to a Latin form that
// ASCII-only modalities can render. Hangul syllables are transliterated with
// the Revised Romanization of Korean, one syllable at a time, and other
// letters lose their combining diacritics.
package romanize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	hangulBase  = 0xAC00
	hangulLast  = 0xD7A3
	medialCount = 21
	finalCount  = 28
)

var initials = [...]string{
	"g", "kk", "n", "d", "tt", "r", "m", "b", "pp", "s",
	"ss", "", "j", "jj", "ch", "k", "t", "p", "h",
}

var medials = [...]string{
	"a", "ae", "ya", "yae", "eo", "e", "yeo", "ye", "o", "wa", "wae",
	"oe", "yo", "u", "wo", "we", "wi", "yu", "eu", "ui", "i",
}

// Finals as pronounced at the end of an isolated syllable.
var finals = [...]string{
	"", "k", "k", "k", "n", "n", "n", "t", "l", "k",
	"m", "l", "l", "l", "p", "l", "m", "p", "p", "t",
	"t", "ng", "t", "t", "k", "t", "p", "t",
}

// Syllable returns the lowercase romanization of a precomposed Hangul
// syllable. ok is false for any other rune.
func Syllable(r rune) (string, bool) {
	if r < hangulBase || r > hangulLast {
		return "", false
	}
	s := int(r - hangulBase)
	initial := s / (medialCount * finalCount)
	medial := (s % (medialCount * finalCount)) / finalCount
	final := s % finalCount
	return initials[initial] + medials[medial] + finals[final], true
}

// HasHangul reports whether s contains a precomposed Hangul syllable.
func HasHangul(s string) bool {
	for _, r := range s {
		if r >= hangulBase && r <= hangulLast {
			return true
		}
	}
	return false
}

var fold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// FoldDiacritics strips combining marks: "Müller" becomes "Muller".
func FoldDiacritics(s string) string {
	out, _, err := transform.String(fold, s)
	if err != nil {
		return s
	}
	return out
}

// Name returns the normalized form of a display name. Names without Hangul
// keep their case and only lose diacritics. Names with Hangul are
// uppercased, with adjacent syllables separated by a space and DICOM
// component separators ('^') preserved, so "홍^길동" becomes "HONG^GIL DONG".
// The function is pure and idempotent.
func Name(s string) string {
	s = strings.TrimSpace(s)
	if !HasHangul(s) {
		return FoldDiacritics(s)
	}

	var b strings.Builder
	prevSyllable := false
	for _, r := range s {
		if rom, ok := Syllable(r); ok {
			if prevSyllable {
				b.WriteByte(' ')
			}
			b.WriteString(rom)
			prevSyllable = true
			continue
		}
		b.WriteRune(r)
		prevSyllable = false
	}
	return strings.ToUpper(FoldDiacritics(collapseSpaces(b.String())))
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
