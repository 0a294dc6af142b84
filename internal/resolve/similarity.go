package resolve

import (
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// Similarity weights for the fuzzy pass.
const (
	lastNameWeight  = 0.7
	firstNameWeight = 0.3
	// phoneticFloor is the last-name similarity granted to names that share
	// a Soundex code.
	phoneticFloor = 0.9
)

// EditSimilarity returns 1 - distance/maxLen over runes, in [0, 1].
func EditSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(maxLen)
}

// isInitial reports whether a normalized first name is a single letter.
func isInitial(s string) bool {
	return utf8.RuneCountInString(s) == 1
}

// initialsCompatible reports whether two normalized first names could name
// the same person: they share a first letter.
func initialsCompatible(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ra, _ := utf8.DecodeRuneInString(a)
	rb, _ := utf8.DecodeRuneInString(b)
	return ra == rb
}

// NameScore scores two normalized (first, last) pairs. First names must
// share an initial; an initial alone matches any compatible full name.
// Last names sharing a Soundex code score at least phoneticFloor.
func NameScore(firstA, lastA, firstB, lastB string) float64 {
	if !initialsCompatible(firstA, firstB) || lastA == "" || lastB == "" {
		return 0
	}

	last := EditSimilarity(lastA, lastB)
	if last < phoneticFloor && Soundex(lastA) == Soundex(lastB) {
		last = phoneticFloor
	}

	first := 1.0
	if !isInitial(firstA) && !isInitial(firstB) {
		first = EditSimilarity(firstA, firstB)
	}
	return lastNameWeight*last + firstNameWeight*first
}

// Soundex returns the American Soundex code of s: the first letter followed
// by three digits. Non-letters are ignored; an empty input yields "".
func Soundex(s string) string {
	var letters []byte
	for _, r := range strings.ToUpper(s) {
		if r >= 'A' && r <= 'Z' {
			letters = append(letters, byte(r))
		}
	}
	if len(letters) == 0 {
		return ""
	}

	code := []byte{letters[0]}
	prev := soundexDigit(letters[0])
	for _, c := range letters[1:] {
		d := soundexDigit(c)
		switch {
		case d != 0 && d != prev:
			code = append(code, d)
			if len(code) == 4 {
				return string(code)
			}
			prev = d
		case c == 'H' || c == 'W':
			// H and W do not separate equal codes.
		default:
			prev = d
		}
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}

func soundexDigit(c byte) byte {
	switch c {
	case 'B', 'F', 'P', 'V':
		return '1'
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return '2'
	case 'D', 'T':
		return '3'
	case 'L':
		return '4'
	case 'M', 'N':
		return '5'
	case 'R':
		return '6'
	default:
		return 0
	}
}
