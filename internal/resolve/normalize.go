package resolve

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/prospect-sync/internal/model"
)

// generationSuffixes are dropped from last names during normalization.
var generationSuffixes = map[string]bool{
	"JR": true, "SR": true, "II": true, "III": true, "IV": true, "V": true,
}

// collegeTokens rewrites common spellings of institution words.
var collegeTokens = map[string]string{
	"UNIVERSITY": "U",
	"UNIV":       "U",
	"COLLEGE":    "C",
	"SAINT":      "ST",
}

var (
	nonAlnumRe   = regexp.MustCompile(`[^A-Z0-9 ]+`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
)

// fold strips diacritics and upper-cases s.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToUpper(out)
}

// clean folds s and reduces it to space-separated alphanumeric tokens.
// Apostrophes and periods join rather than split ("O'Neil" is ONEIL).
func clean(s string) string {
	s = fold(strings.TrimSpace(s))
	s = strings.NewReplacer("'", "", "’", "", ".", "", "&", " AND ", "-", " ").Replace(s)
	s = nonAlnumRe.ReplaceAllString(s, " ")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// NormalizeFirstName standardizes a first name for matching. "J." becomes
// "J".
func NormalizeFirstName(name string) string {
	return clean(name)
}

// NormalizeLastName standardizes a last name for matching, dropping
// generational suffixes ("Harrison Jr." is HARRISON).
func NormalizeLastName(name string) string {
	tokens := strings.Fields(clean(name))
	for len(tokens) > 1 && generationSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// NormalizePosition standardizes a position code.
func NormalizePosition(pos string) string {
	return strings.ReplaceAll(clean(pos), " ", "")
}

// NormalizeCollege standardizes a college name. "State University" and
// "State U." both normalize to STATE U.
func NormalizeCollege(college string) string {
	tokens := strings.Fields(clean(college))
	for i, t := range tokens {
		if r, ok := collegeTokens[t]; ok {
			tokens[i] = r
		}
	}
	return strings.Join(tokens, " ")
}

// Key is the normalized identity of a fragment or prospect.
type Key struct {
	First    string
	Last     string
	Position string
	College  string
}

// NormalizeKey normalizes raw identity attributes.
func NormalizeKey(first, last, position, college string) Key {
	return Key{
		First:    NormalizeFirstName(first),
		Last:     NormalizeLastName(last),
		Position: NormalizePosition(position),
		College:  NormalizeCollege(college),
	}
}

func (k Key) String() string {
	return model.IdentityKey(k.First, k.Last, k.Position, k.College)
}

// Complete reports whether every key component is non-empty.
func (k Key) Complete() bool {
	return k.First != "" && k.Last != "" && k.Position != "" && k.College != ""
}

func (k Key) bucket() string {
	return k.Position + "|" + k.College
}
